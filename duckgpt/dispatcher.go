package duckgpt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// TextGenerator produces a text completion for `/llm`
type TextGenerator interface {
	Generate(ctx context.Context, modelID string, prompt string) (GenerationResult, error)
}

// ImageGenerator produces images for `/img`
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) (ImageResult, error)
}

// StatsProvider reports image backend device stats for `/stats`
type StatsProvider interface {
	SystemStats(ctx context.Context) (SystemStats, error)
}

// InvocationState is the outcome of a single command invocation, as it
// moves from received to replied
type InvocationState string

const (
	InvocationReceived  InvocationState = "received"
	InvocationIgnored   InvocationState = "ignored"
	InvocationRejected  InvocationState = "rejected"
	InvocationDeferred  InvocationState = "deferred"
	InvocationSucceeded InvocationState = "succeeded"
	InvocationFailed    InvocationState = "failed"
)

type commandCounters struct {
	received  atomic.Int64
	rejected  atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
}

// CommandStats counts invocations of a single command since startup
type CommandStats struct {
	Received  int64 `json:"received"`
	Rejected  int64 `json:"rejected"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

// Dispatcher routes slash command invocations: it applies cooldowns,
// acknowledges the interaction, calls the backend and replies with the
// formatted result. Backend errors become error embeds, and are never
// returned to the caller.
type Dispatcher struct {
	text      TextGenerator
	images    ImageGenerator
	stats     StatsProvider
	cooldowns *Cooldowns
	formatter Formatter
	logger    *slog.Logger
	now       func() time.Time

	// fixed set of keys, populated on creation
	counters map[string]*commandCounters
}

// NewDispatcher creates a Dispatcher. A nil logger uses slog.Default().
func NewDispatcher(
	text TextGenerator,
	images ImageGenerator,
	stats StatsProvider,
	cooldowns *Cooldowns,
	formatter Formatter,
	logger *slog.Logger,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		text:      text,
		images:    images,
		stats:     stats,
		cooldowns: cooldowns,
		formatter: formatter,
		logger:    logger,
		now:       time.Now,
		counters: map[string]*commandCounters{
			DiscordSlashCommandLLM:   {},
			DiscordSlashCommandImg:   {},
			DiscordSlashCommandStats: {},
		},
	}
}

// Stats returns invocation counts, keyed by command name
func (d *Dispatcher) Stats() map[string]CommandStats {
	rv := make(map[string]CommandStats, len(d.counters))
	for name, c := range d.counters {
		rv[name] = CommandStats{
			Received:  c.received.Load(),
			Rejected:  c.rejected.Load(),
			Succeeded: c.succeeded.Load(),
			Failed:    c.failed.Load(),
		}
	}
	return rv
}

// Dispatch handles a single interaction, returning the state it ended in.
// Every admitted command gets exactly one reply: an acknowledgement which is
// later edited into the result, or the cooldown notice.
func (d *Dispatcher) Dispatch(ctx context.Context, handler InteractionHandler) (state InvocationState) {
	state = InvocationReceived
	logger := handler.Logger()
	if logger == nil {
		logger = d.logger
	}

	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(WithLogger(ctx, logger), rc)
			state = InvocationFailed
		}
	}()

	i := handler.GetInteraction()
	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(ctx, "no user found in interaction", "interaction", structToSlogValue(i))
		return InvocationIgnored
	}

	logger = logger.With(
		slog.Group("interaction", interactionLogAttrs(*i)...),
		slog.Group("user", userLogAttrs(*discordUser)...),
	)
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received new interaction")

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring")
		return InvocationIgnored
	}

	switch i.Type {
	case discordgo.InteractionPing:
		_ = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponsePong,
			},
		)
		return InvocationIgnored
	case discordgo.InteractionApplicationCommand:
		return d.dispatchCommand(ctx, handler, discordUser)
	default:
		logger.DebugContext(ctx, "ignoring interaction type")
		return InvocationIgnored
	}
}

func (d *Dispatcher) dispatchCommand(
	ctx context.Context,
	handler InteractionHandler,
	u *discordgo.User,
) InvocationState {
	logger, _ := ContextLogger(ctx)
	i := handler.GetInteraction()
	commandName := i.ApplicationCommandData().Name

	counters, ok := d.counters[commandName]
	if !ok {
		err := fmt.Errorf("%w: '%s'", ErrUnknownCommand, commandName)
		logger.WarnContext(ctx, "unknown command", tint.Err(err))
		reply := d.formatter.Failure(commandName, err, d.now())
		_ = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Embeds: []*discordgo.MessageEmbed{reply.Embed},
					Flags:  discordgo.MessageFlagsEphemeral,
				},
			},
		)
		return InvocationFailed
	}
	counters.received.Add(1)

	logger = logger.With("command", commandName)
	ctx = WithLogger(ctx, logger)

	if remaining, allowed := d.cooldowns.Allow(u.ID, commandName); !allowed {
		counters.rejected.Add(1)
		logger.InfoContext(
			ctx,
			"rejected invocation",
			tint.Err(&CooldownError{Command: commandName, Remaining: remaining}),
		)
		_ = handler.Respond(ctx, cooldownResponse(remaining))
		return InvocationRejected
	}

	if ackErr := handler.Respond(ctx, ackResponse()); ackErr != nil {
		counters.failed.Add(1)
		logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(ackErr))
		return InvocationFailed
	}
	logger.DebugContext(ctx, "deferred", "state", InvocationDeferred)

	state := InvocationSucceeded
	reply, err := d.execute(ctx, commandName, i)
	if err != nil {
		state = InvocationFailed
		counters.failed.Add(1)
		logger.ErrorContext(ctx, "command failed", tint.Err(err))
		reply = d.formatter.Failure(commandName, err, d.now())
	} else {
		counters.succeeded.Add(1)
	}

	if _, editErr := handler.Edit(ctx, reply.WebhookEdit()); editErr != nil {
		logger.ErrorContext(ctx, "error sending reply", tint.Err(editErr))
	}
	logger.InfoContext(ctx, "finished", "state", state)
	return state
}

// execute calls the backend for the command and formats the result. A
// panic in the backend call is returned as an error, so the deferred
// response still gets replaced.
func (d *Dispatcher) execute(
	ctx context.Context,
	commandName string,
	i *discordgo.InteractionCreate,
) (reply Reply, err error) {
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
			err = fmt.Errorf("internal error: %v", rc)
		}
	}()

	switch commandName {
	case DiscordSlashCommandLLM:
		opts, parseErr := parseLLMOptions(i)
		if parseErr != nil {
			return Reply{}, parseErr
		}
		result, genErr := d.text.Generate(ctx, opts.Model.Identifier(), opts.Prompt)
		if genErr != nil {
			return Reply{}, genErr
		}
		return d.formatter.Generation(opts.Model, result, d.now()), nil
	case DiscordSlashCommandImg:
		prompt, parseErr := parsePromptOption(discordInteractionOptions(i))
		if parseErr != nil {
			return Reply{}, parseErr
		}
		result, genErr := d.images.GenerateImage(ctx, prompt)
		if genErr != nil {
			return Reply{}, genErr
		}
		if len(result.Images) == 0 {
			return Reply{}, &ImageGenerationError{Err: ErrNoImages}
		}
		return d.formatter.Image(result, d.now()), nil
	case DiscordSlashCommandStats:
		stats, statsErr := d.stats.SystemStats(ctx)
		if statsErr != nil {
			return Reply{}, statsErr
		}
		return d.formatter.Stats(stats, d.now()), nil
	default:
		return Reply{}, fmt.Errorf("%w: '%s'", ErrUnknownCommand, commandName)
	}
}

// handleRecover logs a recovered panic, with its stack trace
func handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(v), "stack_trace", stackTrace)
	case string:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(v)),
			"stack_trace", stackTrace,
		)
	default:
		logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
	}
}
