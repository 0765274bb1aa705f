package duckgpt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// Bot holds everything needed to run the bot: the discord session, the
// backend clients, cooldown state and the dispatcher. It's created with New
// and started with Run.
type Bot struct {
	config     *Config
	logger     *slog.Logger
	discord    *Discord
	ollama     *Ollama
	comfyUI    *ComfyUI
	cooldowns  *Cooldowns
	dispatcher *Dispatcher
	api        *API

	startedAt time.Time
	runMu     sync.Mutex

	// tracks in-flight interactions, so Run can wait on them before
	// returning
	interactions sync.WaitGroup

	// getInteractionHandlerFunc builds the InteractionHandler for an
	// incoming interaction
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler
}

// New validates the config and creates a Bot. A missing discord token is
// reported before anything else is checked, and before any network
// activity, as a *ConfigError.
func New(config *Config) (*Bot, error) {
	if config == nil {
		return nil, &ConfigError{Field: "config", Err: errors.New("nil config")}
	}
	if config.Discord == nil || strings.TrimSpace(config.Discord.Token) == "" {
		return nil, &ConfigError{Field: "discord.token", Err: ErrMissingDiscordToken}
	}
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	config.Discord.httpClient = config.HTTPClient

	b := &Bot{
		config:  config,
		logger:  newLogger(config.LogLevel, "duckgpt"),
		discord: newDiscord(config.Discord),
	}

	var errs []error
	ollama, err := newOllama(config.Ollama, config.HTTPClient)
	if err != nil {
		errs = append(errs, &ConfigError{Field: "ollama.host", Err: err})
	}
	b.ollama = ollama

	comfyUI, err := newComfyUI(config.ComfyUI, config.HTTPClient)
	if err != nil {
		errs = append(errs, &ConfigError{Field: "comfyui.host", Err: err})
	}
	b.comfyUI = comfyUI

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	b.cooldowns = NewCooldowns(config.Cooldown.Windows())
	b.dispatcher = NewDispatcher(
		b.ollama,
		b.comfyUI,
		b.comfyUI,
		b.cooldowns,
		Formatter{Footer: config.Discord.Footer},
		b.logger.With(loggerNameKey, "dispatcher"),
	)
	if config.API.Enabled {
		b.api = newAPI(b, config.API)
	}

	b.getInteractionHandlerFunc = func(
		_ context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler {
		return GatewayHandler{
			session:     b.discord.session,
			interaction: i,
			logger:      b.discord.logger,
		}
	}
	return b, nil
}

// ValidateConfig checks the config's `binding` tags, returning a
// *ConfigError for the first invalid field
func ValidateConfig(config *Config) error {
	err := structValidator.Struct(config)
	if err == nil {
		return nil
	}
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		fe := validationErrs[0]
		return &ConfigError{
			Field: fe.Namespace(),
			Err:   fmt.Errorf("failed on the '%s' rule", fe.Tag()),
		}
	}
	return &ConfigError{Field: "config", Err: err}
}

// Uptime returns how long the bot has been running
func (b *Bot) Uptime() time.Duration {
	if b.startedAt.IsZero() {
		return 0
	}
	return time.Since(b.startedAt)
}

// Dispatcher returns the bot's command dispatcher
func (b *Bot) Dispatcher() *Dispatcher {
	return b.dispatcher
}

// Run connects to the discord gateway and handles interactions until ctx is
// canceled. Commands are registered once the gateway session is ready.
// In-flight interactions aren't canceled on shutdown; Run waits for them
// to finish before returning.
func (b *Bot) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.startedAt = time.Now()
	logger := b.logger
	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	if b.discord.session == nil {
		session, err := b.discord.newSession(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
			return err
		}
		b.discord.session = session
	}

	go b.checkModels(ctx)

	b.discord.session.SetIdentify(
		discordgo.Identify{
			Intents: b.config.Discord.GatewayIntents,
		},
	)

	for _, h := range b.discord.discordgoRemoveHandlerFuncs {
		h()
	}
	// interactions outlive ctx, since in-flight backend calls aren't
	// canceled
	interactionCtx := context.WithoutCancel(ctx)
	b.discord.discordgoRemoveHandlerFuncs = []func(){
		b.discord.session.AddHandler(b.discord.handlerConnect(ctx)),
		b.discord.session.AddHandler(b.discord.handlerDisconnect(ctx)),
		b.discord.session.AddHandler(b.discord.handlerReady(ctx)),
		b.discord.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				handler := b.getInteractionHandlerFunc(interactionCtx, i)
				b.interactions.Add(1)
				go func() {
					defer b.interactions.Done()
					b.dispatcher.Dispatch(interactionCtx, handler)
				}()
			},
		),
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	if b.api != nil {
		g.Go(
			func() error {
				return b.api.Serve(gctx)
			},
		)
	}

	if err := b.open(gctx); err != nil {
		logger.ErrorContext(ctx, "error opening discord session", tint.Err(err))
		cancel()
		return errors.Join(err, g.Wait())
	}

	g.Go(
		func() error {
			<-gctx.Done()
			logger.WarnContext(ctx, "shutting down")
			if err := b.discord.session.Close(); err != nil {
				logger.ErrorContext(ctx, "error closing discord session", tint.Err(err))
			}
			b.interactions.Wait()
			logger.InfoContext(ctx, "stopped", "uptime", b.Uptime())
			return nil
		},
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// open opens the gateway connection and waits for the session to be
// ready, up to the startup timeout
func (b *Bot) open(ctx context.Context) error {
	startCtx, cancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer cancel()

	openErr := make(chan error, 1)
	go func() {
		openErr <- b.discord.session.Open()
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out: %w", startCtx.Err())
	case err := <-openErr:
		if err != nil {
			return err
		}
	}

	select {
	case <-startCtx.Done():
		return fmt.Errorf("timed out waiting for ready: %w", startCtx.Err())
	case <-b.discord.Ready():
		b.logger.InfoContext(ctx, "ready", "application_id", b.discord.ApplicationID())
		return nil
	}
}

// checkModels warns about registered models that the ollama server
// doesn't have. Failing to reach the server isn't fatal.
func (b *Bot) checkModels(ctx context.Context) {
	missing, err := b.ollama.MissingModels(ctx)
	if err != nil {
		b.logger.WarnContext(ctx, "unable to list ollama models", tint.Err(err))
		return
	}
	for _, id := range missing {
		b.logger.WarnContext(ctx, "model not installed", "model", id)
	}
}

// RegisterCommands overwrites the guild's slash commands without opening
// a gateway connection. When no application ID is configured, the bot
// user's ID is used.
func (b *Bot) RegisterCommands(ctx context.Context) ([]*discordgo.ApplicationCommand, error) {
	if b.discord.session == nil {
		session, err := b.discord.newSession(ctx)
		if err != nil {
			return nil, err
		}
		b.discord.session = session
	}
	if b.discord.ApplicationID() == "" {
		u, err := b.discord.session.User("@me")
		if err != nil {
			return nil, fmt.Errorf("error getting bot user: %w", err)
		}
		b.discord.appID.Store(u.ID)
	}
	return b.discord.registerCommands(ctx)
}

// MissingModels returns the registered model identifiers that aren't
// installed on the ollama server
func (b *Bot) MissingModels(ctx context.Context) ([]string, error) {
	return b.ollama.MissingModels(ctx)
}
