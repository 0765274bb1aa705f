package duckgpt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Discord manages the gateway session: it registers the slash commands
// once the session is ready, and tracks connection state for the API.
type Discord struct {
	session DiscordSessionHandler
	config  *DiscordConfig
	logger  *slog.Logger

	appID             atomic.Value
	metricConnects    atomic.Int64
	metricDisconnects atomic.Int64
	connected         atomic.Bool
	registered        atomic.Bool

	readyOnce sync.Once
	ready     chan struct{}

	discordgoRemoveHandlerFuncs []func()
}

func newDiscord(config *DiscordConfig) *Discord {
	d := &Discord{
		config:                      config,
		logger:                      newLogger(config.LogLevel, "discord"),
		ready:                       make(chan struct{}),
		discordgoRemoveHandlerFuncs: []func(){},
	}
	d.appID.Store(config.ApplicationID)
	return d
}

// newSession initializes a new discordgo session, with discordgo's logging
// sent to the discord logger
func (d *Discord) newSession(ctx context.Context) (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = false
	disc.StateEnabled = true
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}
	session.session = disc

	discordgo.Logger = discordgoLoggerFunc(
		ctx,
		newLogger(d.config.DiscordGoLogLevel, "discordgo").Handler(),
	)
	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// ApplicationID returns the configured application ID, or the bot user's
// ID once the session is ready
func (d *Discord) ApplicationID() string {
	id, _ := d.appID.Load().(string)
	return id
}

// Connected reports whether the gateway connection is currently up
func (d *Discord) Connected() bool {
	return d.connected.Load()
}

// Ready returns a channel which is closed after the first Ready event
func (d *Discord) Ready() <-chan struct{} {
	return d.ready
}

// handlerReady registers the slash commands on the first Ready event, or on
// a later one if registration failed
func (d *Discord) handlerReady(ctx context.Context) func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		var userID string
		var username string
		if r.User != nil {
			userID = r.User.ID
			username = r.User.Username
		}
		d.logger.InfoContext(
			ctx,
			"Ready",
			"session_id", r.SessionID,
			slog.Group("user", "id", userID, "username", username),
			"guilds", len(r.Guilds),
		)

		if d.ApplicationID() == "" && userID != "" {
			d.appID.Store(userID)
		}

		if d.registered.CompareAndSwap(false, true) {
			if _, err := d.registerCommands(ctx); err != nil {
				d.registered.Store(false)
			}
		}
		d.readyOnce.Do(func() { close(d.ready) })
	}
}

func (d *Discord) handlerConnect(ctx context.Context) func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.InfoContext(ctx, "Connected", sessionLogAttrs(s)...)
	}
}

func (d *Discord) handlerDisconnect(ctx context.Context) func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.WarnContext(ctx, "disconnected", sessionLogAttrs(s)...)
	}
}

func sessionLogAttrs(s *discordgo.Session) []any {
	var sessionID string
	var userID string
	var username string

	if s != nil && s.State != nil {
		sessionID = s.State.SessionID
		if s.State.User != nil {
			userID = s.State.User.ID
			username = s.State.User.Username
		}
	}
	return []any{
		"session_id", sessionID,
		slog.Group("user", "id", userID, "username", username),
	}
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint, for the configured guild
func (d *Discord) registerCommands(
	ctx context.Context,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	appID := d.ApplicationID()
	if appID == "" {
		err := errors.New("application ID not set")
		d.logger.ErrorContext(ctx, "unable to register commands", tint.Err(err))
		return nil, err
	}

	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		d.config.GuildID,
		Commands(),
		options...,
	)
	if err != nil {
		d.logger.ErrorContext(ctx, "error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.InfoContext(ctx, "registered command", "name", c.Name, "id", c.ID)
	}
	return created, nil
}

// ackResponse defers the reply, showing the 'thinking' state until the
// response is edited
func ackResponse() *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}
}

// DiscordSessionHandler defines the methods of `discordgo.Session` used
// here, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// ApplicationCommandBulkOverwrite overwrites the application's commands
	// in the given guild
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponseEdit modifies the given interaction
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// User returns the given user. "@me" returns the bot user.
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
	}
	return created, err
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) User(
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.User, error) {
	return d.session.User(userID, options...)
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	level, err := discordgoLogLevel(lvl)
	if err != nil {
		return err
	}
	d.session.LogLevel = level
	return nil
}

// InteractionHandler is how the Dispatcher replies to an interaction
type InteractionHandler interface {
	// Respond sends the initial response to the interaction
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// Edit modifies the interaction's (deferred) response
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// GetInteraction returns the original InteractionCreate event.
	GetInteraction() *discordgo.InteractionCreate

	// Logger returns the logger associated with this handler.
	Logger() *slog.Logger
}

// GatewayHandler implements [InteractionHandler] for interactions received
// via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(w.interaction.Interaction, response)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.DebugContext(ctx, "responded to interaction", "response_type", response.Type)
	}
	return err
}

func (w GatewayHandler) Edit(
	ctx context.Context,
	wh *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := w.session.InteractionResponseEdit(
		w.interaction.Interaction,
		wh,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	} else {
		w.logger.DebugContext(ctx, "edited interaction")
	}
	return msg, err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}
