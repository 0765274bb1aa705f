package duckgpt

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testLogger(t testing.TB) *slog.Logger {
	t.Helper()
	return slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     slog.LevelDebug,
				AddSource: true,
			},
		),
	).With(loggerNameKey, t.Name())
}

// newTestCommand returns an application command interaction for the
// given command, from the given user
func newTestCommand(
	userID string,
	command string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        "interaction-" + userID + "-" + command,
			AppID:     "1234",
			Type:      discordgo.InteractionApplicationCommand,
			GuildID:   DefaultDiscordGuildID,
			ChannelID: "5678",
			Token:     "token",
			Member: &discordgo.Member{
				User: &discordgo.User{
					ID:         userID,
					Username:   "user_" + userID,
					GlobalName: "User " + userID,
				},
			},
			Data: discordgo.ApplicationCommandInteractionData{
				ID:      "cmd-" + command,
				Name:    command,
				Options: options,
			},
		},
	}
}

func stringOption(name string, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

// recordingHandler is an InteractionHandler which records every response
// and edit
type recordingHandler struct {
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
	respondErr  error

	mu        sync.Mutex
	responses []*discordgo.InteractionResponse
	edits     []*discordgo.WebhookEdit
}

func newRecordingHandler(t testing.TB, i *discordgo.InteractionCreate) *recordingHandler {
	t.Helper()
	return &recordingHandler{interaction: i, logger: testLogger(t)}
}

func (h *recordingHandler) Respond(_ context.Context, r *discordgo.InteractionResponse) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.responses = append(h.responses, r)
	return h.respondErr
}

func (h *recordingHandler) Edit(
	_ context.Context,
	e *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.edits = append(h.edits, e)
	return &discordgo.Message{ID: "message"}, nil
}

func (h *recordingHandler) GetInteraction() *discordgo.InteractionCreate {
	return h.interaction
}

func (h *recordingHandler) Logger() *slog.Logger {
	return h.logger
}

// Replies is the number of messages the user would see: the initial
// response, counting edits of a deferred response as the same message
func (h *recordingHandler) Replies() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.responses)
}

// lastEmbed returns the embed from the last edit
func (h *recordingHandler) lastEmbed(t testing.TB) *discordgo.MessageEmbed {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(t, h.edits)
	edit := h.edits[len(h.edits)-1]
	require.NotNil(t, edit.Embeds)
	require.Len(t, *edit.Embeds, 1)
	return (*edit.Embeds)[0]
}

// mockBackend implements TextGenerator, ImageGenerator and StatsProvider
type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) Generate(
	ctx context.Context,
	modelID string,
	prompt string,
) (GenerationResult, error) {
	args := m.Called(ctx, modelID, prompt)
	return args.Get(0).(GenerationResult), args.Error(1)
}

func (m *mockBackend) GenerateImage(ctx context.Context, prompt string) (ImageResult, error) {
	args := m.Called(ctx, prompt)
	return args.Get(0).(ImageResult), args.Error(1)
}

func (m *mockBackend) SystemStats(ctx context.Context) (SystemStats, error) {
	args := m.Called(ctx)
	return args.Get(0).(SystemStats), args.Error(1)
}

// fakeClock is a manually advanced clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestShortenString(t *testing.T) {
	t.Parallel()
	t.Run(
		"under limit", func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, "hello", shortenString("hello", 10))
		},
	)
	t.Run(
		"drops double newlines first", func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, "a\nb\nc", shortenString("a\n\nb\n\nc", 6))
		},
	)
	t.Run(
		"truncates with suffix", func(t *testing.T) {
			t.Parallel()
			input := ""
			for range 100 {
				input += "ü"
			}
			rv := shortenString(input, 50)
			assert.LessOrEqual(t, len([]rune(rv)), 50)
			assert.Contains(t, rv, "(output limit reached)")
		},
	)
}

func TestGetDiscordUser(t *testing.T) {
	t.Parallel()
	i := newTestCommand("42", DiscordSlashCommandStats)
	u := getDiscordUser(i)
	require.NotNil(t, u)
	assert.Equal(t, "42", u.ID)

	i.Member = nil
	i.User = &discordgo.User{ID: "43"}
	u = getDiscordUser(i)
	require.NotNil(t, u)
	assert.Equal(t, "43", u.ID)

	assert.Nil(t, getDiscordUser(nil))
	assert.Nil(t, getDiscordUser(&discordgo.InteractionCreate{}))
}

func TestFormatSeconds(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "1.50s", formatSeconds((1500 * time.Millisecond).Seconds()))
	assert.Equal(t, "0.00s", formatSeconds(0))
}

func TestStructToSlogValue_Redacted(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Discord.Token = "super-secret"
	rv := cfg.LogValue().Resolve()
	assert.NotContains(t, rv.String(), "super-secret")
	assert.Contains(t, rv.String(), "[redacted]")
}

func TestErrors_Unwrap(t *testing.T) {
	t.Parallel()
	err := &ImageGenerationError{Err: ErrNoImages}
	assert.ErrorIs(t, err, ErrNoImages)

	err2 := &StatsError{Err: ErrNoDevices}
	assert.ErrorIs(t, err2, ErrNoDevices)

	var cfgErr *ConfigError
	assert.True(t, errors.As(error(&ConfigError{Field: "x", Err: ErrMissingDiscordToken}), &cfgErr))
}
