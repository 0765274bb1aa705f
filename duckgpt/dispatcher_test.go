package duckgpt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t testing.TB, backend *mockBackend, clock *fakeClock) *Dispatcher {
	t.Helper()
	d := NewDispatcher(
		backend,
		backend,
		backend,
		testCooldowns(clock),
		testFormatter(),
		testLogger(t),
	)
	d.now = clock.Now
	return d
}

func llmCommand(userID string) *discordgo.InteractionCreate {
	return newTestCommand(
		userID,
		DiscordSlashCommandLLM,
		stringOption(commandOptionModel, ModelMistral.String()),
		stringOption(commandOptionPrompt, "why is the sky blue?"),
	)
}

func TestDispatcher_LLM(t *testing.T) {
	t.Parallel()
	backend := &mockBackend{}
	backend.On("Generate", mock.Anything, "dolphin-mistral", "why is the sky blue?").
		Return(
			GenerationResult{
				Text:          "Rayleigh scattering.",
				TokenCount:    100,
				EvalDuration:  2 * time.Second,
				TotalDuration: 1500 * time.Millisecond,
			}, nil,
		).Once()

	d := newTestDispatcher(t, backend, newFakeClock())
	handler := newRecordingHandler(t, llmCommand("u1"))

	state := d.Dispatch(context.Background(), handler)
	assert.Equal(t, InvocationSucceeded, state)
	backend.AssertExpectations(t)

	require.Len(t, handler.responses, 1)
	assert.Equal(
		t,
		discordgo.InteractionResponseDeferredChannelMessageWithSource,
		handler.responses[0].Type,
	)
	require.Len(t, handler.edits, 1)
	embed := handler.lastEmbed(t)
	assert.Equal(t, "Generated by `dolphin-mistral`", embed.Title)
	assert.Equal(t, "Rayleigh scattering.", embed.Description)
	assert.Equal(t, "`50.00 tokens/s`", embed.Fields[1].Value)

	stats := d.Stats()[DiscordSlashCommandLLM]
	assert.Equal(t, CommandStats{Received: 1, Succeeded: 1}, stats)
}

func TestDispatcher_Cooldown(t *testing.T) {
	t.Parallel()
	backend := &mockBackend{}
	backend.On("Generate", mock.Anything, mock.Anything, mock.Anything).
		Return(GenerationResult{Text: "ok", TokenCount: 1, EvalDuration: time.Second}, nil)

	clock := newFakeClock()
	d := newTestDispatcher(t, backend, clock)

	first := newRecordingHandler(t, llmCommand("u1"))
	assert.Equal(t, InvocationSucceeded, d.Dispatch(context.Background(), first))
	backend.AssertNumberOfCalls(t, "Generate", 1)

	// within the window: rejected, with no backend call
	clock.Advance(3 * time.Second)
	second := newRecordingHandler(t, llmCommand("u1"))
	assert.Equal(t, InvocationRejected, d.Dispatch(context.Background(), second))
	backend.AssertNumberOfCalls(t, "Generate", 1)

	require.Len(t, second.responses, 1)
	assert.Empty(t, second.edits)
	resp := second.responses[0]
	assert.Equal(t, discordgo.InteractionResponseChannelMessageWithSource, resp.Type)
	require.NotNil(t, resp.Data)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, resp.Data.Flags)
	assert.Equal(t, "You're too fast. Please wait for 7 seconds before retrying.", resp.Data.Content)

	// once the window has elapsed, it's admitted again
	clock.Advance(7 * time.Second)
	third := newRecordingHandler(t, llmCommand("u1"))
	assert.Equal(t, InvocationSucceeded, d.Dispatch(context.Background(), third))
	backend.AssertNumberOfCalls(t, "Generate", 2)

	assert.Equal(
		t,
		CommandStats{Received: 3, Rejected: 1, Succeeded: 2},
		d.Stats()[DiscordSlashCommandLLM],
	)
}

func TestDispatcher_CooldownConcurrent(t *testing.T) {
	t.Parallel()
	backend := &mockBackend{}
	backend.On("SystemStats", mock.Anything).
		Return(SystemStats{DeviceName: "gpu", VRAMFree: 1, VRAMTotal: 2}, nil)

	d := newTestDispatcher(t, backend, newFakeClock())

	const attempts = 20
	states := make(chan InvocationState, attempts)
	wg := sync.WaitGroup{}
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handler := newRecordingHandler(t, newTestCommand("u1", DiscordSlashCommandStats))
			states <- d.Dispatch(context.Background(), handler)
		}()
	}
	wg.Wait()
	close(states)

	counts := map[InvocationState]int{}
	for s := range states {
		counts[s]++
	}
	assert.Equal(t, 1, counts[InvocationSucceeded])
	assert.Equal(t, attempts-1, counts[InvocationRejected])
	backend.AssertNumberOfCalls(t, "SystemStats", 1)
}

func TestDispatcher_BackendError(t *testing.T) {
	t.Parallel()
	backend := &mockBackend{}
	backend.On("Generate", mock.Anything, mock.Anything, mock.Anything).
		Return(
			GenerationResult{},
			&GenerationError{Model: "dolphin-mistral", Err: errors.New("connection refused")},
		)

	d := newTestDispatcher(t, backend, newFakeClock())
	handler := newRecordingHandler(t, llmCommand("u1"))

	assert.Equal(t, InvocationFailed, d.Dispatch(context.Background(), handler))
	embed := handler.lastEmbed(t)
	assert.Equal(t, embedColorFailure, embed.Color)
	assert.Contains(t, embed.Description, "connection refused")
	assert.Equal(t, CommandStats{Received: 1, Failed: 1}, d.Stats()[DiscordSlashCommandLLM])
}

func TestDispatcher_ImageNoImages(t *testing.T) {
	t.Parallel()
	backend := &mockBackend{}
	backend.On("GenerateImage", mock.Anything, "a duck").
		Return(ImageResult{Prompt: "a duck"}, nil)

	d := newTestDispatcher(t, backend, newFakeClock())
	handler := newRecordingHandler(
		t,
		newTestCommand("u1", DiscordSlashCommandImg, stringOption(commandOptionPrompt, "a duck")),
	)

	assert.Equal(t, InvocationFailed, d.Dispatch(context.Background(), handler))
	embed := handler.lastEmbed(t)
	assert.Equal(t, "Error generating image", embed.Title)
	assert.Contains(t, embed.Description, ErrNoImages.Error())
	assert.Empty(t, handler.edits[0].Files)
}

func TestDispatcher_Image(t *testing.T) {
	t.Parallel()
	backend := &mockBackend{}
	backend.On("GenerateImage", mock.Anything, "a duck").
		Return(
			ImageResult{
				Prompt:  "a duck",
				Images:  []Image{{Filename: "duckgpt_00001_.png", Data: []byte("png")}},
				Elapsed: time.Second,
			}, nil,
		)

	d := newTestDispatcher(t, backend, newFakeClock())
	handler := newRecordingHandler(
		t,
		newTestCommand("u1", DiscordSlashCommandImg, stringOption(commandOptionPrompt, "a duck")),
	)

	assert.Equal(t, InvocationSucceeded, d.Dispatch(context.Background(), handler))
	require.Len(t, handler.edits, 1)
	assert.Len(t, handler.edits[0].Files, 1)
	assert.Equal(t, "attachment://duckgpt_00001_.png", handler.lastEmbed(t).Image.URL)
}

func TestDispatcher_StatsError(t *testing.T) {
	t.Parallel()
	backend := &mockBackend{}
	backend.On("SystemStats", mock.Anything).
		Return(SystemStats{}, &StatsError{Err: ErrNoDevices})

	d := newTestDispatcher(t, backend, newFakeClock())
	handler := newRecordingHandler(t, newTestCommand("u1", DiscordSlashCommandStats))

	assert.Equal(t, InvocationFailed, d.Dispatch(context.Background(), handler))
	embed := handler.lastEmbed(t)
	assert.Equal(t, "Error getting stats", embed.Title)
	assert.Contains(t, embed.Description, ErrNoDevices.Error())
}

func TestDispatcher_UnknownModel(t *testing.T) {
	t.Parallel()
	backend := &mockBackend{}
	d := newTestDispatcher(t, backend, newFakeClock())
	handler := newRecordingHandler(
		t,
		newTestCommand(
			"u1",
			DiscordSlashCommandLLM,
			stringOption(commandOptionModel, "gpt-4"),
			stringOption(commandOptionPrompt, "hi"),
		),
	)

	assert.Equal(t, InvocationFailed, d.Dispatch(context.Background(), handler))
	backend.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything, mock.Anything)
	assert.Contains(t, handler.lastEmbed(t).Description, ErrUnknownModel.Error())
}

func TestDispatcher_Panic(t *testing.T) {
	t.Parallel()
	backend := &mockBackend{}
	backend.On("SystemStats", mock.Anything).Run(
		func(_ mock.Arguments) {
			panic("boom")
		},
	).Return(SystemStats{}, nil)

	d := newTestDispatcher(t, backend, newFakeClock())
	handler := newRecordingHandler(t, newTestCommand("u1", DiscordSlashCommandStats))

	assert.NotPanics(
		t, func() {
			assert.Equal(t, InvocationFailed, d.Dispatch(context.Background(), handler))
		},
	)
	embed := handler.lastEmbed(t)
	assert.Equal(t, embedColorFailure, embed.Color)
	assert.Contains(t, embed.Description, "boom")
}

func TestDispatcher_IgnoresBots(t *testing.T) {
	t.Parallel()
	backend := &mockBackend{}
	d := newTestDispatcher(t, backend, newFakeClock())

	i := newTestCommand("u1", DiscordSlashCommandStats)
	i.Member.User.Bot = true
	handler := newRecordingHandler(t, i)

	assert.Equal(t, InvocationIgnored, d.Dispatch(context.Background(), handler))
	assert.Empty(t, handler.responses)
	backend.AssertNotCalled(t, "SystemStats", mock.Anything)
}

func TestDispatcher_Ping(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t, &mockBackend{}, newFakeClock())

	i := newTestCommand("u1", DiscordSlashCommandStats)
	i.Type = discordgo.InteractionPing
	handler := newRecordingHandler(t, i)

	assert.Equal(t, InvocationIgnored, d.Dispatch(context.Background(), handler))
	require.Len(t, handler.responses, 1)
	assert.Equal(t, discordgo.InteractionResponsePong, handler.responses[0].Type)
}

func TestDispatcher_AckFailure(t *testing.T) {
	t.Parallel()
	backend := &mockBackend{}
	d := newTestDispatcher(t, backend, newFakeClock())

	handler := newRecordingHandler(t, newTestCommand("u1", DiscordSlashCommandStats))
	handler.respondErr = errors.New("unknown interaction")

	assert.Equal(t, InvocationFailed, d.Dispatch(context.Background(), handler))
	assert.Empty(t, handler.edits)
	backend.AssertNotCalled(t, "SystemStats", mock.Anything)
}

func TestDispatcher_UnknownCommand(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t, &mockBackend{}, newFakeClock())
	handler := newRecordingHandler(t, newTestCommand("u1", "chat"))

	assert.Equal(t, InvocationFailed, d.Dispatch(context.Background(), handler))
	require.Len(t, handler.responses, 1)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, handler.responses[0].Data.Flags)
}
