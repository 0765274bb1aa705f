package duckgpt

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrMissingDiscordToken = errors.New("missing discord token")
	ErrUnknownModel        = errors.New("unknown model")
	ErrNoImages            = errors.New("no images returned")
	ErrNoDevices           = errors.New("no devices reported")
	ErrNoOptions           = errors.New("missing command option")
	ErrUnknownCommand      = errors.New("unknown command")
)

// ConfigError is returned by New when the configuration can't be used to
// start the bot. It is always fatal.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Err.Error())
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// CooldownError indicates a command was invoked again before its
// cooldown window elapsed for that user.
type CooldownError struct {
	Command   string
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf(
		"command '%s' on cooldown for %s",
		e.Command,
		e.Remaining.Round(time.Millisecond),
	)
}

// GenerationError is returned when the text-generation backend fails to
// produce a response.
type GenerationError struct {
	Model string
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed for model '%s': %s", e.Model, e.Err.Error())
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// ImageGenerationError is returned when the image backend fails, returns
// something unusable, or returns no images.
type ImageGenerationError struct {
	Err error
}

func (e *ImageGenerationError) Error() string {
	return fmt.Sprintf("image generation failed: %s", e.Err.Error())
}

func (e *ImageGenerationError) Unwrap() error {
	return e.Err
}

// StatsError is returned when system stats can't be retrieved from the
// image backend.
type StatsError struct {
	Err error
}

func (e *StatsError) Error() string {
	return fmt.Sprintf("unable to get system stats: %s", e.Err.Error())
}

func (e *StatsError) Unwrap() error {
	return e.Err
}
