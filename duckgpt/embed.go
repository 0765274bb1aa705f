package duckgpt

import (
	"bytes"
	"fmt"
	"math"
	"mime"
	"path"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	embedColorSuccess = 0x00ff00
	embedColorFailure = 0xff0000

	// discord limits
	discordEmbedDescriptionLimit = 4096
	discordEmbedFieldValueLimit  = 1024

	generatorOllama  = "Ollama"
	generatorSDXL    = "SDXL-Turbo"
	generatorComfyUI = "ComfyUI"

	embedTitleImage = "SDXL-Turbo"
	embedTitleStats = "Stats"

	bytesPerMB = 1_000_000
)

// Reply is the content sent back for an invocation: one embed, plus any
// attachments it refers to
type Reply struct {
	Embed *discordgo.MessageEmbed
	Files []*discordgo.File
}

// WebhookEdit returns the edit that replaces a deferred response with
// this reply
func (r Reply) WebhookEdit() *discordgo.WebhookEdit {
	embeds := []*discordgo.MessageEmbed{r.Embed}
	return &discordgo.WebhookEdit{Embeds: &embeds, Files: r.Files}
}

// Failed reports whether the reply is an error embed
func (r Reply) Failed() bool {
	return r.Embed != nil && r.Embed.Color == embedColorFailure
}

// Formatter builds reply embeds. Its methods have no side effects, and take
// the timestamp to show rather than reading the clock.
type Formatter struct {
	// Footer is the attribution shown before the generator name
	Footer string
}

func (f Formatter) footer(generator string) *discordgo.MessageEmbedFooter {
	return &discordgo.MessageEmbedFooter{
		Text: fmt.Sprintf("%s | Generated with %s", f.Footer, generator),
	}
}

func embedTimestamp(now time.Time) string {
	return now.UTC().Format(time.RFC3339)
}

func inlineField(name string, value string) *discordgo.MessageEmbedField {
	return &discordgo.MessageEmbedField{
		Name:   name,
		Value:  truncate(value, discordEmbedFieldValueLimit),
		Inline: true,
	}
}

func codeValue(s string) string {
	return fmt.Sprintf("`%s`", s)
}

// Generation formats a text generation response
func (f Formatter) Generation(model Model, r GenerationResult, now time.Time) Reply {
	speed := "n/a"
	if tps, ok := r.Speed(); ok && !math.IsInf(tps, 0) && !math.IsNaN(tps) {
		speed = fmt.Sprintf("%.2f tokens/s", tps)
	}
	return Reply{
		Embed: &discordgo.MessageEmbed{
			Type:        discordgo.EmbedTypeRich,
			Title:       fmt.Sprintf("Generated by `%s`", model.Identifier()),
			Description: shortenString(r.Text, discordEmbedDescriptionLimit),
			Color:       embedColorSuccess,
			Fields: []*discordgo.MessageEmbedField{
				inlineField("Duration", codeValue(formatSeconds(r.TotalDuration.Seconds()))),
				inlineField("Speed", codeValue(speed)),
			},
			Footer:    f.footer(generatorOllama),
			Timestamp: embedTimestamp(now),
		},
	}
}

// Image formats an image generation response, attaching the first image.
// A result without images is formatted as a failure.
func (f Formatter) Image(r ImageResult, now time.Time) Reply {
	if len(r.Images) == 0 {
		return f.Failure(DiscordSlashCommandImg, &ImageGenerationError{Err: ErrNoImages}, now)
	}
	img := r.Images[0]

	contentType := mime.TypeByExtension(path.Ext(img.Filename))
	if contentType == "" {
		contentType = "image/png"
	}

	return Reply{
		Embed: &discordgo.MessageEmbed{
			Type:  discordgo.EmbedTypeRich,
			Title: embedTitleImage,
			Color: embedColorSuccess,
			Fields: []*discordgo.MessageEmbedField{
				inlineField("Prompt", codeValue(r.Prompt)),
				inlineField("Duration", codeValue(formatSeconds(r.Elapsed.Seconds()))),
			},
			Image:     &discordgo.MessageEmbedImage{URL: "attachment://" + img.Filename},
			Footer:    f.footer(generatorSDXL),
			Timestamp: embedTimestamp(now),
		},
		Files: []*discordgo.File{
			{
				Name:        img.Filename,
				ContentType: contentType,
				Reader:      bytes.NewReader(img.Data),
			},
		},
	}
}

// Stats formats the image backend's device stats
func (f Formatter) Stats(s SystemStats, now time.Time) Reply {
	gpu := fmt.Sprintf(
		"%s\nVRAM: %dMB/%dMB",
		s.DeviceName,
		s.VRAMFree/bytesPerMB,
		s.VRAMTotal/bytesPerMB,
	)
	return Reply{
		Embed: &discordgo.MessageEmbed{
			Type:      discordgo.EmbedTypeRich,
			Title:     embedTitleStats,
			Color:     embedColorSuccess,
			Fields:    []*discordgo.MessageEmbedField{inlineField("GPU", gpu)},
			Footer:    f.footer(generatorComfyUI),
			Timestamp: embedTimestamp(now),
		},
	}
}

// Failure formats an error for the given command
func (f Formatter) Failure(command string, err error, now time.Time) Reply {
	var title string
	var generator string
	switch command {
	case DiscordSlashCommandLLM:
		title = "Error generating response"
		generator = generatorOllama
	case DiscordSlashCommandImg:
		title = "Error generating image"
		generator = generatorSDXL
	case DiscordSlashCommandStats:
		title = "Error getting stats"
		generator = generatorComfyUI
	default:
		title = "Error"
		generator = generatorOllama
	}

	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}

	return Reply{
		Embed: &discordgo.MessageEmbed{
			Type:        discordgo.EmbedTypeRich,
			Title:       title,
			Description: shortenString("Error: "+msg, discordEmbedDescriptionLimit),
			Color:       embedColorFailure,
			Footer:      f.footer(generator),
			Timestamp:   embedTimestamp(now),
		},
	}
}

// cooldownMessage is the notice sent when an invocation is rejected.
// The wait is rounded up to whole seconds.
func cooldownMessage(remaining time.Duration) string {
	seconds := int64(math.Ceil(remaining.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return fmt.Sprintf(
		"You're too fast. Please wait for %d seconds before retrying.",
		seconds,
	)
}

// cooldownResponse is the ephemeral reply to a rejected invocation
func cooldownResponse(remaining time.Duration) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: cooldownMessage(remaining),
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}
}
