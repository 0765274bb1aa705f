package duckgpt

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
)

const (
	DiscordSlashCommandLLM   = "llm"
	DiscordSlashCommandImg   = "img"
	DiscordSlashCommandStats = "stats"

	commandOptionModel  = "model"
	commandOptionPrompt = "prompt"

	// discordMaxPromptLength is the maximum length of a string option
	discordMaxPromptLength = 6000
)

// Commands returns the slash commands registered by the bot
func Commands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		appCommandLLM(),
		appCommandImg(),
		appCommandStats(),
	}
}

func promptOption() *discordgo.ApplicationCommandOption {
	minLength := 1
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        commandOptionPrompt,
		Description: "Prompt",
		Required:    true,
		MinLength:   &minLength,
		MaxLength:   discordMaxPromptLength,
	}
}

// appCommandLLM creates the `/llm` command, with one choice per
// registered model
func appCommandLLM() *discordgo.ApplicationCommand {
	models := Models()
	choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(models))
	for _, m := range models {
		choices = append(
			choices, &discordgo.ApplicationCommandOptionChoice{
				Name:  m.String(),
				Value: m.String(),
			},
		)
	}

	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandLLM,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Generate a response with a language model",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        commandOptionModel,
				Description: "Model",
				Required:    true,
				Choices:     choices,
			},
			promptOption(),
		},
	}
}

func appCommandImg() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandImg,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Generate an image with SDXL-Turbo",
		Options:     []*discordgo.ApplicationCommandOption{promptOption()},
	}
}

func appCommandStats() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandStats,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Show image backend GPU stats",
	}
}

// llmOptions is the parsed input of an `/llm` invocation
type llmOptions struct {
	Model  Model
	Prompt string
}

// parseLLMOptions reads the model and prompt options. The model choice is
// validated against the registry, since clients can send arbitrary values.
func parseLLMOptions(i *discordgo.InteractionCreate) (llmOptions, error) {
	opts := discordInteractionOptions(i)

	modelOpt, ok := opts[commandOptionModel]
	if !ok || modelOpt == nil {
		return llmOptions{}, fmt.Errorf("%w: %s", ErrNoOptions, commandOptionModel)
	}
	model, err := ParseModel(modelOpt.StringValue())
	if err != nil {
		return llmOptions{}, err
	}

	prompt, err := parsePromptOption(opts)
	if err != nil {
		return llmOptions{}, err
	}
	return llmOptions{Model: model, Prompt: prompt}, nil
}

func parsePromptOption(
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (string, error) {
	promptOpt, ok := opts[commandOptionPrompt]
	if !ok || promptOpt == nil {
		return "", fmt.Errorf("%w: %s", ErrNoOptions, commandOptionPrompt)
	}
	prompt := strings.TrimSpace(promptOpt.StringValue())
	if prompt == "" {
		return "", fmt.Errorf("%w: %s", ErrNoOptions, commandOptionPrompt)
	}
	return prompt, nil
}
