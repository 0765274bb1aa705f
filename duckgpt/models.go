package duckgpt

import (
	"fmt"
	"strings"
)

// Model is a text-generation model users can pick with the `/llm` command.
type Model int

const (
	ModelMistral Model = iota
	ModelCaveman
	ModelRacist
	ModelLobotomy
	ModelGreentext

	modelCount
)

// modelNames are the choice names shown in discord
var modelNames = [...]string{
	ModelMistral:   "mistral",
	ModelCaveman:   "caveman",
	ModelRacist:    "racist",
	ModelLobotomy:  "lobotomy",
	ModelGreentext: "greentext",
}

// modelIdentifiers are the model names known to the ollama server
var modelIdentifiers = [...]string{
	ModelMistral:   "dolphin-mistral",
	ModelCaveman:   "caveman-mistral",
	ModelRacist:    "racist-mistral",
	ModelLobotomy:  "tinyllama:1.1b-chat-v0.6-q2_K",
	ModelGreentext: "greentext-mistral",
}

// Both tables must have exactly one entry per Model. A missing or extra
// entry makes one of these constant indexes out of range, failing the build.
var (
	_ = [1]struct{}{}[len(modelNames)-int(modelCount)]
	_ = [1]struct{}{}[len(modelIdentifiers)-int(modelCount)]
)

// Models returns every Model, in declaration order
func Models() []Model {
	models := make([]Model, 0, modelCount)
	for m := Model(0); m < modelCount; m++ {
		models = append(models, m)
	}
	return models
}

// ParseModel returns the Model with the given choice name
func ParseModel(name string) (Model, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for m := Model(0); m < modelCount; m++ {
		if modelNames[m] == name {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: '%s'", ErrUnknownModel, name)
}

func (m Model) valid() bool {
	return m >= 0 && m < modelCount
}

// String returns the user-facing choice name
func (m Model) String() string {
	if !m.valid() {
		return fmt.Sprintf("Model(%d)", int(m))
	}
	return modelNames[m]
}

// Identifier returns the backend model name
func (m Model) Identifier() string {
	if !m.valid() {
		return ""
	}
	return modelIdentifiers[m]
}
