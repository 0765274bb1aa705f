package duckgpt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/ollama/ollama/api"
)

// OllamaClient defines the methods of the ollama API client used here,
// to enable testing/mocking.
type OllamaClient interface {
	// Generate sends a completion request. fn is called for every
	// response chunk (once, when streaming is disabled).
	Generate(
		ctx context.Context,
		req *api.GenerateRequest,
		fn api.GenerateResponseFunc,
	) error

	// List returns the models installed on the server
	List(ctx context.Context) (*api.ListResponse, error)
}

// GenerationResult is a completed text generation
type GenerationResult struct {
	Text          string        `json:"text"`
	TokenCount    int           `json:"token_count"`
	EvalDuration  time.Duration `json:"eval_duration"`
	TotalDuration time.Duration `json:"total_duration"`
}

// Speed returns the generation throughput in tokens per second. false is
// returned if the backend reported no evaluation time.
func (r GenerationResult) Speed() (float64, bool) {
	if r.EvalDuration <= 0 {
		return 0, false
	}
	return float64(r.TokenCount) / r.EvalDuration.Seconds(), true
}

func (r GenerationResult) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("token_count", r.TokenCount),
		slog.Duration("eval_duration", r.EvalDuration),
		slog.Duration("total_duration", r.TotalDuration),
		slog.Int("text_length", len(r.Text)),
	)
}

// Ollama wraps the ollama API client used for `/llm`
type Ollama struct {
	client OllamaClient
	config *OllamaConfig
	logger *slog.Logger
}

func newOllama(config *OllamaConfig, httpClient *http.Client) (*Ollama, error) {
	base, err := url.Parse(config.Host)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama host: %w", err)
	}
	client := &http.Client{Timeout: config.Timeout}
	if httpClient != nil {
		c := *httpClient
		c.Timeout = config.Timeout
		client = &c
	}

	return &Ollama{
		client: api.NewClient(base, client),
		config: config,
		logger: newLogger(config.LogLevel, "ollama"),
	}, nil
}

// Generate submits the prompt to the given model and waits for the full
// response. The model identifier isn't validated here.
func (o *Ollama) Generate(
	ctx context.Context,
	modelID string,
	prompt string,
) (GenerationResult, error) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = o.logger
	}
	logger.InfoContext(
		ctx,
		"generating response",
		"model", modelID,
		"prompt", prompt,
	)

	stream := false
	req := &api.GenerateRequest{
		Model:  modelID,
		Prompt: prompt,
		Stream: &stream,
	}

	var result GenerationResult
	var text strings.Builder
	done := false

	err := o.client.Generate(
		ctx, req, func(resp api.GenerateResponse) error {
			text.WriteString(resp.Response)
			if resp.Done {
				done = true
				result.TokenCount = resp.EvalCount
				result.EvalDuration = resp.EvalDuration
				result.TotalDuration = resp.TotalDuration
			}
			return nil
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error generating response", tint.Err(err), "model", modelID)
		return GenerationResult{}, &GenerationError{Model: modelID, Err: backendMessage(err)}
	}
	if !done {
		err = errors.New("response ended before generation finished")
		logger.ErrorContext(ctx, "incomplete response", tint.Err(err), "model", modelID)
		return GenerationResult{}, &GenerationError{Model: modelID, Err: err}
	}

	result.Text = text.String()
	logger.InfoContext(ctx, "generated response", "model", modelID, "result", result)
	return result, nil
}

// MissingModels returns the identifiers of any registered models which
// aren't installed on the ollama server
func (o *Ollama) MissingModels(ctx context.Context) ([]string, error) {
	installed, err := o.client.List(ctx)
	if err != nil {
		return nil, &GenerationError{Model: "*", Err: backendMessage(err)}
	}
	names := make([]string, 0, len(installed.Models))
	for _, m := range installed.Models {
		names = append(names, m.Name, m.Model)
	}

	var missing []string
	for _, m := range Models() {
		if !modelInstalled(m.Identifier(), names) {
			missing = append(missing, m.Identifier())
		}
	}
	return missing, nil
}

// modelInstalled reports whether id is in names. Tagless identifiers
// match the server's implicit ":latest" tag.
func modelInstalled(id string, names []string) bool {
	if slices.Contains(names, id) {
		return true
	}
	if !strings.Contains(id, ":") {
		return slices.Contains(names, id+":latest")
	}
	return false
}

// backendMessage unwraps the error message reported by the ollama server,
// if there is one
func backendMessage(err error) error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) && statusErr.ErrorMessage != "" {
		return fmt.Errorf("%s (status %d)", statusErr.ErrorMessage, statusErr.StatusCode)
	}
	return err
}

// MissingModels connects to the configured ollama server and returns the
// registered model identifiers it doesn't have installed
func MissingModels(ctx context.Context, config *OllamaConfig) ([]string, error) {
	o, err := newOllama(config, nil)
	if err != nil {
		return nil, err
	}
	return o.MissingModels(ctx)
}
