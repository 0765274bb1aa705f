package duckgpt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOllamaClient implements OllamaClient with canned responses
type fakeOllamaClient struct {
	chunks  []api.GenerateResponse
	err     error
	models  []api.ListModelResponse
	lastReq *api.GenerateRequest
}

func (f *fakeOllamaClient) Generate(
	_ context.Context,
	req *api.GenerateRequest,
	fn api.GenerateResponseFunc,
) error {
	f.lastReq = req
	for _, c := range f.chunks {
		if err := fn(c); err != nil {
			return err
		}
	}
	return f.err
}

func (f *fakeOllamaClient) List(_ context.Context) (*api.ListResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &api.ListResponse{Models: f.models}, nil
}

func newTestOllama(t testing.TB, client OllamaClient) *Ollama {
	t.Helper()
	cfg := DefaultConfig()
	return &Ollama{client: client, config: cfg.Ollama, logger: testLogger(t)}
}

func TestGenerationResult_Speed(t *testing.T) {
	t.Parallel()
	r := GenerationResult{TokenCount: 100, EvalDuration: 2 * time.Second}
	speed, ok := r.Speed()
	require.True(t, ok)
	assert.InDelta(t, 50.0, speed, 0.0001)

	r.EvalDuration = 0
	_, ok = r.Speed()
	assert.False(t, ok)
}

func TestOllama_Generate(t *testing.T) {
	t.Parallel()
	client := &fakeOllamaClient{
		chunks: []api.GenerateResponse{
			{Response: "Quack, "},
			{
				Response: "quack.",
				Done:     true,
				Metrics: api.Metrics{
					TotalDuration: 1500 * time.Millisecond,
					EvalCount:     100,
					EvalDuration:  2 * time.Second,
				},
			},
		},
	}
	o := newTestOllama(t, client)

	rv, err := o.Generate(context.Background(), ModelMistral.Identifier(), "say something")
	require.NoError(t, err)
	assert.Equal(t, "Quack, quack.", rv.Text)
	assert.Equal(t, 100, rv.TokenCount)
	assert.Equal(t, 1500*time.Millisecond, rv.TotalDuration)
	assert.Equal(t, "1.50s", formatSeconds(rv.TotalDuration.Seconds()))

	require.NotNil(t, client.lastReq)
	assert.Equal(t, "dolphin-mistral", client.lastReq.Model)
	assert.Equal(t, "say something", client.lastReq.Prompt)
	require.NotNil(t, client.lastReq.Stream)
	assert.False(t, *client.lastReq.Stream)
}

func TestOllama_Generate_NotDone(t *testing.T) {
	t.Parallel()
	o := newTestOllama(t, &fakeOllamaClient{chunks: []api.GenerateResponse{{Response: "partial"}}})

	_, err := o.Generate(context.Background(), "dolphin-mistral", "hi")
	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, "dolphin-mistral", genErr.Model)
}

func TestOllama_Generate_HTTP(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/generate" {
					http.NotFound(w, r)
					return
				}
				var req api.GenerateRequest
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					w.WriteHeader(http.StatusBadRequest)
					return
				}
				if req.Model != "dolphin-mistral" {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusNotFound)
					_, _ = w.Write([]byte(`{"error":"model '` + req.Model + `' not found"}`))
					return
				}
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(
					map[string]any{
						"model":          req.Model,
						"response":       "hello!",
						"done":           true,
						"total_duration": 1_500_000_000,
						"eval_count":     100,
						"eval_duration":  2_000_000_000,
					},
				)
			},
		),
	)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.Ollama.Host = srv.URL
	o, err := newOllama(cfg.Ollama, srv.Client())
	require.NoError(t, err)

	rv, err := o.Generate(context.Background(), "dolphin-mistral", "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello!", rv.Text)
	speed, ok := rv.Speed()
	require.True(t, ok)
	assert.InDelta(t, 50.0, speed, 0.0001)

	_, err = o.Generate(context.Background(), "nope", "hi")
	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Contains(t, genErr.Error(), "model 'nope' not found")
}

func TestOllama_MissingModels(t *testing.T) {
	t.Parallel()
	o := newTestOllama(
		t, &fakeOllamaClient{
			models: []api.ListModelResponse{
				{Name: "dolphin-mistral:latest", Model: "dolphin-mistral:latest"},
				{Name: "tinyllama:1.1b-chat-v0.6-q2_K", Model: "tinyllama:1.1b-chat-v0.6-q2_K"},
			},
		},
	)
	missing, err := o.MissingModels(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(
		t,
		[]string{"caveman-mistral", "racist-mistral", "greentext-mistral"},
		missing,
	)
}

func TestModelInstalled(t *testing.T) {
	t.Parallel()
	names := []string{"dolphin-mistral:latest", "tinyllama:1.1b"}
	assert.True(t, modelInstalled("dolphin-mistral", names))
	assert.False(t, modelInstalled("tinyllama", names))
	assert.True(t, modelInstalled("tinyllama:1.1b", names))
}
