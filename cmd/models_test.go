package cmd

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/duckyblender/duckgpt/duckgpt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelsCommand(t *testing.T) {
	output, err := executeRoot(t, "models")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(output), "\n")
	require.Len(t, lines, len(duckgpt.Models())+1)
	assert.Contains(t, lines[0], "IDENTIFIER")
	assert.NotContains(t, lines[0], "INSTALLED")
	assert.Contains(t, output, "tinyllama:1.1b-chat-v0.6-q2_K")
}

func TestModelsCommand_Check(t *testing.T) {
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/tags" {
					http.NotFound(w, r)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write(
					[]byte(`{"models":[{"name":"dolphin-mistral:latest","model":"dolphin-mistral:latest"}]}`),
				)
			},
		),
	)
	t.Cleanup(srv.Close)
	t.Setenv("DG_OLLAMA_HOST", srv.URL)

	output, err := executeRoot(t, "models", "--check")
	require.NoError(t, err)

	for _, line := range strings.Split(strings.TrimSpace(output), "\n")[1:] {
		fields := strings.Fields(line)
		require.Len(t, fields, 3)
		if fields[0] == duckgpt.ModelMistral.String() {
			assert.Equal(t, "true", fields[2])
		} else {
			assert.Equal(t, "false", fields[2], fields[0])
		}
	}
}

func TestModelsCommand_CheckUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	t.Setenv("DG_OLLAMA_HOST", srv.URL)

	_, err := executeRoot(t, "models", "--check")
	assert.Error(t, err)
}
