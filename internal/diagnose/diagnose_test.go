package diagnose

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remedy-engine/internal/config"
)

func TestOpenAIDiagnoser_Diagnose(t *testing.T) {
	var got openai.ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  got.Model,
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": "  Port 3000 is held by a stale dev server.  "},
				"finish_reason": "stop",
			}},
		})
	}))
	defer srv.Close()

	t.Setenv("REMEDY_TEST_KEY", "test-key")
	d, err := NewOpenAIDiagnoser(config.DiagnoseConfig{
		BaseURL:   srv.URL + "/v1/",
		Model:     "test-model",
		APIKeyEnv: "REMEDY_TEST_KEY",
		Timeout:   5 * time.Second,
	})
	require.NoError(t, err)

	out, err := d.Diagnose(context.Background(), Request{
		Error:     "Error: listen EADDRINUSE: address already in use :::3000",
		PatternID: "port_in_use",
		Category:  "runtime",
		Fixes:     []string{"kill_process"},
		Attempts:  3,
	})
	require.NoError(t, err)
	assert.Equal(t, "Port 3000 is held by a stale dev server.", out)

	assert.Equal(t, "test-model", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Contains(t, got.Messages[1].Content, "port_in_use")
	assert.Contains(t, got.Messages[1].Content, "kill_process")
}

func TestNewOpenAIDiagnoser_MissingKey(t *testing.T) {
	t.Setenv("REMEDY_EMPTY_KEY", "")
	_, err := NewOpenAIDiagnoser(config.DiagnoseConfig{APIKeyEnv: "REMEDY_EMPTY_KEY"})
	assert.ErrorIs(t, err, ErrNoAPIKey)
}

func TestPrompt_TruncatesFromTheEnd(t *testing.T) {
	long := strings.Repeat("a", maxErrorChars) + "TAIL"
	p := prompt(Request{Error: long, Attempts: 1})
	assert.Contains(t, p, "did not match any known pattern")
	assert.True(t, strings.HasSuffix(p, "TAIL"))
	assert.NotContains(t, p, strings.Repeat("a", maxErrorChars))
}
