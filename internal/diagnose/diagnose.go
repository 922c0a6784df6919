package diagnose

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"

	"remedy-engine/internal/config"
)

const systemPrompt = "You analyse failed software builds. Given the final error output and the " +
	"automated fixes that were already tried, name the most likely root cause and the next " +
	"manual step in at most five short sentences."

// maxErrorChars bounds how much build output is sent for analysis.
const maxErrorChars = 6000

var ErrNoAPIKey = errors.New("diagnose: API key not set")

// Request describes an escalated failure.
type Request struct {
	Error     string
	PatternID string
	Category  string
	Fixes     []string
	Attempts  int
}

// Diagnoser produces a best-effort explanation for an escalated failure.
type Diagnoser interface {
	Diagnose(ctx context.Context, req Request) (string, error)
}

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIDiagnoser asks an OpenAI-compatible chat endpoint for a diagnosis.
type OpenAIDiagnoser struct {
	client  chatClient
	model   string
	timeout time.Duration
}

// NewOpenAIDiagnoser builds a diagnoser from configuration. The API key is
// read from the environment variable named by cfg.APIKeyEnv.
func NewOpenAIDiagnoser(cfg config.DiagnoseConfig) (*OpenAIDiagnoser, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("%w (%s)", ErrNoAPIKey, cfg.APIKeyEnv)
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	log.Info().Str("model", model).Str("base_url", clientCfg.BaseURL).Msg("diagnoser initialized")
	return &OpenAIDiagnoser{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   model,
		timeout: timeout,
	}, nil
}

func (d *OpenAIDiagnoser) Diagnose(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	resp, err := d.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: d.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt(req)},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("diagnosis request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("diagnosis returned no choices")
	}
	log.Debug().Str("finish_reason", string(resp.Choices[0].FinishReason)).Msg("diagnosis received")
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func prompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Build failed after %d attempt(s).\n", req.Attempts)
	if req.PatternID != "" {
		fmt.Fprintf(&b, "Classified as %s (%s).\n", req.PatternID, req.Category)
	} else {
		b.WriteString("The failure did not match any known pattern.\n")
	}
	if len(req.Fixes) > 0 {
		fmt.Fprintf(&b, "Fixes already tried: %s.\n", strings.Join(req.Fixes, ", "))
	}
	text := req.Error
	if len(text) > maxErrorChars {
		text = text[len(text)-maxErrorChars:]
	}
	b.WriteString("\nError output:\n")
	b.WriteString(text)
	return b.String()
}
