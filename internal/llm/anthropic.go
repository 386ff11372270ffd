package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
)

// Anthropic is a Completer backed by the Anthropic Messages API. Selected when
// the configured model id carries the "anthropic/" prefix or a raw "claude-"
// name.
type Anthropic struct {
	client anthropic.Client
	model  string
	log    *zap.Logger
}

// IsAnthropicModel reports whether a model id should be routed to the
// Anthropic client instead of OpenRouter.
func IsAnthropicModel(model string) bool {
	return strings.HasPrefix(model, "anthropic/") || strings.HasPrefix(model, "claude-")
}

// NewAnthropic creates an Anthropic completion client.
func NewAnthropic(apiKey, model string, log *zap.Logger) *Anthropic {
	return &Anthropic{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  strings.TrimPrefix(model, "anthropic/"),
		log:    log,
	}
}

// Complete sends one Messages API request and concatenates the text blocks of
// the response.
func (a *Anthropic) Complete(ctx context.Context, req Request) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = defaultTemperature
	}

	// The Messages API takes the system prompt as a separate field, but
	// joining it into the user turn keeps behavior identical across
	// providers for the short prompts this pipeline sends.
	prompt := req.User
	if req.System != "" {
		prompt = req.System + "\n\n---\n\n" + req.User
	}

	response, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic completion failed: %w", err)
	}

	var text strings.Builder
	for _, block := range response.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", fmt.Errorf("empty text content in API response")
	}

	a.log.Debug("completion finished", zap.String("model", a.model))
	return text.String(), nil
}
