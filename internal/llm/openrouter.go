package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const defaultOpenRouterURL = "https://openrouter.ai/api/v1/chat/completions"

// defaultMaxTokens bounds a completion when the caller does not set a limit.
const defaultMaxTokens = 4096

// defaultTemperature keeps analysis output stable across runs.
const defaultTemperature = 0.2

// OpenRouter is a Completer backed by the OpenRouter chat-completions API.
// Concurrent calls are bounded by a semaphore and paced by a rate limiter so
// a burst of repository tasks cannot trip the provider's limits.
type OpenRouter struct {
	apiKey   string
	model    string
	baseURL  string
	siteURL  string
	siteName string
	client   *http.Client
	limiter  *rate.Limiter
	sem      *semaphore.Weighted
	log      *zap.Logger
}

// OpenRouterOptions configures an OpenRouter client.
type OpenRouterOptions struct {
	APIKey   string
	Model    string
	BaseURL  string // defaults to the public OpenRouter endpoint
	SiteURL  string // sent as HTTP-Referer, shown on the OpenRouter dashboard
	SiteName string // sent as X-Title

	RequestsPerSecond float64 // 0 means no pacing
	MaxConcurrent     int64   // 0 means no concurrency bound
}

// NewOpenRouter creates an OpenRouter completion client.
func NewOpenRouter(opts OpenRouterOptions, log *zap.Logger) *OpenRouter {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenRouterURL
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	var sem *semaphore.Weighted
	if opts.MaxConcurrent > 0 {
		sem = semaphore.NewWeighted(opts.MaxConcurrent)
	}

	return &OpenRouter{
		apiKey:   opts.APIKey,
		model:    opts.Model,
		baseURL:  baseURL,
		siteURL:  opts.SiteURL,
		siteName: opts.SiteName,
		client:   &http.Client{Timeout: 120 * time.Second},
		limiter:  limiter,
		sem:      sem,
		log:      log,
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
}

type chatUsage struct {
	TotalTokens int `json:"total_tokens"`
}

// Complete sends one chat completion request and returns the first choice's
// message content.
func (o *OpenRouter) Complete(ctx context.Context, req Request) (string, error) {
	if o.sem != nil {
		if err := o.sem.Acquire(ctx, 1); err != nil {
			return "", fmt.Errorf("acquiring completion slot: %w", err)
		}
		defer o.sem.Release(1)
	}
	if err := o.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for rate limiter: %w", err)
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = defaultTemperature
	}

	var messages []chatMessage
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.User})

	payload, err := json.Marshal(chatRequest{
		Model:       o.model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	if o.siteURL != "" {
		httpReq.Header.Set("HTTP-Referer", o.siteURL)
	}
	if o.siteName != "" {
		httpReq.Header.Set("X-Title", o.siteName)
	}

	httpResp, err := o.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("sending request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	switch {
	case httpResp.StatusCode == http.StatusTooManyRequests:
		return "", &rateLimitError{}
	case httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden:
		return "", &authError{message: string(respBody)}
	case httpResp.StatusCode >= 500:
		return "", &serverError{statusCode: httpResp.StatusCode, body: string(respBody)}
	case httpResp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("API error (status %d): %s", httpResp.StatusCode, string(respBody))
	}

	var result chatResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("parsing response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	content := result.Choices[0].Message.Content
	if content == "" {
		return "", fmt.Errorf("empty text content in API response")
	}

	o.log.Debug("completion finished",
		zap.String("model", o.model),
		zap.Int("total_tokens", result.Usage.TotalTokens))
	return content, nil
}
