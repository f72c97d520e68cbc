package nutrition

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/demeterr/demeterr/internal/apperr"
)

const (
	DefaultModel       = openai.GPT4oMini
	DefaultTemperature = 0.3
)

// OpenAIAnalyzer sends the transcript to an OpenAI-compatible chat
// completions endpoint in JSON mode.
type OpenAIAnalyzer struct {
	client      *openai.Client
	model       string
	temperature float32
	logger      *slog.Logger
}

func NewOpenAIAnalyzer(baseURL, apiKey, model string, temperature float64, httpClient *http.Client, logger *slog.Logger) *OpenAIAnalyzer {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	if model == "" {
		model = DefaultModel
	}
	return &OpenAIAnalyzer{
		client:      openai.NewClientWithConfig(cfg),
		model:       model,
		temperature: float32(temperature),
		logger:      logger.With(slog.String("component", "nutrition-extraction")),
	}
}

func (a *OpenAIAnalyzer) Analyze(ctx context.Context, transcript string, lookup []CustomFood) (Analysis, error) {
	req := openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: BuildSystemPrompt(lookup),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: UserPrompt(transcript),
			},
		},
		Temperature: a.temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	start := time.Now()
	resp, err := a.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return Analysis{}, a.classify(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return Analysis{}, apperr.New(apperr.KindInvalidResponse, "Invalid response from server")
	}
	content := resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return Analysis{}, apperr.New(apperr.KindInvalidResponse, "Invalid response from server")
	}

	analysis, err := ParseAnalysis([]byte(content))
	if err != nil {
		a.logger.Warn("model reply failed schema validation", slog.String("error", err.Error()))
		return Analysis{}, err
	}
	a.logger.Debug("analysis complete",
		slog.String("model", a.model),
		slog.Int("foods", len(analysis.Foods)),
		slog.Int("prompt_tokens", resp.Usage.PromptTokens),
		slog.Int("completion_tokens", resp.Usage.CompletionTokens),
		slog.Duration("latency", time.Since(start)),
	)
	return analysis, nil
}

func (a *OpenAIAnalyzer) classify(ctx context.Context, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		a.logger.Warn("analysis rejected", slog.Int("status", apiErr.HTTPStatusCode), slog.String("error", apiErr.Message))
		return apperr.API(apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		a.logger.Warn("analysis failed", slog.Int("status", reqErr.HTTPStatusCode))
		return apperr.API("")
	}
	var urlErr *url.Error
	var netErr net.Error
	if ctx.Err() != nil || errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return apperr.Transport(ctx, err)
	}
	return apperr.Wrap(apperr.KindInvalidResponse, "Invalid response from server", err)
}
