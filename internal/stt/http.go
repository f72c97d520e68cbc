package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/demeterr/demeterr/internal/apperr"
)

const maxResponseBytes = 1 << 20

// HTTPTranscriber talks to an OpenAI-compatible /audio/transcriptions
// endpoint.
type HTTPTranscriber struct {
	endpoint string
	apiKey   string
	model    string
	language string
	client   *http.Client
	logger   *slog.Logger
}

func NewHTTPTranscriber(baseURL, apiKey, model, language string, client *http.Client, logger *slog.Logger) *HTTPTranscriber {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "whisper-1"
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPTranscriber{
		endpoint: strings.TrimRight(baseURL, "/") + "/audio/transcriptions",
		apiKey:   apiKey,
		model:    model,
		language: language,
		client:   client,
		logger:   logger.With(slog.String("component", "transcription")),
	}
}

type apiErrorBody struct {
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (t *HTTPTranscriber) Transcribe(ctx context.Context, audioPath string) (string, error) {
	body, contentType, err := t.buildForm(audioPath)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, body)
	if err != nil {
		return "", fmt.Errorf("build transcription request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return "", apperr.Transport(ctx, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", apperr.Transport(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr apiErrorBody
		if json.Unmarshal(payload, &apiErr) == nil && apiErr.Error != nil {
			t.logger.Warn("transcription rejected", slog.Int("status", resp.StatusCode), slog.String("error", apiErr.Error.Message))
			return "", apperr.API(apiErr.Error.Message)
		}
		t.logger.Warn("transcription failed", slog.Int("status", resp.StatusCode))
		return "", apperr.API("")
	}

	text, err := decodeText(payload)
	if err != nil {
		return "", err
	}
	t.logger.Debug("transcription complete",
		slog.Duration("latency", time.Since(start)),
		slog.Int("characters", len(text)),
	)
	return text, nil
}

func (t *HTTPTranscriber) buildForm(audioPath string) (*bytes.Buffer, string, error) {
	file, err := os.Open(audioPath)
	if err != nil {
		return nil, "", fmt.Errorf("open recording: %w", err)
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("model", t.model); err != nil {
		return nil, "", fmt.Errorf("write model field: %w", err)
	}
	if t.language != "" {
		if err := writer.WriteField("language", t.language); err != nil {
			return nil, "", fmt.Errorf("write language field: %w", err)
		}
	}
	if err := writer.WriteField("response_format", "json"); err != nil {
		return nil, "", fmt.Errorf("write response_format field: %w", err)
	}
	part, err := writer.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, "", fmt.Errorf("copy recording: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return &body, writer.FormDataContentType(), nil
}

// decodeText requires a JSON object with a string "text" field.
func decodeText(payload []byte) (string, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", apperr.Wrap(apperr.KindInvalidResponse, "Invalid response from server", err)
	}
	raw, ok := envelope["text"]
	if !ok || string(bytes.TrimSpace(raw)) == "null" {
		return "", apperr.New(apperr.KindInvalidResponse, "Invalid response from server")
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return "", apperr.Wrap(apperr.KindInvalidResponse, "Invalid response from server", err)
	}
	return text, nil
}
