// Package stt turns a finalized recording into text.
package stt

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/demeterr/demeterr/internal/config"
)

// Transcriber abstracts speech-to-text backends. Implementations make a
// single attempt; retrying is left to the caller.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

// New builds the backend selected by cfg.Mode.
func New(cfg config.STTConfig, apiKey string, logger *slog.Logger) (Transcriber, error) {
	switch cfg.Mode {
	case "openai", "":
		client := &http.Client{Timeout: config.Timeout(cfg.TimeoutMS)}
		return NewHTTPTranscriber(cfg.BaseURL, apiKey, cfg.Model, cfg.Language, client, logger), nil
	case "exec":
		return NewExecTranscriber(cfg, logger)
	case "mock":
		return NewMockTranscriber(cfg.MockText), nil
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}
