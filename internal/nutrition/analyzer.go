package nutrition

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/demeterr/demeterr/internal/config"
)

// New builds the backend selected by cfg.Mode.
func New(cfg config.AnalysisConfig, apiKey string, logger *slog.Logger) (Analyzer, error) {
	switch cfg.Mode {
	case "openai", "":
		client := &http.Client{Timeout: config.Timeout(cfg.TimeoutMS)}
		return NewOpenAIAnalyzer(cfg.BaseURL, apiKey, cfg.Model, cfg.Temperature, client, logger), nil
	case "exec":
		return NewExecAnalyzer(cfg.Command, cfg.Temperature, logger)
	default:
		return nil, fmt.Errorf("unsupported analysis mode %q", cfg.Mode)
	}
}
