package nutrition

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"

	"github.com/demeterr/demeterr/internal/apperr"
)

// ExecAnalyzer pipes the prompt to a local model runner. The command reads
// {"system","prompt","temperature"} on stdin and prints {"content": "..."}.
type ExecAnalyzer struct {
	cmd         []string
	temperature float64
	logger      *slog.Logger
}

type execRequest struct {
	System      string  `json:"system"`
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature"`
}

type execResponse struct {
	Content *string `json:"content"`
}

func NewExecAnalyzer(command string, temperature float64, logger *slog.Logger) (*ExecAnalyzer, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse analysis command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("analysis command empty")
	}
	return &ExecAnalyzer{
		cmd:         args,
		temperature: temperature,
		logger:      logger.With(slog.String("component", "nutrition-extraction")),
	}, nil
}

func (a *ExecAnalyzer) Analyze(ctx context.Context, transcript string, lookup []CustomFood) (Analysis, error) {
	input, err := json.Marshal(execRequest{
		System:      BuildSystemPrompt(lookup),
		Prompt:      UserPrompt(transcript),
		Temperature: a.temperature,
	})
	if err != nil {
		return Analysis{}, err
	}

	cmd := exec.CommandContext(ctx, a.cmd[0], a.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Analysis{}, ctxErr
		}
		msg := strings.TrimSpace(stderr.String())
		a.logger.Warn("analysis command failed", slog.String("error", err.Error()), slog.String("stderr", msg))
		return Analysis{}, apperr.API(msg)
	}

	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil || resp.Content == nil {
		if err == nil {
			err = fmt.Errorf("missing content")
		}
		return Analysis{}, apperr.Wrap(apperr.KindInvalidResponse, "Invalid response from server", err)
	}
	return ParseAnalysis([]byte(*resp.Content))
}
