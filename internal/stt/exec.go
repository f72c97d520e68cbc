package stt

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"

	"github.com/demeterr/demeterr/internal/apperr"
	"github.com/demeterr/demeterr/internal/config"
)

// ExecTranscriber shells out to a local recognizer, for example a
// whisper.cpp wrapper, which prints {"text": "..."} on stdout.
type ExecTranscriber struct {
	cmd    []string
	cfg    config.STTConfig
	logger *slog.Logger
}

func NewExecTranscriber(cfg config.STTConfig, logger *slog.Logger) (*ExecTranscriber, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &ExecTranscriber{
		cmd:    args,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "transcription")),
	}, nil
}

func (r *ExecTranscriber) Transcribe(ctx context.Context, audioPath string) (string, error) {
	base := r.cmd[0]
	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", audioPath)
	if r.cfg.Model != "" {
		cmdArgs = append(cmdArgs, "--model", r.cfg.Model)
	}
	if r.cfg.Language != "" {
		cmdArgs = append(cmdArgs, "--language", r.cfg.Language)
	}

	command := exec.CommandContext(ctx, base, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		msg := strings.TrimSpace(stderr.String())
		r.logger.Warn("stt command failed", slog.String("error", err.Error()), slog.String("stderr", msg))
		return "", apperr.API(msg)
	}
	return decodeText(stdout.Bytes())
}
