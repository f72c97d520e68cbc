package convert

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const wavFormatPCM = 1

// FileSink converts captured buffers and appends them to a WAV file. It is
// meant to be driven by a single consumer goroutine.
type FileSink struct {
	path   string
	file   *os.File
	enc    *wav.Encoder
	conv   *Converter
	logger *slog.Logger

	mu      sync.Mutex
	frames  int64
	skipped int
	closed  bool
}

// CreateFileSink opens path for writing and emits the WAV header so the file
// is a valid container even if no audio arrives.
func CreateFileSink(path string, in, out Format, logger *slog.Logger) (*FileSink, error) {
	conv, err := NewConverter(in, out)
	if err != nil {
		return nil, err
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create audio file: %w", err)
	}
	enc := wav.NewEncoder(file, out.SampleRate, out.BitDepth, out.Channels, wavFormatPCM)
	header := &audio.IntBuffer{Format: out.audioFormat(), SourceBitDepth: out.BitDepth}
	if err := enc.Write(header); err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write wav header: %w", err)
	}
	return &FileSink{
		path:   path,
		file:   file,
		enc:    enc,
		conv:   conv,
		logger: logger.With(slog.String("component", "format-converter")),
	}, nil
}

func (s *FileSink) Path() string { return s.path }

// Append converts buf and writes it. A chunk that fails to convert or write
// is logged and skipped; the session keeps going.
func (s *FileSink) Append(buf *audio.Float32Buffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	out, err := s.conv.Convert(buf)
	if err != nil {
		s.skipped++
		s.logger.Warn("skipping audio chunk", slog.String("error", err.Error()))
		return
	}
	if len(out.Data) == 0 {
		return
	}
	if err := s.enc.Write(out); err != nil {
		s.skipped++
		s.logger.Warn("failed to append audio chunk", slog.String("error", err.Error()))
		return
	}
	s.frames += int64(out.NumFrames())
}

// Frames reports how many output frames were written.
func (s *FileSink) Frames() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Skipped reports how many chunks were dropped by conversion or write errors.
func (s *FileSink) Skipped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipped
}

// Close patches the header sizes and closes the file. Safe to call twice.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	encErr := s.enc.Close()
	fileErr := s.file.Close()
	if encErr != nil {
		return fmt.Errorf("finalize wav: %w", encErr)
	}
	if fileErr != nil {
		return fmt.Errorf("close audio file: %w", fileErr)
	}
	return nil
}
