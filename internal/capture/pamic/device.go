// Package pamic is the PortAudio microphone used by the daemon.
package pamic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-audio/audio"
	"github.com/gordonklaus/portaudio"

	"github.com/demeterr/demeterr/internal/capture"
)

// Device opens the host's default input device at its native sample rate.
type Device struct {
	channels        int
	framesPerBuffer int
	logger          *slog.Logger
}

// New returns a PortAudio device. maxChannels caps the channel count the
// device reports; zero keeps the native layout.
func New(maxChannels, framesPerBuffer int, logger *slog.Logger) *Device {
	if framesPerBuffer <= 0 {
		framesPerBuffer = 1024
	}
	return &Device{
		channels:        maxChannels,
		framesPerBuffer: framesPerBuffer,
		logger:          logger.With(slog.String("component", "portaudio")),
	}
}

// RequestPermission reports whether a default input device can be opened.
// PortAudio has no consent prompt; the OS denies access by hiding the device.
func (d *Device) RequestPermission(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	if err := portaudio.Initialize(); err != nil {
		d.logger.Warn("portaudio initialize failed", slog.String("error", err.Error()))
		return false
	}
	defer portaudio.Terminate()
	info, err := portaudio.DefaultInputDevice()
	if err != nil || info == nil || info.MaxInputChannels < 1 {
		if err != nil {
			d.logger.Warn("no default input device", slog.String("error", err.Error()))
		}
		return false
	}
	return true
}

func (d *Device) Open(handler capture.Handler) (capture.Stream, error) {
	if handler == nil {
		return nil, errors.New("pamic: nil handler")
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	info, err := portaudio.DefaultInputDevice()
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("default input device: %w", err)
	}
	channels := info.MaxInputChannels
	if d.channels > 0 && channels > d.channels {
		channels = d.channels
	}
	if channels < 1 {
		portaudio.Terminate()
		return nil, fmt.Errorf("input device %q has no input channels", info.Name)
	}
	rate := int(info.DefaultSampleRate)
	format := audio.Format{NumChannels: channels, SampleRate: rate}

	s := &stream{format: format}
	callback := func(in []float32) {
		s.mu.Lock()
		h := s.handler
		s.mu.Unlock()
		if h == nil {
			return
		}
		f := format
		h(&audio.Float32Buffer{Format: &f, Data: in, SourceBitDepth: 32})
	}
	pa, err := portaudio.OpenDefaultStream(channels, 0, float64(rate), d.framesPerBuffer, callback)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("open input stream: %w", err)
	}
	s.pa = pa
	s.handler = handler
	d.logger.Info("opened input device",
		slog.String("device", info.Name),
		slog.Int("sample_rate", rate),
		slog.Int("channels", channels),
	)
	return s, nil
}

type stream struct {
	pa     *portaudio.Stream
	format audio.Format

	mu      sync.Mutex
	handler capture.Handler
	closed  bool
}

func (s *stream) Format() audio.Format { return s.format }

func (s *stream) Start() error {
	if err := s.pa.Start(); err != nil {
		return fmt.Errorf("start input stream: %w", err)
	}
	return nil
}

// Stop detaches the handler, closes the stream and releases PortAudio.
func (s *stream) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.handler = nil
	s.mu.Unlock()

	stopErr := s.pa.Stop()
	closeErr := s.pa.Close()
	termErr := portaudio.Terminate()
	return errors.Join(stopErr, closeErr, termErr)
}
