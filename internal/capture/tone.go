package capture

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/go-audio/audio"
)

// ToneDevice is a synthetic microphone producing a sine tone in real time.
// It stands in for hardware on headless hosts.
type ToneDevice struct {
	SampleRate      int
	Channels        int
	FramesPerBuffer int
	Frequency       float64
	Amplitude       float64
	// Deny makes RequestPermission report false.
	Deny bool
}

func NewToneDevice(sampleRate, channels, framesPerBuffer int, frequency float64) *ToneDevice {
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	if channels <= 0 {
		channels = 1
	}
	if framesPerBuffer <= 0 {
		framesPerBuffer = 1024
	}
	if frequency <= 0 {
		frequency = 440
	}
	return &ToneDevice{
		SampleRate:      sampleRate,
		Channels:        channels,
		FramesPerBuffer: framesPerBuffer,
		Frequency:       frequency,
		Amplitude:       0.25,
	}
}

func (d *ToneDevice) RequestPermission(ctx context.Context) bool {
	return !d.Deny && ctx.Err() == nil
}

func (d *ToneDevice) Open(handler Handler) (Stream, error) {
	if handler == nil {
		return nil, errors.New("tone device: nil handler")
	}
	return &toneStream{dev: *d, handler: handler}, nil
}

type toneStream struct {
	dev     ToneDevice
	handler Handler

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	phase   float64
	stopped bool
}

func (s *toneStream) Format() audio.Format {
	return audio.Format{NumChannels: s.dev.Channels, SampleRate: s.dev.SampleRate}
}

func (s *toneStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.New("tone device: stream already stopped")
	}
	if s.stop != nil {
		return nil
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run()
	return nil
}

func (s *toneStream) run() {
	defer close(s.done)
	period := time.Duration(float64(time.Second) * float64(s.dev.FramesPerBuffer) / float64(s.dev.SampleRate))
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.handler(s.next())
		}
	}
}

func (s *toneStream) next() *audio.Float32Buffer {
	ch := s.dev.Channels
	data := make([]float32, s.dev.FramesPerBuffer*ch)
	inc := 2 * math.Pi * s.dev.Frequency / float64(s.dev.SampleRate)
	for f := 0; f < s.dev.FramesPerBuffer; f++ {
		v := float32(s.dev.Amplitude * math.Sin(s.phase))
		s.phase = math.Mod(s.phase+inc, 2*math.Pi)
		for c := 0; c < ch; c++ {
			data[f*ch+c] = v
		}
	}
	format := s.Format()
	return &audio.Float32Buffer{Format: &format, Data: data, SourceBitDepth: 32}
}

func (s *toneStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	if s.stop != nil {
		close(s.stop)
		<-s.done
	}
	return nil
}
