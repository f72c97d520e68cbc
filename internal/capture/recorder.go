package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-audio/audio"
	"github.com/google/uuid"

	"github.com/demeterr/demeterr/internal/apperr"
	"github.com/demeterr/demeterr/internal/convert"
)

// ErrAlreadyRecording is returned by Start while a session is open.
var ErrAlreadyRecording = errors.New("capture: a recording session is already open")

type Options struct {
	TempDir        string
	QueueDepth     int
	EnqueueTimeout time.Duration
	LevelGain      float64
}

func (o Options) withDefaults() Options {
	if o.TempDir == "" {
		o.TempDir = os.TempDir()
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = 256
	}
	if o.EnqueueTimeout <= 0 {
		o.EnqueueTimeout = 20 * time.Millisecond
	}
	if o.LevelGain <= 0 {
		o.LevelGain = DefaultLevelGain
	}
	return o
}

// Recorder runs at most one capture session at a time.
type Recorder struct {
	device Device
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	session *session

	level   atomic.Uint64
	dropped atomic.Uint64
}

func NewRecorder(device Device, opts Options, logger *slog.Logger) *Recorder {
	return &Recorder{
		device: device,
		opts:   opts.withDefaults(),
		logger: logger.With(slog.String("component", "audio-capture")),
	}
}

type session struct {
	id      string
	started time.Time
	stream  Stream
	sink    *convert.FileSink
	queue   chan *audio.Float32Buffer
	done    chan struct{}

	// closeMu orders callback sends against closing the queue.
	closeMu sync.RWMutex
	closed  bool
}

func (r *Recorder) RequestPermission(ctx context.Context) bool {
	granted := r.device.RequestPermission(ctx)
	if !granted {
		r.logger.Warn("microphone permission not granted")
	}
	return granted
}

// Start opens the device and begins streaming converted audio to a fresh
// temporary WAV file in the target format.
func (r *Recorder) Start(ctx context.Context, target convert.Format) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session != nil {
		return ErrAlreadyRecording
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s := &session{
		id:      uuid.NewString(),
		started: time.Now(),
		queue:   make(chan *audio.Float32Buffer, r.opts.QueueDepth),
		done:    make(chan struct{}),
	}
	stream, err := r.device.Open(func(buf *audio.Float32Buffer) { r.handle(s, buf) })
	if err != nil {
		return apperr.Wrap(apperr.KindDevice, "Could not access the microphone.", err)
	}
	s.stream = stream

	native := stream.Format()
	in := convert.Format{SampleRate: native.SampleRate, Channels: native.NumChannels, BitDepth: 32}
	path := filepath.Join(r.opts.TempDir, fmt.Sprintf("demeterr-%s.wav", s.id))
	sink, err := convert.CreateFileSink(path, in, target, r.logger)
	if err != nil {
		stream.Stop()
		return apperr.Wrap(apperr.KindDevice, "Could not prepare the recording file.", err)
	}
	s.sink = sink

	go r.consume(s)

	if err := stream.Start(); err != nil {
		r.teardown(s)
		os.Remove(path)
		return apperr.Wrap(apperr.KindDevice, "Could not start recording.", err)
	}

	r.session = s
	r.level.Store(0)
	r.logger.Info("recording started",
		slog.String("session_id", s.id),
		slog.String("input_format", in.String()),
		slog.String("output_format", target.String()),
		slog.String("path", path),
	)
	return nil
}

// Stop ends the session and returns the finalized file. It reports false
// when no session was open.
func (r *Recorder) Stop() (string, bool) {
	r.mu.Lock()
	s := r.session
	r.session = nil
	r.mu.Unlock()
	if s == nil {
		return "", false
	}

	err := r.teardown(s)
	r.level.Store(0)
	path := s.sink.Path()
	if err != nil {
		r.logger.Error("failed to finalize recording", slog.String("session_id", s.id), slog.String("error", err.Error()))
		os.Remove(path)
		return "", false
	}
	r.logger.Info("recording stopped",
		slog.String("session_id", s.id),
		slog.Duration("duration", time.Since(s.started)),
		slog.Int64("frames", s.sink.Frames()),
		slog.Int("skipped_chunks", s.sink.Skipped()),
	)
	return path, true
}

// teardown stops the device, drains the queue and closes the file.
func (r *Recorder) teardown(s *session) error {
	if err := s.stream.Stop(); err != nil {
		r.logger.Warn("failed to stop input stream", slog.String("error", err.Error()))
	}
	s.closeMu.Lock()
	s.closed = true
	close(s.queue)
	s.closeMu.Unlock()
	<-s.done
	return s.sink.Close()
}

// handle runs on the device callback. It never waits longer than the
// enqueue timeout.
func (r *Recorder) handle(s *session, buf *audio.Float32Buffer) {
	if buf == nil || len(buf.Data) == 0 {
		return
	}
	r.level.Store(math.Float64bits(Level(buf.Data, r.opts.LevelGain)))

	cp := &audio.Float32Buffer{
		Format:         buf.Format,
		Data:           append([]float32(nil), buf.Data...),
		SourceBitDepth: buf.SourceBitDepth,
	}

	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- cp:
		return
	default:
	}
	timer := time.NewTimer(r.opts.EnqueueTimeout)
	defer timer.Stop()
	select {
	case s.queue <- cp:
	case <-timer.C:
		n := r.dropped.Add(1)
		r.logger.Warn("dropping audio buffer, converter is behind",
			slog.String("session_id", s.id),
			slog.Int("frames", cp.NumFrames()),
			slog.Uint64("dropped_total", n),
		)
	}
}

func (r *Recorder) consume(s *session) {
	defer close(s.done)
	for buf := range s.queue {
		s.sink.Append(buf)
	}
}

// Level is the loudness of the most recent buffer, in [0,1].
func (r *Recorder) Level() float64 {
	return math.Float64frombits(r.level.Load())
}

func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session != nil
}

// Dropped counts buffers discarded because the queue stayed full.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}
