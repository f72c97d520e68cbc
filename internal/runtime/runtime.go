package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/demeterr/demeterr/internal/bus"
	"github.com/demeterr/demeterr/internal/capture"
	"github.com/demeterr/demeterr/internal/config"
	"github.com/demeterr/demeterr/internal/foodstore"
	"github.com/demeterr/demeterr/internal/natsserver"
	"github.com/demeterr/demeterr/internal/nutrition"
	"github.com/demeterr/demeterr/internal/pipeline"
	"github.com/demeterr/demeterr/internal/stt"
)

// outcomeRetention bounds how long succeeded/failed events stay in JetStream.
const outcomeRetention = 24 * time.Hour

type Option func(*Runtime)

// WithDevice supplies the capture device. Without it only the synthetic
// device can be used.
func WithDevice(d capture.Device) Option {
	return func(r *Runtime) { r.device = d }
}

// WithVersion records the build version on telemetry resources.
func WithVersion(v string) Option {
	return func(r *Runtime) { r.version = v }
}

type Runtime struct {
	cfg        config.Config
	version    string
	logger     *slog.Logger
	httpServer *http.Server
	telemetry  *telemetry
	ready      atomic.Bool
	wg         sync.WaitGroup

	device   capture.Device
	store    *foodstore.Store
	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	recorder *capture.Recorder
	orch     *pipeline.Orchestrator
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:    cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(ctx, r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel
	defer r.closeTelemetry()

	if err := r.setup(ctx); err != nil {
		r.teardown()
		return err
	}
	defer r.teardown()

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.router(tel.metrics),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("capture_device", r.cfg.Capture.Device),
		slog.String("stt_mode", r.cfg.STT.Mode),
		slog.String("analysis_mode", r.cfg.Analysis.Mode),
	)

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	if r.orch.Abort(context.Background()) {
		r.logger.Info("active session aborted for shutdown")
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	return nil
}

// setup wires store, bus, capture, the two model clients and the
// orchestrator, in that order.
func (r *Runtime) setup(ctx context.Context) error {
	store, err := foodstore.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	r.store = store

	reporter, err := r.setupBus(ctx)
	if err != nil {
		return err
	}

	device, err := r.captureDevice()
	if err != nil {
		return err
	}
	r.recorder = capture.NewRecorder(device, capture.Options{
		TempDir:        r.cfg.Capture.TempDir,
		QueueDepth:     r.cfg.Capture.QueueDepth,
		EnqueueTimeout: config.Timeout(r.cfg.Capture.EnqueueTimeoutMS),
		LevelGain:      r.cfg.Capture.LevelGain,
	}, r.logger)
	r.observeRecorder()

	transcriber, err := stt.New(r.cfg.STT, r.cfg.OpenAIAPIKey, r.logger)
	if err != nil {
		return fmt.Errorf("failed to init transcription: %w", err)
	}
	analyzer, err := nutrition.New(r.cfg.Analysis, r.cfg.OpenAIAPIKey, r.logger)
	if err != nil {
		return fmt.Errorf("failed to init nutrition analysis: %w", err)
	}

	r.orch = pipeline.New(pipeline.Dependencies{
		Recorder:    r.recorder,
		Transcriber: transcriber,
		Analyzer:    analyzer,
		Store:       r.store,
		Reporter:    reporter,
	}, r.logger)
	return nil
}

func (r *Runtime) setupBus(ctx context.Context) (pipeline.Reporter, error) {
	if !r.cfg.Bus.Enabled {
		r.logger.Info("event bus disabled, logging pipeline events only")
		return bus.NewLogReporter(r.logger), nil
	}

	busCfg := r.cfg.Bus
	ns, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	r.nats = ns
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	r.bus = client
	return bus.NewPublisher(client, outcomeRetention, r.logger), nil
}

func (r *Runtime) captureDevice() (capture.Device, error) {
	if r.device != nil {
		return r.device, nil
	}
	c := r.cfg.Capture
	switch c.Device {
	case "synthetic":
		return capture.NewToneDevice(c.SampleRate, c.Channels, c.FramesPerBuffer, c.ToneHz), nil
	default:
		return nil, fmt.Errorf("capture device %q must be supplied by the caller", c.Device)
	}
}

func (r *Runtime) observeRecorder() {
	meter := otel.Meter(captureScope)
	_, err := meter.Int64ObservableCounter("demeterr_capture_dropped_buffers_total",
		metric.WithDescription("Capture buffers dropped because the writer fell behind."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(r.recorder.Dropped()))
			return nil
		}))
	if err != nil {
		r.logger.Warn("failed to register capture metrics", slog.String("error", err.Error()))
	}
}

// teardown releases whatever setup managed to open.
func (r *Runtime) teardown() {
	if r.bus != nil {
		r.bus.Close()
		r.bus = nil
	}
	if r.nats != nil {
		r.nats.Shutdown()
		r.nats = nil
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("store close error", slog.String("error", err.Error()))
		}
		r.store = nil
	}
}

func (r *Runtime) closeTelemetry() {
	if r.telemetry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.telemetry.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}
