// Package pipeline sequences a voice session: capture, transcription,
// nutrition extraction and commit to the record store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/demeterr/demeterr/internal/apperr"
	"github.com/demeterr/demeterr/internal/capture"
	"github.com/demeterr/demeterr/internal/convert"
	"github.com/demeterr/demeterr/internal/nutrition"
	"github.com/demeterr/demeterr/internal/protocol"
	"github.com/demeterr/demeterr/internal/stt"
)

var (
	// ErrBusy is returned by Start while a session is recording or processing.
	ErrBusy = errors.New("pipeline: a session is already in progress")
	// ErrNotRecording is returned by Stop when no session is recording.
	ErrNotRecording = errors.New("pipeline: not recording")
)

const (
	msgPermission      = "Microphone access is required to record food entries. Please enable microphone permission in Settings."
	msgFinalize        = "The recording could not be saved. Please try again."
	msgEmptyTranscript = "Could not understand the audio. Please try again and speak clearly."
	msgCancelled       = "Recording cancelled."
)

// Recorder is the audio capture the orchestrator drives.
type Recorder interface {
	RequestPermission(ctx context.Context) bool
	Start(ctx context.Context, target convert.Format) error
	Stop() (string, bool)
	Level() float64
}

// Store is the record store the pipeline reads lookups from and commits to.
type Store interface {
	LookupCustomFoods(ctx context.Context) ([]nutrition.CustomFood, error)
	CommitEntry(ctx context.Context, item nutrition.FoodItem) error
}

// Reporter receives pipeline events for the display layer.
type Reporter interface {
	StateChanged(ctx context.Context, evt protocol.PipelineState)
	Succeeded(ctx context.Context, evt protocol.PipelineSucceeded)
	Failed(ctx context.Context, evt protocol.PipelineFailed)
}

// Result summarizes a successful session.
type Result struct {
	SessionID      string             `json:"session_id"`
	Transcript     string             `json:"transcript"`
	Analysis       nutrition.Analysis `json:"analysis"`
	ItemsCommitted int                `json:"items_committed"`
	TotalCalories  int                `json:"total_calories"`
	Message        string             `json:"message"`
}

type Dependencies struct {
	Recorder    Recorder
	Transcriber stt.Transcriber
	Analyzer    nutrition.Analyzer
	Store       Store
	Reporter    Reporter
}

// Orchestrator owns the session state machine. At most one session is
// recording or processing at a time.
type Orchestrator struct {
	deps   Dependencies
	target convert.Format
	logger *slog.Logger
	tracer trace.Tracer
	inst   instruments

	mu        sync.Mutex
	state     State
	starting  bool
	sessionID string
	started   time.Time
	cancel    context.CancelFunc
}

func New(deps Dependencies, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		deps:   deps,
		target: convert.Target,
		logger: logger.With(slog.String("component", "pipeline")),
		tracer: otel.Tracer(instrumentationName),
		inst:   newInstruments(),
	}
}

// State reports the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Level is the live input loudness while recording, 0 otherwise.
func (o *Orchestrator) Level() float64 {
	if o.State() != StateRecording {
		return 0
	}
	return o.deps.Recorder.Level()
}

// SessionID returns the active session, if any.
func (o *Orchestrator) SessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessionID
}

// Start asks for microphone access and opens a recording session.
func (o *Orchestrator) Start(ctx context.Context) (string, error) {
	o.mu.Lock()
	if o.state != StateIdle || o.starting {
		o.mu.Unlock()
		return "", ErrBusy
	}
	o.starting = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.starting = false
		o.mu.Unlock()
	}()

	if !o.deps.Recorder.RequestPermission(ctx) {
		err := &StageError{Stage: StageCapture, Err: apperr.New(apperr.KindPermissionDenied, msgPermission)}
		o.reportFailure(ctx, "", "", err)
		return "", err
	}

	if err := o.deps.Recorder.Start(ctx, o.target); err != nil {
		if errors.Is(err, capture.ErrAlreadyRecording) {
			return "", ErrBusy
		}
		if apperr.KindOf(err) == apperr.KindUnknown {
			err = apperr.Wrap(apperr.KindDevice, "Could not start recording.", err)
		}
		serr := &StageError{Stage: StageCapture, Err: err}
		o.reportFailure(ctx, "", "", serr)
		return "", serr
	}

	id := uuid.NewString()
	o.mu.Lock()
	o.sessionID = id
	o.started = time.Now()
	o.mu.Unlock()
	o.transition(ctx, StateRecording)
	o.logger.Info("session started", slog.String("session_id", id))
	return id, nil
}

// Stop finalizes the recording and runs transcription, extraction and
// commit in order. The temporary audio file is removed before the
// orchestrator returns to idle, on every path.
func (o *Orchestrator) Stop(ctx context.Context) (Result, error) {
	o.mu.Lock()
	if o.state != StateRecording {
		o.mu.Unlock()
		return Result{}, ErrNotRecording
	}
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.state = StateFinalizing
	id := o.sessionID
	recordedFor := time.Since(o.started)
	o.mu.Unlock()
	defer cancel()
	o.announce(ctx, id, StateRecording, StateFinalizing)

	ctx, span := o.tracer.Start(ctx, "pipeline.session",
		trace.WithAttributes(attribute.String("session.id", id)))
	defer span.End()

	stageStart := time.Now()
	path, ok := o.deps.Recorder.Stop()
	o.inst.recordStage(ctx, StageFinalizing, stageStart)

	res, err := o.process(ctx, id, path, ok)
	if ok {
		o.removeAudio(id, path)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.MessageOf(err))
		o.reportFailure(ctx, id, res.Transcript, err)
	} else {
		span.SetAttributes(attribute.Int("items.committed", res.ItemsCommitted))
		o.inst.recordRun(ctx, "success")
		o.deps.Reporter.Succeeded(ctx, protocol.PipelineSucceeded{
			SessionID:      id,
			ItemsCommitted: res.ItemsCommitted,
			TotalCalories:  res.TotalCalories,
			Message:        res.Message,
			Transcript:     res.Transcript,
			Foods:          foodLines(res.Analysis.Foods),
			Timestamp:      time.Now().UTC(),
		})
		o.logger.Info("session complete",
			slog.String("session_id", id),
			slog.Duration("recorded", recordedFor),
			slog.Int("items_committed", res.ItemsCommitted),
			slog.Int("total_calories", res.TotalCalories),
		)
	}

	o.mu.Lock()
	o.cancel = nil
	o.sessionID = ""
	o.mu.Unlock()
	o.transition(ctx, StateIdle)
	return res, err
}

// Abort cancels the active session. A recording is discarded; in-flight
// processing stops at its next blocking call. It reports whether there was
// anything to abort.
func (o *Orchestrator) Abort(ctx context.Context) bool {
	o.mu.Lock()
	switch {
	case o.cancel != nil:
		o.cancel()
		o.mu.Unlock()
		o.logger.Info("processing aborted", slog.String("session_id", o.SessionID()))
		return true
	case o.state == StateRecording:
		id := o.sessionID
		o.sessionID = ""
		o.state = StateFinalizing
		o.mu.Unlock()
		o.announce(ctx, id, StateRecording, StateFinalizing)
		if path, ok := o.deps.Recorder.Stop(); ok {
			o.removeAudio(id, path)
		}
		o.reportFailure(ctx, id, "", &StageError{Stage: StageCapture, Err: context.Canceled})
		o.transition(ctx, StateIdle)
		o.logger.Info("recording discarded", slog.String("session_id", id))
		return true
	default:
		o.mu.Unlock()
		return false
	}
}

func (o *Orchestrator) process(ctx context.Context, id, path string, ok bool) (Result, error) {
	res := Result{SessionID: id}
	if !ok {
		return res, &StageError{Stage: StageFinalizing, Err: apperr.New(apperr.KindDevice, msgFinalize)}
	}

	o.transition(ctx, StateTranscribing)
	text, err := o.runStage(ctx, StageTranscribing, func(ctx context.Context) (string, error) {
		return o.deps.Transcriber.Transcribe(ctx, path)
	})
	if err != nil {
		return res, &StageError{Stage: StageTranscribing, Err: err}
	}
	res.Transcript = text
	if strings.TrimSpace(text) == "" {
		return res, &StageError{Stage: StageTranscribing, Err: apperr.New(apperr.KindEmptyTranscript, msgEmptyTranscript)}
	}

	o.transition(ctx, StateAnalyzing)
	lookup, err := o.deps.Store.LookupCustomFoods(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return res, &StageError{Stage: StageAnalyzing, Err: ctx.Err()}
		}
		o.logger.Warn("custom food lookup failed, analyzing without it",
			slog.String("session_id", id), slog.String("error", err.Error()))
		lookup = nil
	}
	var analysis nutrition.Analysis
	_, err = o.runStage(ctx, StageAnalyzing, func(ctx context.Context) (string, error) {
		var err error
		analysis, err = o.deps.Analyzer.Analyze(ctx, text, lookup)
		return "", err
	})
	if err != nil {
		return res, &StageError{Stage: StageAnalyzing, Err: err}
	}
	res.Analysis = analysis
	if len(analysis.Foods) == 0 {
		msg := fmt.Sprintf("No food items detected. I heard: %q. Try naming the food and an amount, for example \"two eggs and a slice of toast\".", strings.TrimSpace(text))
		return res, &StageError{Stage: StageAnalyzing, Err: apperr.New(apperr.KindNoFoodItems, msg)}
	}

	o.transition(ctx, StateCommitting)
	committed, err := o.commit(ctx, id, analysis.Foods)
	res.ItemsCommitted = committed
	if err != nil {
		return res, &StageError{Stage: StageCommitting, Err: err, Committed: committed}
	}
	res.TotalCalories = analysis.Total.CaloriesInt()
	res.Message = SuccessMessage(committed, res.TotalCalories)
	return res, nil
}

// commit writes one entry per item and keeps going past failures. Any
// failure makes the whole batch a storage error carrying the count that
// did land.
func (o *Orchestrator) commit(ctx context.Context, id string, foods []nutrition.FoodItem) (int, error) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "pipeline.committing")
	defer span.End()
	defer o.inst.recordStage(ctx, StageCommitting, start)

	committed := 0
	var failures []error
	for i, item := range foods {
		if err := ctx.Err(); err != nil {
			return committed, err
		}
		if err := o.deps.Store.CommitEntry(ctx, item); err != nil {
			o.logger.Error("failed to commit food entry",
				slog.String("session_id", id),
				slog.String("food", item.Name),
				slog.String("error", err.Error()))
			failures = append(failures, fmt.Errorf("item %d (%s): %w", i, item.Name, err))
			continue
		}
		committed++
	}
	o.inst.itemsCommit.Add(ctx, int64(committed))
	if len(failures) > 0 {
		span.SetStatus(codes.Error, "partial commit")
		msg := fmt.Sprintf("Saved %d of %d food items. Some entries could not be saved.", committed, len(foods))
		if committed == 0 {
			msg = "Could not save food entries. Please try again."
		}
		return committed, apperr.Wrap(apperr.KindStorage, msg, errors.Join(failures...))
	}
	return committed, nil
}

func (o *Orchestrator) runStage(ctx context.Context, stage Stage, fn func(context.Context) (string, error)) (string, error) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "pipeline."+string(stage))
	defer span.End()
	out, err := fn(ctx)
	o.inst.recordStage(ctx, stage, start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.MessageOf(err))
	}
	return out, err
}

func (o *Orchestrator) removeAudio(id, path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		o.logger.Error("failed to remove recording", slog.String("session_id", id), slog.String("path", path), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) transition(ctx context.Context, next State) {
	o.mu.Lock()
	prev := o.state
	o.state = next
	id := o.sessionID
	o.mu.Unlock()
	o.announce(ctx, id, prev, next)
}

func (o *Orchestrator) announce(ctx context.Context, id string, prev, next State) {
	o.logger.Debug("state change", slog.String("session_id", id), slog.String("from", prev.String()), slog.String("to", next.String()))
	o.deps.Reporter.StateChanged(ctx, protocol.PipelineState{
		SessionID: id,
		State:     next.String(),
		Previous:  prev.String(),
		Timestamp: time.Now().UTC(),
	})
}

func (o *Orchestrator) reportFailure(ctx context.Context, id, transcript string, err error) {
	stage := StageCapture
	committed := 0
	var serr *StageError
	if errors.As(err, &serr) {
		stage = serr.Stage
		committed = serr.Committed
	}
	kind, msg := Describe(err)
	o.inst.recordRun(ctx, kind)
	o.logger.Warn("session failed",
		slog.String("session_id", id),
		slog.String("stage", string(stage)),
		slog.String("kind", kind),
		slog.String("error", err.Error()),
	)
	o.deps.Reporter.Failed(ctx, protocol.PipelineFailed{
		SessionID:      id,
		Stage:          string(stage),
		Kind:           kind,
		Message:        msg,
		Transcript:     transcript,
		ItemsCommitted: committed,
		Timestamp:      time.Now().UTC(),
	})
}

// Describe maps an error to its failure kind and the message shown to the
// user.
func Describe(err error) (kind, message string) {
	if errors.Is(err, context.Canceled) {
		return "cancelled", msgCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) && apperr.KindOf(err) == apperr.KindUnknown {
		return apperr.KindNetwork.String(), "The request timed out. Please try again."
	}
	return apperr.KindOf(err).String(), apperr.MessageOf(err)
}

// SuccessMessage is the summary shown after a commit.
func SuccessMessage(items, calories int) string {
	noun := "items"
	if items == 1 {
		noun = "item"
	}
	return fmt.Sprintf("Added %d food %s (%d cal)", items, noun, calories)
}

func foodLines(foods []nutrition.FoodItem) []protocol.FoodLine {
	lines := make([]protocol.FoodLine, 0, len(foods))
	for _, f := range foods {
		lines = append(lines, protocol.FoodLine{
			Name:     f.Name,
			Quantity: f.Quantity,
			Unit:     f.Unit,
			Calories: f.CaloriesInt(),
			Protein:  f.Protein,
			Fat:      f.Fat,
			Carbs:    f.Carbs,
		})
	}
	return lines
}
