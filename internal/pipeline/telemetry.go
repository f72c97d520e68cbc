package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/demeterr/demeterr/internal/pipeline"

type instruments struct {
	runs          metric.Int64Counter
	stageDuration metric.Float64Histogram
	itemsCommit   metric.Int64Counter
}

func newInstruments() instruments {
	meter := otel.Meter(instrumentationName)
	// Instrument constructors only fail on invalid names; the returned
	// instrument is a usable no-op in that case.
	runs, _ := meter.Int64Counter("demeterr_pipeline_runs_total",
		metric.WithDescription("Completed pipeline sessions by outcome."))
	stageDuration, _ := meter.Float64Histogram("demeterr_pipeline_stage_seconds",
		metric.WithDescription("Time spent in each pipeline stage."),
		metric.WithUnit("s"))
	items, _ := meter.Int64Counter("demeterr_food_entries_committed_total",
		metric.WithDescription("Food entries written to the record store."))
	return instruments{runs: runs, stageDuration: stageDuration, itemsCommit: items}
}

func (i instruments) recordStage(ctx context.Context, stage Stage, start time.Time) {
	i.stageDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("stage", string(stage))))
}

func (i instruments) recordRun(ctx context.Context, outcome string) {
	i.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
