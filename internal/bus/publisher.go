package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/demeterr/demeterr/internal/protocol"
)

const publishTimeout = 2 * time.Second

// Publisher broadcasts pipeline events for the display layer. State changes
// go over core NATS; outcomes are also retained in JetStream when the
// outcome stream is available.
type Publisher struct {
	client  *Client
	durable bool
	log     *slog.Logger
}

// NewPublisher prepares the outcome stream. When JetStream is unavailable
// outcomes are still published, just not retained.
func NewPublisher(client *Client, retention time.Duration, log *slog.Logger) *Publisher {
	p := &Publisher{client: client, log: log.With(slog.String("component", "pipeline-publisher"))}
	subjects := []string{protocol.SubjectPipelineSucceeded, protocol.SubjectPipelineFailed}
	if err := client.EnsureStream(protocol.StreamPipelineOutcomes, subjects, retention); err != nil {
		p.log.Warn("outcome stream unavailable, publishing without retention", slog.String("error", err.Error()))
	} else {
		p.durable = true
	}
	return p
}

func (p *Publisher) StateChanged(ctx context.Context, evt protocol.PipelineState) {
	p.publish(ctx, protocol.SubjectPipelineState, evt, false)
}

func (p *Publisher) Succeeded(ctx context.Context, evt protocol.PipelineSucceeded) {
	p.publish(ctx, protocol.SubjectPipelineSucceeded, evt, p.durable)
}

func (p *Publisher) Failed(ctx context.Context, evt protocol.PipelineFailed) {
	p.publish(ctx, protocol.SubjectPipelineFailed, evt, p.durable)
}

// publish ignores the caller's context so a failure caused by an abort is
// still announced.
func (p *Publisher) publish(_ context.Context, subject string, payload any, durable bool) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("failed to encode pipeline event", slog.String("subject", subject), slog.String("error", err.Error()))
		return
	}
	if durable {
		if _, err := p.client.JetStream().Publish(subject, data, nats.AckWait(publishTimeout)); err != nil {
			p.log.Warn("failed to persist pipeline event", slog.String("subject", subject), slog.String("error", err.Error()))
		} else {
			return
		}
	}
	if err := p.client.Conn().Publish(subject, data); err != nil {
		p.log.Warn("failed to publish pipeline event", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

// LogReporter writes pipeline events to the log when the bus is disabled.
type LogReporter struct {
	log *slog.Logger
}

func NewLogReporter(log *slog.Logger) *LogReporter {
	return &LogReporter{log: log.With(slog.String("component", "pipeline-events"))}
}

func (r *LogReporter) StateChanged(_ context.Context, evt protocol.PipelineState) {
	r.log.Debug("pipeline state",
		slog.String("session_id", evt.SessionID),
		slog.String("from", evt.Previous),
		slog.String("to", evt.State),
	)
}

func (r *LogReporter) Succeeded(_ context.Context, evt protocol.PipelineSucceeded) {
	r.log.Info("pipeline succeeded",
		slog.String("session_id", evt.SessionID),
		slog.Int("items_committed", evt.ItemsCommitted),
		slog.Int("total_calories", evt.TotalCalories),
		slog.String("message", evt.Message),
	)
}

func (r *LogReporter) Failed(_ context.Context, evt protocol.PipelineFailed) {
	r.log.Warn("pipeline failed",
		slog.String("session_id", evt.SessionID),
		slog.String("stage", evt.Stage),
		slog.String("kind", evt.Kind),
		slog.String("message", evt.Message),
	)
}
