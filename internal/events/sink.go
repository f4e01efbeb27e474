package events

import (
	"context"
	"encoding/json"
	"sync"

	"goalpath/pkg/outbox"
	"goalpath/pkg/trace"

	"go.uber.org/zap"
)

// OutboxSink writes events to the outbox table; the dispatcher publishes them.
type OutboxSink struct {
	repo   *outbox.Repository
	logger *zap.Logger
}

var _ Sink = (*OutboxSink)(nil)

func NewOutboxSink(repo *outbox.Repository, logger *zap.Logger) *OutboxSink {
	return &OutboxSink{repo: repo, logger: logger}
}

func (s *OutboxSink) Emit(ctx context.Context, e Event) error {
	payload, err := withTrace(ctx, e.Payload)
	if err != nil {
		return err
	}
	ev, err := outbox.Insert(ctx, s.repo.Pool(), s.repo, e.AggregateType, e.AggregateID, e.RoutingKey, payload)
	if err != nil {
		s.logger.Error("Failed to write outbox event",
			zap.String("routing_key", e.RoutingKey),
			zap.String("aggregate_id", e.AggregateID),
			zap.Error(err),
		)
		return err
	}
	s.logger.Debug("Outbox event written",
		zap.Int64("event_id", ev.ID),
		zap.String("routing_key", e.RoutingKey),
	)
	return nil
}

// withTrace adds the request trace_id to the payload so the dispatcher can
// carry it onto the AMQP message.
func withTrace(ctx context.Context, payload any) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	traceID := trace.FromContext(ctx)
	if traceID == "" {
		return raw, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return raw, nil
	}
	if _, ok := fields["trace_id"]; !ok {
		fields["trace_id"] = traceID
	}
	return json.Marshal(fields)
}

// LogSink only logs events. Used with the in-memory storage backend.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(_ context.Context, e Event) error {
	s.logger.Info("Event emitted",
		zap.String("routing_key", e.RoutingKey),
		zap.String("aggregate_type", e.AggregateType),
		zap.String("aggregate_id", e.AggregateID),
		zap.Any("payload", e.Payload),
	)
	return nil
}

// Recorder keeps events in memory for assertions.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	// Err, when set, is returned by every Emit after recording.
	Err error
}

func (r *Recorder) Emit(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.Err
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events were emitted with routingKey.
func (r *Recorder) Count(routingKey string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.RoutingKey == routingKey {
			n++
		}
	}
	return n
}
