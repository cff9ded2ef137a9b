package audit

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// LogSink writes each event as one structured log line.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink creates a sink over log. Events are written at info level
// under the "audit" component.
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "audit").Logger()}
}

// Write implements Sink.
func (s *LogSink) Write(_ context.Context, event Event) error {
	e := s.log.Info().
		Str("event_id", event.ID).
		Time("occurred_at", event.OccurredAt).
		Str("request_id", event.RequestID).
		Str("actor", event.Actor).
		Str("ip", event.Source.IPAddress).
		Str("action", event.Action).
		Str("resource_type", event.ResourceType).
		Str("resource_id", event.ResourceID).
		Str("status", event.Status)
	if event.Changes != nil {
		e = e.Interface("changes", event.Changes)
	}
	if event.ErrorMessage != "" {
		e = e.Str("error", event.ErrorMessage)
	}
	e.Msg("admin change")
	return nil
}

// MemorySink keeps events in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// Write implements Sink.
func (m *MemorySink) Write(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Events returns a copy of the recorded events.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// MultiSink writes every event to each sink in order.
type MultiSink []Sink

// Write implements Sink. All sinks are tried; their errors are joined.
func (m MultiSink) Write(ctx context.Context, event Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
