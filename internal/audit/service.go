// Package audit records admin changes to rules, categories and content.
// Events are queued and written by a background worker so handlers never
// wait on the sink.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Action constants for audit logging
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
	ActionCloned  = "cloned"
)

// ResourceType constants for audit logging
const (
	ResourceTypeRule     = "rule"
	ResourceTypeCategory = "category"
	ResourceTypeContent  = "content"
)

// Status constants for audit logging
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Clock interface for testable time operations
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock using time.Now()
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// IDGenerator interface for testable ID generation
type IDGenerator interface {
	Generate() string
}

// UUIDGenerator implements IDGenerator using UUID v4
type UUIDGenerator struct{}

func (UUIDGenerator) Generate() string { return uuid.NewString() }

// Redactor removes sensitive or bulky data from event states.
type Redactor interface {
	Redact(data map[string]any) map[string]any
}

// DefaultRedactor masks credential-like keys and replaces document bodies
// with their size.
type DefaultRedactor struct {
	sensitiveKeys map[string]bool
	summaryKeys   map[string]bool
}

func NewDefaultRedactor() *DefaultRedactor {
	return &DefaultRedactor{
		sensitiveKeys: map[string]bool{
			"api_key": true, "key_hash": true, "authorization": true, "cookie": true,
		},
		summaryKeys: map[string]bool{"body": true},
	}
}

func (r *DefaultRedactor) Redact(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}

	redacted := make(map[string]any, len(data))
	for k, v := range data {
		switch {
		case r.sensitiveKeys[k]:
			redacted[k] = "[REDACTED]"
		case r.summaryKeys[k]:
			if s, ok := v.(string); ok {
				redacted[k] = map[string]any{"bytes": len(s)}
				continue
			}
			redacted[k] = v
		default:
			if nested, ok := v.(map[string]any); ok {
				redacted[k] = r.Redact(nested)
				continue
			}
			redacted[k] = v
		}
	}
	return redacted
}

// Source represents request metadata
type Source struct {
	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`
}

// Event is one recorded admin change.
type Event struct {
	ID           string         `json:"id"`
	OccurredAt   time.Time      `json:"occurred_at"`
	RequestID    string         `json:"request_id"`
	Actor        string         `json:"actor"`
	Source       Source         `json:"source"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	BeforeState  map[string]any `json:"before_state,omitempty"`
	AfterState   map[string]any `json:"after_state,omitempty"`
	Changes      map[string]any `json:"changes,omitempty"`
	Status       string         `json:"status"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// Sink persists audit events.
type Sink interface {
	Write(ctx context.Context, event Event) error
}

// Service provides audit logging functionality
type Service struct {
	sink     Sink
	clock    Clock
	idgen    IDGenerator
	redactor Redactor
	log      zerolog.Logger
	queue    chan Event
	stopCh   chan struct{}
	done     chan struct{}
	closed   atomic.Bool
	dropped  atomic.Int64
	stopOnce sync.Once
}

// NewService starts the background worker. Nil clock, idgen and redactor
// take their defaults.
func NewService(sink Sink, clock Clock, idgen IDGenerator, redactor Redactor, queueSize int, log zerolog.Logger) *Service {
	if clock == nil {
		clock = SystemClock{}
	}
	if idgen == nil {
		idgen = UUIDGenerator{}
	}
	if redactor == nil {
		redactor = NewDefaultRedactor()
	}
	if queueSize <= 0 {
		queueSize = 256
	}

	s := &Service{
		sink:     sink,
		clock:    clock,
		idgen:    idgen,
		redactor: redactor,
		log:      log,
		queue:    make(chan Event, queueSize),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.worker()
	return s
}

func (s *Service) worker() {
	defer close(s.done)
	for {
		select {
		case event := <-s.queue:
			s.write(event)
		case <-s.stopCh:
			// Drain remaining events before stopping
			for {
				select {
				case event := <-s.queue:
					s.write(event)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) write(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.sink.Write(ctx, event); err != nil {
		s.log.Warn().Err(err).
			Str("resource_type", event.ResourceType).
			Str("resource_id", event.ResourceID).
			Msg("audit: failed to write event")
	}
}

// Close stops accepting events, drains the queue and waits for the worker.
// Safe to call more than once.
func (s *Service) Close() error {
	s.stopOnce.Do(func() {
		s.closed.Store(true)
		close(s.stopCh)
	})
	<-s.done
	return nil
}

// Log queues an event. Events logged after Close, or while the queue is full,
// are dropped.
func (s *Service) Log(event Event) {
	if s.closed.Load() {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.clock.Now()
	}
	event.ID = s.idgen.Generate()
	event.BeforeState = s.redactor.Redact(event.BeforeState)
	event.AfterState = s.redactor.Redact(event.AfterState)
	if event.Changes == nil {
		event.Changes = ComputeChanges(event.BeforeState, event.AfterState)
	}

	select {
	case s.queue <- event:
	default:
		s.dropped.Add(1)
		s.log.Warn().
			Str("resource_type", event.ResourceType).
			Str("resource_id", event.ResourceID).
			Msg("audit: queue full, dropping event")
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (s *Service) Dropped() int64 { return s.dropped.Load() }

// ComputeChanges computes the difference between before and after states
func ComputeChanges(before, after map[string]any) map[string]any {
	if before == nil && after == nil {
		return nil
	}

	changes := make(map[string]any)
	for key, afterVal := range after {
		beforeVal, existedBefore := before[key]
		beforeJSON, _ := json.Marshal(beforeVal)
		afterJSON, _ := json.Marshal(afterVal)
		if !existedBefore || string(beforeJSON) != string(afterJSON) {
			changes[key] = map[string]any{"before": beforeVal, "after": afterVal}
		}
	}
	for key, beforeVal := range before {
		if _, existsAfter := after[key]; !existsAfter {
			changes[key] = map[string]any{"before": beforeVal, "after": nil}
		}
	}

	if len(changes) == 0 {
		return nil
	}
	return changes
}

// State flattens v into a generic map through its JSON encoding.
func State(v any) map[string]any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if json.Unmarshal(data, &m) != nil {
		return nil
	}
	return m
}
