package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/TimurManjosov/gopersonalize/internal/audit"
)

const (
	queueSize           = 1000
	maxResponseBodySize = 1024
	defaultTimeout      = 10 * time.Second
)

// Delivery headers.
const (
	HeaderSignature = "X-PWP-Signature"
	HeaderEvent     = "X-PWP-Event"
	HeaderDelivery  = "X-PWP-Delivery"
)

// Dispatcher delivers events to endpoints from a background worker. It is an
// audit.Sink: successful admin changes become webhook events.
type Dispatcher struct {
	endpoints []Endpoint
	client    *http.Client
	log       zerolog.Logger
	backoff   time.Duration
	now       func() time.Time

	mu     sync.RWMutex // guards closed against sends on the closed queue
	closed bool
	queue  chan Event
	done   chan struct{}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithBackoff sets the delay before the first retry; it doubles per attempt.
func WithBackoff(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.backoff = d }
}

// WithHTTPClient replaces the delivery client.
func WithHTTPClient(c *http.Client) Option {
	return func(disp *Dispatcher) { disp.client = c }
}

// NewDispatcher starts a dispatcher for endpoints.
func NewDispatcher(endpoints []Endpoint, log zerolog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		endpoints: endpoints,
		client:    &http.Client{},
		log:       log.With().Str("component", "webhook").Logger(),
		backoff:   time.Second,
		now:       time.Now,
		queue:     make(chan Event, queueSize),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	go d.worker()
	return d
}

// Write implements audit.Sink. Failed changes are not delivered.
func (d *Dispatcher) Write(_ context.Context, e audit.Event) error {
	if e.Status != audit.StatusSuccess {
		return nil
	}
	d.Dispatch(FromAudit(e))
	return nil
}

// FromAudit converts an audit event into a webhook event.
func FromAudit(e audit.Event) Event {
	return Event{
		ID:        e.ID,
		Type:      e.ResourceType + "." + e.Action,
		Timestamp: e.OccurredAt,
		Resource:  Resource{Type: e.ResourceType, ID: e.ResourceID},
		Data:      EventData{Before: e.BeforeState, After: e.AfterState, Changes: e.Changes},
		Metadata:  Metadata{RequestID: e.RequestID, IPAddress: e.Source.IPAddress},
	}
}

// Dispatch queues an event for delivery. This is non-blocking; events are
// dropped when the queue is full or the dispatcher is closed.
func (d *Dispatcher) Dispatch(event Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.log.Warn().Str("event", event.Type).Msg("dispatcher closed, dropping event")
		return
	}
	select {
	case d.queue <- event:
	default:
		d.log.Error().
			Str("event", event.Type).
			Str("resource", event.Resource.Type+"/"+event.Resource.ID).
			Msg("queue full, dropping event")
	}
}

// Close stops accepting events and waits for pending deliveries. Safe to call
// more than once.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	<-d.done
	return nil
}

func (d *Dispatcher) worker() {
	defer close(d.done)
	for event := range d.queue {
		for _, ep := range d.endpoints {
			if ep.matches(event.Type) {
				d.deliverWithRetry(context.Background(), ep, event)
			}
		}
	}
}

// deliverWithRetry attempts to deliver an event to an endpoint with
// exponential backoff between attempts.
func (d *Dispatcher) deliverWithRetry(ctx context.Context, ep Endpoint, event Event) bool {
	payload, err := json.Marshal(event)
	if err != nil {
		d.log.Error().Err(err).Str("event", event.Type).Msg("failed to marshal event payload")
		return false
	}
	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	wait := d.backoff
	for attempt := 0; attempt <= ep.MaxRetries; attempt++ {
		start := time.Now()
		status, err := d.post(ctx, ep, event, payload, timeout)
		l := d.log.With().
			Str("url", ep.URL).
			Str("event", event.Type).
			Int("attempt", attempt+1).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Logger()

		if err == nil {
			l.Debug().Msg("delivery succeeded")
			return true
		}
		if attempt < ep.MaxRetries {
			l.Warn().Err(err).Dur("retry_in", wait).Msg("delivery failed")
			time.Sleep(wait)
			wait *= 2
			continue
		}
		l.Error().Err(err).Msg("delivery failed permanently")
	}
	return false
}

func (d *Dispatcher) post(ctx context.Context, ep Endpoint, event Event, payload []byte, timeout time.Duration) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, Sign(payload, ep.Secret, d.now()))
	req.Header.Set(HeaderEvent, event.Type)
	req.Header.Set(HeaderDelivery, event.ID)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("endpoint answered %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return resp.StatusCode, nil
}
