package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/TimurManjosov/gopersonalize/internal/audit"
)

// ---- signatures ----

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"event":"rule.created"}`)
	now := time.Unix(1700000000, 0)
	header := Sign(payload, "whsec_test", now)

	if !strings.HasPrefix(header, "t=1700000000,sha256=") {
		t.Fatalf("unexpected header format: %s", header)
	}
	tests := []struct {
		name    string
		payload []byte
		header  string
		secret  string
		now     time.Time
		want    bool
	}{
		{"valid", payload, header, "whsec_test", now, true},
		{"wrong secret", payload, header, "other", now, false},
		{"tampered payload", []byte(`{"event":"rule.deleted"}`), header, "whsec_test", now, false},
		{"too old", payload, header, "whsec_test", now.Add(10 * time.Minute), false},
		{"garbage", payload, "sha256=abc", "whsec_test", now, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Verify(tt.payload, tt.header, tt.secret, 5*time.Minute, tt.now); got != tt.want {
				t.Errorf("Verify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGenerateSecret(t *testing.T) {
	a, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret failed: %v", err)
	}
	b, _ := GenerateSecret()
	if !strings.HasPrefix(a, "whsec_") || a == b {
		t.Errorf("unexpected secrets %q %q", a, b)
	}
}

// ---- matching ----

func TestEndpoint_Matches(t *testing.T) {
	tests := []struct {
		events []string
		event  string
		want   bool
	}{
		{nil, EventRuleCreated, true},
		{[]string{EventRuleCreated}, EventRuleCreated, true},
		{[]string{EventRuleCreated}, EventRuleDeleted, false},
		{[]string{"rule.*"}, EventRuleCloned, true},
		{[]string{"rule.*"}, EventContentUpdated, false},
		{[]string{"*"}, EventCategoryCreated, true},
	}
	for _, tt := range tests {
		if got := (Endpoint{Events: tt.events}).matches(tt.event); got != tt.want {
			t.Errorf("matches(%v, %s) = %v, want %v", tt.events, tt.event, got, tt.want)
		}
	}
}

// ---- delivery ----

type receiver struct {
	mu       sync.Mutex
	payloads []Event
	failures atomic.Int32 // answer 500 this many times first
}

func (rc *receiver) handler(t *testing.T, secret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !Verify(body, r.Header.Get(HeaderSignature), secret, time.Minute, time.Now()) {
			t.Errorf("bad signature %q", r.Header.Get(HeaderSignature))
		}
		if rc.failures.Add(-1) >= 0 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var e Event
		if err := json.Unmarshal(body, &e); err != nil {
			t.Errorf("decode: %v", err)
		}
		if r.Header.Get(HeaderEvent) != e.Type {
			t.Errorf("event header %q does not match payload %q", r.Header.Get(HeaderEvent), e.Type)
		}
		rc.mu.Lock()
		rc.payloads = append(rc.payloads, e)
		rc.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
}

func TestDispatcher_DeliversAuditEvents(t *testing.T) {
	rc := &receiver{}
	ts := httptest.NewServer(rc.handler(t, "s3cret"))
	defer ts.Close()

	d := NewDispatcher([]Endpoint{{URL: ts.URL, Secret: "s3cret", Events: []string{"rule.*"}}}, zerolog.Nop())

	_ = d.Write(t.Context(), audit.Event{ID: "e1", Action: audit.ActionCreated, ResourceType: audit.ResourceTypeRule, ResourceID: "4", Status: audit.StatusSuccess,
		AfterState: map[string]any{"name": "Mondays"}})
	_ = d.Write(t.Context(), audit.Event{ID: "e2", Action: audit.ActionDeleted, ResourceType: audit.ResourceTypeRule, ResourceID: "1", Status: audit.StatusFailure})
	_ = d.Write(t.Context(), audit.Event{ID: "e3", Action: audit.ActionUpdated, ResourceType: audit.ResourceTypeContent, ResourceID: "10", Status: audit.StatusSuccess})
	if err := d.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if len(rc.payloads) != 1 {
		t.Fatalf("Expected 1 delivery, got %d", len(rc.payloads))
	}
	got := rc.payloads[0]
	if got.Type != EventRuleCreated || got.Resource.ID != "4" || got.Data.After["name"] != "Mondays" {
		t.Errorf("unexpected payload: %+v", got)
	}
}

func TestDispatcher_RetriesWithBackoff(t *testing.T) {
	rc := &receiver{}
	rc.failures.Store(2)
	ts := httptest.NewServer(rc.handler(t, "k"))
	defer ts.Close()

	d := NewDispatcher([]Endpoint{{URL: ts.URL, Secret: "k", MaxRetries: 2}}, zerolog.Nop(), WithBackoff(time.Millisecond))
	d.Dispatch(Event{ID: "e1", Type: EventContentDeleted})
	_ = d.Close()

	if len(rc.payloads) != 1 {
		t.Errorf("Expected delivery on the third attempt, got %d deliveries", len(rc.payloads))
	}
}

func TestDispatcher_GivesUp(t *testing.T) {
	rc := &receiver{}
	rc.failures.Store(10)
	ts := httptest.NewServer(rc.handler(t, "k"))
	defer ts.Close()

	d := NewDispatcher(nil, zerolog.Nop(), WithBackoff(time.Millisecond))
	ok := d.deliverWithRetry(t.Context(), Endpoint{URL: ts.URL, Secret: "k", MaxRetries: 1}, Event{Type: EventRuleUpdated})
	_ = d.Close()
	if ok {
		t.Error("Expected delivery to fail")
	}
	if left := rc.failures.Load(); left != 8 {
		t.Errorf("Expected 2 attempts, %d failures left", left)
	}
}

func TestDispatcher_DispatchAfterClose(t *testing.T) {
	d := NewDispatcher(nil, zerolog.Nop())
	_ = d.Close()
	_ = d.Close()
	d.Dispatch(Event{Type: EventRuleCreated}) // must not panic
}
