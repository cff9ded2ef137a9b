package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/TimurManjosov/gopersonalize/internal/api"
	"github.com/TimurManjosov/gopersonalize/internal/conditions"
	"github.com/TimurManjosov/gopersonalize/internal/mappings"
	"github.com/TimurManjosov/gopersonalize/internal/rules"
	"github.com/TimurManjosov/gopersonalize/internal/store"
)

// NewTestServer creates a test server with in-memory store for testing.
// The rules snapshot is already built; call RefreshRules after writing
// rules to the store directly.
func NewTestServer(t *testing.T, adminKey string) (*api.Server, *store.MemoryStore) {
	t.Helper()
	memStore := store.NewMemoryStore()
	maps, err := mappings.New(memStore, 1000, zerolog.Nop())
	if err != nil {
		t.Fatalf("mappings.New failed: %v", err)
	}
	t.Cleanup(maps.Close)

	opts := api.DefaultOptions()
	opts.AdminAPIKey = adminKey
	server := api.NewServer(memStore, conditions.Default(conditions.Deps{}), maps, zerolog.Nop(), opts)
	t.Cleanup(func() { _ = server.Close() })
	if err := server.RefreshRules(context.Background()); err != nil {
		t.Fatalf("RefreshRules failed: %v", err)
	}
	return server, memStore
}

// HTTPRequest is a helper for making test HTTP requests.
type HTTPRequest struct {
	Method  string
	Path    string
	Body    string
	Headers map[string]string
}

// Do executes the HTTP request and returns the response recorder.
func (r *HTTPRequest) Do(t *testing.T, handler http.Handler) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if r.Body != "" {
		body = bytes.NewBufferString(r.Body)
	}
	req := httptest.NewRequest(r.Method, r.Path, body)
	if r.Body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

// SeedRules stores rules and returns them with their assigned ids.
func SeedRules(ctx context.Context, st store.RuleStore, list []rules.Rule) ([]rules.Rule, error) {
	out := make([]rules.Rule, 0, len(list))
	for _, r := range list {
		created, err := st.CreateRule(ctx, r)
		if err != nil {
			return nil, err
		}
		out = append(out, created)
	}
	return out, nil
}

// VisitorBody builds a /v2/blocks request body for refs with a complete,
// valid visitor context at timestamp ts.
func VisitorBody(t *testing.T, ts string, refs ...string) string {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"blocks":             refs,
		"currentTime":        "09:30:00",
		"currentTimestamp":   ts,
		"daysSinceLastVisit": 0,
		"deviceType":         []string{"desktop", "windows"},
		"isReturningVisitor": false,
		"location":           "/",
		"referrerURL":        "",
		"timeOfDay":          "morning",
		"uid":                "",
		"urlQueryString":     "",
	})
	if err != nil {
		t.Fatalf("marshal visitor body: %v", err)
	}
	return string(body)
}
