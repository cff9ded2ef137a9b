package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/TimurManjosov/gopersonalize/internal/rules"
)

func TestNewTestServer(t *testing.T) {
	server, memStore := NewTestServer(t, "test-key")

	if server == nil {
		t.Fatal("Expected non-nil server")
	}
	if memStore == nil {
		t.Fatal("Expected non-nil store")
	}

	// Verify the store is functional
	if _, err := memStore.CreateCategory(context.Background(), "Other"); err != nil {
		t.Fatalf("Store should be functional: %v", err)
	}
}

func TestHTTPRequest_Do(t *testing.T) {
	server, _ := NewTestServer(t, "test-key")
	handler := server.Router()

	req := &HTTPRequest{
		Method: "GET",
		Path:   "/healthz",
	}

	rr := req.Do(t, handler)

	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}
	if rr.Body.String() != "ok" {
		t.Errorf("Expected body 'ok', got '%s'", rr.Body.String())
	}
}

func TestHTTPRequest_DoWithHeaders(t *testing.T) {
	server, _ := NewTestServer(t, "test-key")
	handler := server.Router()

	rr := (&HTTPRequest{Method: "GET", Path: "/admin/rules"}).Do(t, handler)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401 without a token, got %d", rr.Code)
	}

	rr = (&HTTPRequest{
		Method:  "GET",
		Path:    "/admin/rules",
		Headers: map[string]string{"Authorization": "Bearer test-key"},
	}).Do(t, handler)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200 with a token, got %d", rr.Code)
	}
}

func TestSeedRules(t *testing.T) {
	_, memStore := NewTestServer(t, "test-key")
	ctx := context.Background()

	created, err := SeedRules(ctx, memStore, []rules.Rule{
		{Name: "a", Conditions: []rules.Condition{{Measure: "core_new_visitor", Comparator: "equals", Value: rules.ScalarValue("true")}}},
		{Name: "b", Conditions: []rules.Condition{{Measure: "core_new_visitor", Comparator: "equals", Value: rules.ScalarValue("false")}}},
	})
	if err != nil {
		t.Fatalf("SeedRules failed: %v", err)
	}
	if len(created) != 2 || created[0].ID != 1 || created[1].ID != 2 {
		t.Errorf("Unexpected ids: %+v", created)
	}
}

func TestVisitorBody(t *testing.T) {
	server, _ := NewTestServer(t, "test-key")
	body := VisitorBody(t, "2024-01-01T09:30:00Z", "unknown-ref")

	var decoded map[string]any
	if err := json.Unmarshal([]byte(body), &decoded); err != nil {
		t.Fatalf("VisitorBody is not JSON: %v", err)
	}

	rr := (&HTTPRequest{Method: "POST", Path: "/v2/blocks", Body: body}).Do(t, server.Router())
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := rr.Body.String(); got != "[null]\n" {
		t.Errorf("Expected [null], got %q", got)
	}
}
