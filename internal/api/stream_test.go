package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// readEvent returns the next event name and data line from an SSE stream,
// skipping comments.
func readEvent(t *testing.T, sc *bufio.Scanner) (string, string) {
	t.Helper()
	var event, data string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "" && event != "":
			return event, data
		}
	}
	t.Fatalf("stream ended: %v", sc.Err())
	return "", ""
}

func TestRulesStream_InitAndUpdate(t *testing.T) {
	srv, _, h := newTestServer(t)
	ts := httptest.NewServer(h)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/rules/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Expected Content-Type 'text/event-stream', got %s", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Expected Cache-Control 'no-cache', got %s", cc)
	}

	sc := bufio.NewScanner(resp.Body)
	event, data := readEvent(t, sc)
	if event != "init" || !strings.Contains(data, "etag") {
		t.Fatalf("Expected init event with etag, got %s %s", event, data)
	}
	initial := srv.Snapshot().ETag

	body := `{"name":"Mondays","conditions":[{"measure":"core_visiting_day","comparator":"equals","value":"monday"}]}`
	if rr := admin(t, h, http.MethodPost, "/admin/rules", body); rr.Code != http.StatusCreated {
		t.Fatalf("create rule: %d", rr.Code)
	}

	event, data = readEvent(t, sc)
	if event != "update" {
		t.Fatalf("Expected update event, got %s", event)
	}
	etag := srv.Snapshot().ETag
	if etag == initial || !strings.Contains(data, strings.ReplaceAll(etag, `"`, `\"`)) {
		t.Errorf("update carries %s, snapshot ETag is %s", data, etag)
	}
}
