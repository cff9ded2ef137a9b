package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/TimurManjosov/gopersonalize/internal/audit"
	"github.com/TimurManjosov/gopersonalize/internal/conditions"
	"github.com/TimurManjosov/gopersonalize/internal/mappings"
	"github.com/TimurManjosov/gopersonalize/internal/rules"
	"github.com/TimurManjosov/gopersonalize/internal/snapshot"
	"github.com/TimurManjosov/gopersonalize/internal/store"
)

const adminKey = "test-key"

const (
	monday  = "2024-01-01T09:30:00+01:00"
	tuesday = "2024-01-02T09:30:00+01:00"
)

const page = `<!-- wp:group --><div class="g">` +
	`<!-- wp:paragraph {"personalizewp":{"blockID":"monday","rules":[1]}} -->` + "\n<p>Happy Monday</p>\n" + `<!-- /wp:paragraph -->` +
	`<!-- wp:paragraph {"personalizewp":{"blockID":"not-monday","rules":[1],"action":"hide"}} --><p>Any day</p><!-- /wp:paragraph -->` +
	`</div><!-- /wp:group -->` +
	`<!-- wp:paragraph {"personalizewp":{"blockID":"members","rules":[2]}} --><p>Members</p><!-- /wp:paragraph -->` +
	`<!-- wp:paragraph {"wpDxpId":"7","wpDxpRule":"1"} --><p>Legacy</p><!-- /wp:paragraph -->`

func newTestServer(t *testing.T, mutate ...func(*Options)) (*Server, *store.MemoryStore, http.Handler) {
	t.Helper()
	st := store.NewMemoryStore()
	maps, err := mappings.New(st, 1000, zerolog.Nop())
	if err != nil {
		t.Fatalf("mappings.New failed: %v", err)
	}
	t.Cleanup(maps.Close)

	opts := DefaultOptions()
	opts.AdminAPIKey = adminKey
	for _, m := range mutate {
		m(&opts)
	}
	srv := NewServer(st, conditions.Default(conditions.Deps{}), maps, zerolog.Nop(), opts)
	t.Cleanup(func() { _ = srv.Close() })
	if err := srv.RefreshRules(context.Background()); err != nil {
		t.Fatalf("RefreshRules failed: %v", err)
	}
	return srv, st, srv.Router()
}

func do(t *testing.T, h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func admin(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, h, method, path, body, "Authorization", "Bearer "+adminKey)
}

func visitorFields(ts string) map[string]any {
	return map[string]any{
		"currentTime":        "09:30:00",
		"currentTimestamp":   ts,
		"daysSinceLastVisit": 0,
		"deviceType":         []string{"desktop"},
		"isReturningVisitor": false,
		"location":           "/",
		"referrerURL":        "",
		"timeOfDay":          "morning",
		"uid":                "",
		"urlQueryString":     "",
	}
}

func blocksBody(t *testing.T, ts string, blocks any) string {
	t.Helper()
	body := visitorFields(ts)
	body["blocks"] = blocks
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func decodeEntries(t *testing.T, rr *httptest.ResponseRecorder) []*string {
	t.Helper()
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var out []*string
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return "<nil>"
	}
	return *s
}

// setupPage stores the Monday rule (1), the logged-in rule (2) and page 10.
func setupPage(t *testing.T, h http.Handler) {
	t.Helper()
	for _, body := range []string{
		`{"name":"Mondays","operator":"ALL","conditions":[{"measure":"core_visiting_day","comparator":"equals","value":"monday"}]}`,
		`{"name":"Members","conditions":[{"measure":"core_is_logged_in_user","comparator":"equals","value":"true"}]}`,
	} {
		if rr := admin(t, h, http.MethodPost, "/admin/rules", body); rr.Code != http.StatusCreated {
			t.Fatalf("create rule: %d %s", rr.Code, rr.Body.String())
		}
	}
	doc, _ := json.Marshal(map[string]string{"kind": "page", "title": "Home", "body": page})
	if rr := admin(t, h, http.MethodPut, "/admin/content/10", string(doc)); rr.Code != http.StatusOK {
		t.Fatalf("save content: %d %s", rr.Code, rr.Body.String())
	}
}

// ---- health & snapshot ----

func TestHandleHealth(t *testing.T) {
	_, _, h := newTestServer(t)

	rr := do(t, h, http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}
	if rr.Body.String() != "ok" {
		t.Errorf("Expected body 'ok', got %s", rr.Body.String())
	}
}

func TestSnapshotEndpoint_ETag(t *testing.T) {
	_, _, h := newTestServer(t)

	rr := do(t, h, http.MethodGet, "/v1/rules/snapshot", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	var snap snapshot.Snapshot
	if err := json.NewDecoder(rr.Body).Decode(&snap); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(snap.Rules) != 0 {
		t.Errorf("Expected 0 rules, got %d", len(snap.Rules))
	}
	etag := rr.Header().Get("ETag")
	if etag == "" {
		t.Fatal("Expected ETag header to be set")
	}

	rr = do(t, h, http.MethodGet, "/v1/rules/snapshot", "", "If-None-Match", etag)
	if rr.Code != http.StatusNotModified {
		t.Errorf("Expected status 304, got %d", rr.Code)
	}

	setupPage(t, h)
	rr = do(t, h, http.MethodGet, "/v1/rules/snapshot", "", "If-None-Match", etag)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200 after a rule write, got %d", rr.Code)
	}
	if rr.Header().Get("ETag") == etag {
		t.Error("ETag must change after a rule write")
	}
}

// ---- /v2/blocks ----

func TestBlocks_DayRuleEndToEnd(t *testing.T) {
	_, _, h := newTestServer(t)
	setupPage(t, h)

	refs := []string{"monday", "not-monday", "members", "unknown"}

	got := decodeEntries(t, do(t, h, http.MethodPost, "/v2/blocks", blocksBody(t, monday, refs)))
	want := []string{"<p>Happy Monday</p>", "<nil>", "<nil>", "<nil>"}
	for i := range want {
		if deref(got[i]) != want[i] {
			t.Errorf("Monday entry %d (%s): got %q, want %q", i, refs[i], deref(got[i]), want[i])
		}
	}

	got = decodeEntries(t, do(t, h, http.MethodPost, "/v2/blocks", blocksBody(t, tuesday, refs)))
	want = []string{"<nil>", "<p>Any day</p>", "<nil>", "<nil>"}
	for i := range want {
		if deref(got[i]) != want[i] {
			t.Errorf("Tuesday entry %d (%s): got %q, want %q", i, refs[i], deref(got[i]), want[i])
		}
	}
}

func TestBlocks_AccountHeaders(t *testing.T) {
	tests := []struct {
		name  string
		trust bool
		want  string
	}{
		{"trusted", true, "<p>Members</p>"},
		{"untrusted", false, "<nil>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, h := newTestServer(t, func(o *Options) { o.TrustAccountHeaders = tt.trust })
			setupPage(t, h)

			rr := do(t, h, http.MethodPost, "/v2/blocks", blocksBody(t, monday, []string{"members"}),
				HeaderUserID, "42", HeaderUserRoles, "editor, subscriber")
			if got := decodeEntries(t, rr); deref(got[0]) != tt.want {
				t.Errorf("got %q, want %q", deref(got[0]), tt.want)
			}
		})
	}
}

func TestBlocks_ValidationIsAllOrNothing(t *testing.T) {
	_, _, h := newTestServer(t)
	setupPage(t, h)

	tests := []struct {
		name   string
		mutate func(b map[string]any)
		fields []string
	}{
		{"missing blocks", func(b map[string]any) { delete(b, "blocks") }, []string{"blocks"}},
		{"empty blocks", func(b map[string]any) { b["blocks"] = []string{} }, []string{"blocks"}},
		{"bad clock time", func(b map[string]any) { b["currentTime"] = "9:30" }, []string{"currentTime"}},
		{"bad timestamp", func(b map[string]any) { b["currentTimestamp"] = "yesterday" }, []string{"currentTimestamp"}},
		{"negative days", func(b map[string]any) { b["daysSinceLastVisit"] = -1 }, []string{"daysSinceLastVisit"}},
		{"unknown device", func(b map[string]any) { b["deviceType"] = []string{"fridge"} }, []string{"deviceType[0]"}},
		{"missing returning flag", func(b map[string]any) { delete(b, "isReturningVisitor") }, []string{"isReturningVisitor"}},
		{"empty location", func(b map[string]any) { b["location"] = "" }, []string{"location"}},
		{"bad time of day", func(b map[string]any) { b["timeOfDay"] = "noon" }, []string{"timeOfDay"}},
		{"several at once", func(b map[string]any) {
			b["timeOfDay"] = "noon"
			b["currentTime"] = "x"
		}, []string{"currentTime", "timeOfDay"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := visitorFields(monday)
			body["blocks"] = []string{"monday"}
			tt.mutate(body)
			raw, _ := json.Marshal(body)

			rr := do(t, h, http.MethodPost, "/v2/blocks", string(raw))
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("Expected status 400, got %d: %s", rr.Code, rr.Body.String())
			}
			var resp ErrorResponse
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if resp.Code != ErrCodeValidation {
				t.Errorf("Expected VALIDATION_ERROR, got %s", resp.Code)
			}
			var got []string
			for f := range resp.Fields {
				got = append(got, f)
			}
			if diff := cmp.Diff(tt.fields, got, sortStrings); diff != "" {
				t.Errorf("fields mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

var sortStrings = cmp.Transformer("sort", func(in []string) []string {
	out := append([]string(nil), in...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
})

func TestBlocks_InvalidJSON(t *testing.T) {
	_, _, h := newTestServer(t)

	rr := do(t, h, http.MethodPost, "/v2/blocks", `{"blocks":`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", rr.Code)
	}
	var resp ErrorResponse
	_ = json.NewDecoder(rr.Body).Decode(&resp)
	if resp.Code != ErrCodeInvalidJSON {
		t.Errorf("Expected INVALID_JSON, got %s", resp.Code)
	}
}

func TestBlocks_RequestTooLarge(t *testing.T) {
	_, _, h := newTestServer(t)

	huge := `{"blocks":["` + strings.Repeat("a", maxBodyBytes) + `"]}`
	rr := do(t, h, http.MethodPost, "/v2/blocks", huge)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected status 413, got %d", rr.Code)
	}
}

// ---- /v1/blocks ----

func TestLegacyBlocks(t *testing.T) {
	_, _, h := newTestServer(t)
	setupPage(t, h)

	refs := []map[string]string{
		{"block_id": "7", "post_id": "10"},
		{"block_id": "8", "post_id": "10"},
	}
	got := decodeEntries(t, do(t, h, http.MethodPost, "/v1/blocks", blocksBody(t, monday, refs)))
	if deref(got[0]) != "<p>Legacy</p>" || got[1] != nil {
		t.Errorf("Monday: got %q, %q", deref(got[0]), deref(got[1]))
	}

	got = decodeEntries(t, do(t, h, http.MethodPost, "/v1/blocks", blocksBody(t, tuesday, refs[:1])))
	if got[0] != nil {
		t.Errorf("Tuesday: expected null, got %q", *got[0])
	}

	rr := do(t, h, http.MethodPost, "/v1/blocks", blocksBody(t, monday, []map[string]string{{"post_id": "10"}}))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a ref without block_id, got %d", rr.Code)
	}
}

// ---- admin: rules ----

func TestAdmin_RequiresBearerToken(t *testing.T) {
	_, _, h := newTestServer(t)

	for _, hdr := range [][]string{nil, {"Authorization", "Bearer wrong"}} {
		rr := do(t, h, http.MethodGet, "/admin/rules", "", hdr...)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("Expected status 401, got %d", rr.Code)
		}
		var resp ErrorResponse
		_ = json.NewDecoder(rr.Body).Decode(&resp)
		if resp.Code != ErrCodeUnauthorized {
			t.Errorf("Expected UNAUTHORIZED, got %s", resp.Code)
		}
	}
}

func TestAdminRules_Lifecycle(t *testing.T) {
	srv, _, h := newTestServer(t)

	rr := admin(t, h, http.MethodPost, "/admin/rules", `{"name":"","conditions":[]}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for an invalid rule, got %d", rr.Code)
	}

	rr = admin(t, h, http.MethodPost, "/admin/rules",
		`{"name":"Mobile","category_id":5,"operator":"any","conditions":[{"measure":"core_users_device_type","comparator":"equals","value":"mobile"}]}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var created ruleResponse
	if err := json.NewDecoder(rr.Body).Decode(&created); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if created.Rule.ID != 1 || created.Rule.Operator != rules.OpAny || created.Rule.Type != rules.TypeCustom || !created.Usable {
		t.Errorf("Unexpected created rule: %+v", created)
	}
	if created.ETag != srv.Snapshot().ETag {
		t.Errorf("response ETag %q does not match snapshot %q", created.ETag, srv.Snapshot().ETag)
	}
	if _, ok := srv.Snapshot().Rule(1); !ok {
		t.Error("created rule missing from snapshot")
	}

	rr = admin(t, h, http.MethodPut, "/admin/rules/1",
		`{"name":"Mobile visitors","conditions":[{"measure":"core_users_device_type","comparator":"equals","value":"mobile"}]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200 on update, got %d: %s", rr.Code, rr.Body.String())
	}
	if r, _ := srv.Snapshot().Rule(1); r.Name != "Mobile visitors" {
		t.Errorf("snapshot not refreshed after update: %q", r.Name)
	}

	rr = admin(t, h, http.MethodPost, "/admin/rules/1/clone", "")
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected 201 on clone, got %d", rr.Code)
	}
	var clone ruleResponse
	_ = json.NewDecoder(rr.Body).Decode(&clone)
	if clone.Rule.Name != "Mobile visitors copy" || clone.Rule.ID != 2 {
		t.Errorf("Unexpected clone: %+v", clone.Rule)
	}
	rr = admin(t, h, http.MethodPost, "/admin/rules/1/clone", "")
	_ = json.NewDecoder(rr.Body).Decode(&clone)
	if clone.Rule.Name != "Mobile visitors copy-2" {
		t.Errorf("Expected second clone suffix, got %q", clone.Rule.Name)
	}

	rr = admin(t, h, http.MethodGet, "/admin/rules", "")
	var list listRulesResponse
	_ = json.NewDecoder(rr.Body).Decode(&list)
	if len(list.Rules) != 3 {
		t.Errorf("Expected 3 rules, got %d", len(list.Rules))
	}

	if rr = admin(t, h, http.MethodDelete, "/admin/rules/3", ""); rr.Code != http.StatusNoContent {
		t.Errorf("Expected 204 on delete, got %d", rr.Code)
	}
	if rr = admin(t, h, http.MethodGet, "/admin/rules/3", ""); rr.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", rr.Code)
	}
	if rr = admin(t, h, http.MethodPut, "/admin/rules/99", `{"name":"x","conditions":[{"measure":"core_new_visitor","comparator":"equals","value":"true"}]}`); rr.Code != http.StatusNotFound {
		t.Errorf("Expected 404 updating a missing rule, got %d", rr.Code)
	}
	if rr = admin(t, h, http.MethodGet, "/admin/rules/abc", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a bad id, got %d", rr.Code)
	}
}

func TestAdminRules_UnknownMeasureRejected(t *testing.T) {
	_, _, h := newTestServer(t)

	rr := admin(t, h, http.MethodPost, "/admin/rules",
		`{"name":"x","conditions":[{"measure":"moon_phase","comparator":"equals","value":"full"}]}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", rr.Code)
	}
	var resp ErrorResponse
	_ = json.NewDecoder(rr.Body).Decode(&resp)
	if resp.Code != ErrCodeInvalidRule || !strings.Contains(resp.Message, "moon_phase") {
		t.Errorf("Unexpected error: %+v", resp)
	}
}

func TestAdminRules_DeleteInUse(t *testing.T) {
	_, _, h := newTestServer(t)
	setupPage(t, h)

	rr := admin(t, h, http.MethodGet, "/admin/rules/1/usage", "")
	var usage usageResponse
	_ = json.NewDecoder(rr.Body).Decode(&usage)
	if len(usage.Usage) != 2 {
		t.Fatalf("Expected rule 1 used by 2 blocks, got %+v", usage)
	}

	rr = admin(t, h, http.MethodDelete, "/admin/rules/1", "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("Expected 409, got %d", rr.Code)
	}
	var resp ErrorResponse
	_ = json.NewDecoder(rr.Body).Decode(&resp)
	if resp.Code != ErrCodeRuleInUse {
		t.Errorf("Expected RULE_IN_USE, got %s", resp.Code)
	}

	// once the page no longer uses it the rule can go
	doc := `{"kind":"page","body":"<p>plain</p>"}`
	if rr = admin(t, h, http.MethodPut, "/admin/content/10", doc); rr.Code != http.StatusOK {
		t.Fatalf("save content: %d", rr.Code)
	}
	if rr = admin(t, h, http.MethodDelete, "/admin/rules/1", ""); rr.Code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", rr.Code)
	}
}

func TestAdmin_AuditTrail(t *testing.T) {
	sink := &audit.MemorySink{}
	srv, _, h := newTestServer(t, func(o *Options) { o.AuditSink = sink })
	setupPage(t, h)

	if rr := admin(t, h, http.MethodDelete, "/admin/rules/1", ""); rr.Code != http.StatusConflict {
		t.Fatalf("Expected 409, got %d", rr.Code)
	}
	if rr := admin(t, h, http.MethodPut, "/admin/rules/2", `{"name":"Members only","conditions":[{"measure":"core_is_logged_in_user","comparator":"equals","value":"true"}]}`); rr.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rr.Code, rr.Body.String())
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	type row struct{ Type, ID, Action, Status string }
	var got []row
	for _, e := range sink.Events() {
		got = append(got, row{e.ResourceType, e.ResourceID, e.Action, e.Status})
	}
	want := []row{
		{audit.ResourceTypeRule, "1", audit.ActionCreated, audit.StatusSuccess},
		{audit.ResourceTypeRule, "2", audit.ActionCreated, audit.StatusSuccess},
		{audit.ResourceTypeContent, "10", audit.ActionUpdated, audit.StatusSuccess},
		{audit.ResourceTypeRule, "1", audit.ActionDeleted, audit.StatusFailure},
		{audit.ResourceTypeRule, "2", audit.ActionUpdated, audit.StatusSuccess},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("audit trail mismatch (-want +got):\n%s", diff)
	}

	update := sink.Events()[4]
	if _, ok := update.Changes["name"]; !ok {
		t.Errorf("rename not in changes: %v", update.Changes)
	}
	saved := sink.Events()[2]
	if body, ok := saved.AfterState["body"].(map[string]any); !ok || body["bytes"] == nil {
		t.Errorf("content body not summarised: %v", saved.AfterState["body"])
	}
}

// ---- admin: categories & conditions ----

func TestAdminCategories(t *testing.T) {
	_, _, h := newTestServer(t)

	if rr := admin(t, h, http.MethodPost, "/admin/categories", `{"name":"  "}`); rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a blank name, got %d", rr.Code)
	}
	if rr := admin(t, h, http.MethodPost, "/admin/categories", `{"name":"Seasonal"}`); rr.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", rr.Code)
	}

	rr := admin(t, h, http.MethodGet, "/admin/categories", "")
	var resp struct {
		Categories []rules.Category `json:"categories"`
	}
	_ = json.NewDecoder(rr.Body).Decode(&resp)
	if len(resp.Categories) != 1 || resp.Categories[0].Name != "Seasonal" {
		t.Errorf("Unexpected categories: %+v", resp.Categories)
	}
}

func TestAdminConditions(t *testing.T) {
	_, _, h := newTestServer(t)

	rr := admin(t, h, http.MethodGet, "/admin/conditions", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
	var resp struct {
		Conditions map[string][]conditionInfo `json:"conditions"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	find := func(category, id string) (conditionInfo, bool) {
		for _, c := range resp.Conditions[category] {
			if c.Identifier == id {
				return c, true
			}
		}
		return conditionInfo{}, false
	}

	day, ok := find(conditions.CategoryCore, "core_visiting_day")
	if !ok || !day.Usable || len(day.Values) != 7 {
		t.Errorf("Unexpected visiting day entry: %+v", day)
	}
	purchase, ok := find(conditions.CategoryCommerce, "woocommerce_completed_purchase")
	if !ok || purchase.Usable || len(purchase.Unmet) != 1 {
		t.Errorf("commerce conditions must be unusable without a provider: %+v", purchase)
	}
}

// ---- content ----

func TestContent_RenderPlaceholders(t *testing.T) {
	_, _, h := newTestServer(t)
	setupPage(t, h)

	rr := do(t, h, http.MethodGet, "/content/10", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
	out := rr.Body.String()
	for _, want := range []string{`<pwp-block block-id="monday"`, `<pwp-block block-id="members"`, `<wp-dxp post-id="10" block-id="7"`} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %s in %s", want, out)
		}
	}
	if strings.Contains(out, "Happy Monday") {
		t.Error("rule-bearing content leaked into the cached render")
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Unexpected Content-Type %q", ct)
	}

	if rr = do(t, h, http.MethodGet, "/content/404", ""); rr.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rr.Code)
	}
}

func TestContent_SaveConflictsAndDelete(t *testing.T) {
	_, st, h := newTestServer(t)
	setupPage(t, h)

	doc, _ := json.Marshal(map[string]string{"kind": "page", "body": page})
	rr := admin(t, h, http.MethodPut, "/admin/content/11", string(doc))
	if rr.Code != http.StatusConflict {
		t.Fatalf("Expected 409 for a block ref mapped elsewhere, got %d", rr.Code)
	}

	if rr = admin(t, h, http.MethodDelete, "/admin/content/10", ""); rr.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", rr.Code)
	}
	got := decodeEntries(t, do(t, h, http.MethodPost, "/v2/blocks", blocksBody(t, monday, []string{"monday"})))
	if got[0] != nil {
		t.Errorf("deleted content still resolves: %q", *got[0])
	}
	if usage, _ := st.ListUsage(context.Background(), 1); len(usage) != 0 {
		t.Errorf("usage rows left behind: %+v", usage)
	}
}

func TestContent_EscapedRef(t *testing.T) {
	_, st, h := newTestServer(t)

	rr := admin(t, h, http.MethodPut, "/admin/content/"+"theme%2F%2Fheader", `{"kind":"wp_template_part","body":"<p>h</p>"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	o, err := st.GetOrigin(context.Background(), "theme//header")
	if err != nil || o.Kind != "wp_template_part" {
		t.Errorf("GetOrigin = %+v, %v", o, err)
	}
}

// ---- rate limiting ----

func TestBlocks_RateLimitedPerIP(t *testing.T) {
	_, _, h := newTestServer(t, func(o *Options) { o.RateLimitPerIP = 2 })

	body := blocksBody(t, monday, []string{"x"})
	for i := 0; i < 2; i++ {
		if rr := do(t, h, http.MethodPost, "/v2/blocks", body); rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rr.Code)
		}
	}
	rr := do(t, h, http.MethodPost, "/v2/blocks", body)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", rr.Code)
	}
	var resp ErrorResponse
	_ = json.NewDecoder(rr.Body).Decode(&resp)
	if resp.Code != ErrCodeRateLimited {
		t.Errorf("Expected RATE_LIMITED, got %s", resp.Code)
	}
}

func ExampleServer_Router() {
	st := store.NewMemoryStore()
	maps, _ := mappings.New(st, 100, zerolog.Nop())
	defer maps.Close()

	srv := NewServer(st, conditions.Default(conditions.Deps{}), maps, zerolog.Nop(), DefaultOptions())
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	fmt.Println(rr.Code, rr.Body.String())
	// Output: 200 ok
}
