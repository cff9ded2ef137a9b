package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/TimurManjosov/gopersonalize/internal/content"
	"github.com/TimurManjosov/gopersonalize/internal/rules"
	"github.com/TimurManjosov/gopersonalize/internal/testutil"
	"github.com/TimurManjosov/gopersonalize/internal/visitor"
)

func newClient(t *testing.T) *Client {
	t.Helper()
	server, _ := testutil.NewTestServer(t, "test-key")
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return NewClient(ts.URL, "test-key")
}

var mondays = rules.Rule{
	Name: "Mondays",
	Conditions: []rules.Condition{
		{Measure: "core_visiting_day", Comparator: "equals", Value: rules.ScalarValue("monday")},
	},
}

func TestClient_RuleLifecycle(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	created, err := c.CreateRule(ctx, mondays)
	if err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}
	if created.ID != 1 || created.Operator != rules.OpAll {
		t.Errorf("Unexpected rule: %+v", created)
	}

	got, err := c.GetRule(ctx, created.ID)
	if err != nil || got.Name != "Mondays" {
		t.Fatalf("GetRule = %+v, %v", got, err)
	}

	clone, err := c.CloneRule(ctx, created.ID)
	if err != nil {
		t.Fatalf("CloneRule failed: %v", err)
	}
	if clone.Name != "Mondays copy" || clone.Type != rules.TypeCustom {
		t.Errorf("Unexpected clone: %+v", clone)
	}

	list, err := c.ListRules(ctx)
	if err != nil || len(list) != 2 {
		t.Fatalf("ListRules = %d rules, %v", len(list), err)
	}

	if err := c.DeleteRule(ctx, clone.ID); err != nil {
		t.Fatalf("DeleteRule failed: %v", err)
	}

	var apiErr *APIError
	_, err = c.GetRule(ctx, clone.ID)
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound || apiErr.Code != "NOT_FOUND" {
		t.Errorf("Expected a 404 APIError, got %v", err)
	}
}

func TestClient_InvalidRule(t *testing.T) {
	c := newClient(t)

	_, err := c.CreateRule(context.Background(), rules.Rule{Name: "empty"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "INVALID_RULE" {
		t.Errorf("Expected INVALID_RULE, got %v", err)
	}
}

func TestClient_WrongKey(t *testing.T) {
	c := newClient(t)
	c.APIKey = "nope"

	_, err := c.ListRules(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %v", err)
	}
}

func TestClient_SaveAndResolve(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	if _, err := c.CreateRule(ctx, mondays); err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}
	res, err := c.SaveContent(ctx, content.Document{
		Ref:  "theme//footer",
		Kind: "wp_template_part",
		Body: `<!-- wp:paragraph {"personalizewp":{"blockID":"m","rules":[1]}} --><p>Monday</p><!-- /wp:paragraph -->`,
	})
	if err != nil {
		t.Fatalf("SaveContent failed: %v", err)
	}
	if res.Ref != "theme//footer" || res.Mappings != 1 {
		t.Errorf("Unexpected save result: %+v", res)
	}

	vc := visitor.Context{
		TimeOfDay:        visitor.Morning,
		CurrentTime:      "09:30:00",
		CurrentTimestamp: "2024-01-01T09:30:00Z",
		Location:         "/",
	}
	got, err := c.ResolveBlocks(ctx, []string{"m", "x"}, vc)
	if err != nil {
		t.Fatalf("ResolveBlocks failed: %v", err)
	}
	if len(got) != 2 || got[0] == nil || *got[0] != "<p>Monday</p>" || got[1] != nil {
		t.Errorf("Unexpected entries: %v", got)
	}

	if err := c.DeleteContent(ctx, "theme//footer"); err != nil {
		t.Fatalf("DeleteContent failed: %v", err)
	}
	got, _ = c.ResolveBlocks(ctx, []string{"m"}, vc)
	if got[0] != nil {
		t.Errorf("deleted content still resolves: %q", *got[0])
	}
}

func TestClient_ListConditions(t *testing.T) {
	c := newClient(t)

	groups, err := c.ListConditions(context.Background())
	if err != nil {
		t.Fatalf("ListConditions failed: %v", err)
	}
	if len(groups["Core"]) == 0 || len(groups["UTM Tags"]) != 5 {
		t.Errorf("Unexpected groups: %d core, %d utm", len(groups["Core"]), len(groups["UTM Tags"]))
	}
}
