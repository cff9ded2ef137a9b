package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/TimurManjosov/gopersonalize/internal/blocks"
	"github.com/TimurManjosov/gopersonalize/internal/conditions"
	"github.com/TimurManjosov/gopersonalize/internal/render"
	"github.com/TimurManjosov/gopersonalize/internal/rules"
	"github.com/TimurManjosov/gopersonalize/internal/snapshot"
	"github.com/TimurManjosov/gopersonalize/internal/store"
	"github.com/TimurManjosov/gopersonalize/internal/visitor"
)

// ---- fixtures ----

type fakeMappings map[string]store.Mapping

func (f fakeMappings) GetMany(_ context.Context, refs []string) (map[string]store.Mapping, error) {
	out := map[string]store.Mapping{}
	for _, r := range refs {
		if m, ok := f[r]; ok {
			out[r] = m
		}
	}
	return out, nil
}

type failingMappings struct{}

func (failingMappings) GetMany(context.Context, []string) (map[string]store.Mapping, error) {
	return nil, errors.New("db down")
}

type countingOrigins struct {
	bodies map[string]string
	loads  map[string]int
}

func (c *countingOrigins) GetOrigin(_ context.Context, ref string) (*store.Origin, error) {
	c.loads[ref]++
	body, ok := c.bodies[ref]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &store.Origin{Ref: ref, Body: body}, nil
}

const page = `<!-- wp:group --><div class="g">` +
	`<!-- wp:paragraph {"personalizewp":{"blockID":"monday","rules":[1]}} -->` + "\n<p>Happy Monday</p>\n" + `<!-- /wp:paragraph -->` +
	`<!-- wp:paragraph {"personalizewp":{"blockID":"not-monday","rules":[1],"action":"hide"}} --><p>Any day</p><!-- /wp:paragraph -->` +
	`</div><!-- /wp:group -->` +
	`<!-- wp:paragraph {"personalizewp":{"blockID":"members","rules":[2]}} --><p>Members</p><!-- /wp:paragraph -->` +
	`<!-- wp:paragraph {"personalizewp":{"blockID":"gone","rules":[99]}} --><p>Gone</p><!-- /wp:paragraph -->` +
	`<!-- wp:paragraph {"wpDxpId":"7","wpDxpRule":"1"} --><p>Legacy</p><!-- /wp:paragraph -->`

func newResolver(t *testing.T, maps MappingReader, opts ...Option) (*Resolver, *countingOrigins) {
	t.Helper()
	snap := snapshot.Build([]rules.Rule{
		{ID: 1, Name: "Mondays", Operator: rules.OpAll, Conditions: []rules.Condition{
			{Measure: "visiting_day", Comparator: "equals", Value: rules.ScalarValue("monday")},
		}},
		{ID: 2, Name: "Members", Conditions: []rules.Condition{
			{Measure: "core_is_logged_in_user", Comparator: "equals", Value: rules.ScalarValue("true")},
		}},
	})
	origins := &countingOrigins{
		bodies: map[string]string{"10": page, "20": `<p>no blocks</p>`},
		loads:  map[string]int{},
	}
	eval := rules.NewEvaluator(conditions.Default(conditions.Deps{}))
	return New(maps, origins, render.NewEvaluator(eval, snap), zerolog.Nop(), opts...), origins
}

func defaultMappings() fakeMappings {
	return fakeMappings{
		"monday":     {BlockRef: "monday", PostRef: "10", MapType: store.MapTypeBlockEditor},
		"not-monday": {BlockRef: "not-monday", PostRef: "10", MapType: store.MapTypeBlockEditor},
		"members":    {BlockRef: "members", PostRef: "10", MapType: store.MapTypeBlockEditor},
		"gone":       {BlockRef: "gone", PostRef: "10", MapType: store.MapTypeBlockEditor},
		"stale":      {BlockRef: "stale", PostRef: "20", MapType: store.MapTypeBlockEditor},
		"orphan":     {BlockRef: "orphan", PostRef: "404", MapType: store.MapTypeBlockEditor},
		"custom":     {BlockRef: "custom", PostRef: "x", MapType: "custom-kind"},
	}
}

func envAt(ts string) conditions.Env {
	return conditions.Env{Visitor: visitor.Context{CurrentTimestamp: ts}}
}

const (
	monday  = "2024-01-01T09:30:00+01:00"
	tuesday = "2024-01-02T09:30:00+01:00"
)

func deref(s *string) string {
	if s == nil {
		return "<nil>"
	}
	return *s
}

// ---- Resolve ----

func TestResolve_DayRuleEndToEnd(t *testing.T) {
	r, _ := newResolver(t, defaultMappings())
	ctx := context.Background()

	got := r.Resolve(ctx, []string{"monday"}, envAt(monday))
	if deref(got[0]) != "<p>Happy Monday</p>" {
		t.Errorf("Monday: got %q", deref(got[0]))
	}

	got = r.Resolve(ctx, []string{"monday"}, envAt(tuesday))
	if got[0] != nil {
		t.Errorf("Tuesday: expected nil, got %q", *got[0])
	}
}

func TestResolve_DecisionTable(t *testing.T) {
	r, _ := newResolver(t, defaultMappings())
	ctx := context.Background()

	tests := []struct {
		name string
		ref  string
		env  conditions.Env
		want string
	}{
		{"show matched", "monday", envAt(monday), "<p>Happy Monday</p>"},
		{"show unmatched", "monday", envAt(tuesday), "<nil>"},
		{"hide matched", "not-monday", envAt(monday), "<nil>"},
		{"hide unmatched", "not-monday", envAt(tuesday), "<p>Any day</p>"},
		{"member", "members", conditions.Env{Account: &conditions.Account{ID: "1"}}, "<p>Members</p>"},
		{"anonymous", "members", conditions.Env{}, "<nil>"},
		{"deleted rule suppresses", "gone", envAt(monday), "<nil>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Resolve(ctx, []string{tt.ref}, tt.env)
			if deref(got[0]) != tt.want {
				t.Errorf("got %q, want %q", deref(got[0]), tt.want)
			}
		})
	}
}

func TestResolve_IsolatesFailures(t *testing.T) {
	r, _ := newResolver(t, defaultMappings())

	refs := []string{"unmapped", "orphan", "stale", "custom", "monday"}
	got := r.Resolve(context.Background(), refs, envAt(monday))
	if len(got) != len(refs) {
		t.Fatalf("Expected %d entries, got %d", len(refs), len(got))
	}
	for i := 0; i < 4; i++ {
		if got[i] != nil {
			t.Errorf("entry %d (%s): expected nil, got %q", i, refs[i], *got[i])
		}
	}
	if deref(got[4]) != "<p>Happy Monday</p>" {
		t.Errorf("valid ref after failures: got %q", deref(got[4]))
	}
}

func TestResolve_DuplicatesParseOriginOnce(t *testing.T) {
	r, origins := newResolver(t, defaultMappings())

	got := r.Resolve(context.Background(), []string{"monday", "not-monday", "monday"}, envAt(tuesday))
	if got[0] != got[2] {
		t.Error("duplicate refs must share one result")
	}
	if deref(got[1]) != "<p>Any day</p>" {
		t.Errorf("got %q", deref(got[1]))
	}
	if origins.loads["10"] != 1 {
		t.Errorf("Expected origin loaded once, got %d", origins.loads["10"])
	}
}

func TestResolve_MappingFailureYieldsNils(t *testing.T) {
	r, _ := newResolver(t, failingMappings{})
	got := r.Resolve(context.Background(), []string{"a", "b"}, conditions.Env{})
	if len(got) != 2 || got[0] != nil || got[1] != nil {
		t.Errorf("Expected two nil entries, got %v", got)
	}
}

func TestResolve_WithLoader(t *testing.T) {
	load := func(_ context.Context, postRef string) ([]*blocks.Block, error) {
		return blocks.Parse(`<!-- wp:paragraph {"personalizewp":{"blockID":"custom","rules":[2]}} -->` +
			`<p>from ` + postRef + `</p><!-- /wp:paragraph -->`), nil
	}
	r, _ := newResolver(t, defaultMappings(), WithLoader("custom-kind", load))

	got := r.Resolve(context.Background(), []string{"custom"}, conditions.Env{Account: &conditions.Account{ID: "1"}})
	if deref(got[0]) != "<p>from x</p>" {
		t.Errorf("got %q", deref(got[0]))
	}
}

// ---- ResolveLegacy ----

func TestResolveLegacy(t *testing.T) {
	r, origins := newResolver(t, fakeMappings{})
	refs := []LegacyRef{
		{BlockID: "7", PostID: "10"},
		{BlockID: "8", PostID: "10"},
		{BlockID: "7", PostID: "404"},
		{BlockID: "7", PostID: "10"},
	}

	got := r.ResolveLegacy(context.Background(), refs, envAt(monday))
	if deref(got[0]) != "<p>Legacy</p>" || deref(got[3]) != "<p>Legacy</p>" {
		t.Errorf("legacy block: got %q / %q", deref(got[0]), deref(got[3]))
	}
	if got[1] != nil || got[2] != nil {
		t.Errorf("missing legacy blocks must be nil, got %v", got)
	}
	if origins.loads["10"] != 1 {
		t.Errorf("Expected origin loaded once, got %d", origins.loads["10"])
	}

	got = r.ResolveLegacy(context.Background(), refs[:1], envAt(tuesday))
	if got[0] != nil {
		t.Errorf("Tuesday: expected nil, got %q", *got[0])
	}
}

func TestResolve_ExpandsPatternsLikeInterceptor(t *testing.T) {
	snap := snapshot.Build([]rules.Rule{
		{ID: 2, Name: "Members", Conditions: []rules.Condition{
			{Measure: "core_is_logged_in_user", Comparator: "equals", Value: rules.ScalarValue("true")},
		}},
	})
	origins := &countingOrigins{
		bodies: map[string]string{
			"30":  `<!-- wp:group {"personalizewp":{"blockID":"grp","rules":[2]}} --><div><!-- wp:block {"ref":"pat"} /--></div><!-- /wp:group -->`,
			"pat": `<!-- wp:paragraph --><p>PATTERN</p><!-- /wp:paragraph -->`,
		},
		loads: map[string]int{},
	}
	eval := rules.NewEvaluator(conditions.Default(conditions.Deps{}))
	patterns := render.PatternLoader(OriginLoader(origins))
	r := New(fakeMappings{"grp": {BlockRef: "grp", PostRef: "30", MapType: store.MapTypeBlockEditor}},
		origins, render.NewEvaluator(eval, snap, render.ExpandPatterns(patterns)), zerolog.Nop())

	member := conditions.Env{Account: &conditions.Account{ID: "5"}}
	got := r.Resolve(context.Background(), []string{"grp"}, member)
	if deref(got[0]) != "<div><p>PATTERN</p></div>" {
		t.Errorf("Resolve = %s", deref(got[0]))
	}

	// the cached page path renders the same pattern content
	inline := render.NewInterceptor(eval, snap, render.WithPatterns(patterns)).
		Render(context.Background(), blocks.Parse(`<!-- wp:block {"ref":"pat"} /-->`), "30")
	if inline != "<p>PATTERN</p>" {
		t.Errorf("Interceptor = %q", inline)
	}

	if got := r.Resolve(context.Background(), []string{"grp"}, conditions.Env{}); got[0] != nil {
		t.Errorf("anonymous visitor got %q", *got[0])
	}
}
