package visitor

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type fixedClock struct{ t time.Time }

func (c *fixedClock) Now() time.Time { return c.t }

const (
	iPhoneUA  = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"
	iPadUA    = "Mozilla/5.0 (iPad; CPU OS 13_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/13.0.3 Safari/604.1"
	androidUA = "Mozilla/5.0 (Linux; Android 13; SM-X700) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
	desktopUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

func TestDetectDevice(t *testing.T) {
	tests := []struct {
		name string
		ua   string
		want []string
	}{
		{name: "iphone", ua: iPhoneUA, want: []string{"mobile", "ios"}},
		{name: "ipad", ua: iPadUA, want: []string{"tablet", "ios"}},
		{name: "android tablet", ua: androidUA, want: []string{"tablet", "android"}},
		{name: "desktop", ua: desktopUA, want: []string{"desktop"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, DetectDevice(tt.ua)); diff != "" {
				t.Errorf("DetectDevice() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBucketFor(t *testing.T) {
	tests := map[int]TimeOfDay{0: Nighttime, 5: Nighttime, 6: Morning, 11: Morning, 12: Afternoon, 17: Afternoon, 18: Evening, 23: Evening}
	for hour, want := range tests {
		if got := BucketFor(hour); got != want {
			t.Errorf("BucketFor(%d) = %q, want %q", hour, got, want)
		}
	}
}

func TestQueryParams_QueryWinsOverFragment(t *testing.T) {
	c := Context{Location: "/page?a=1&Shared=Query#b=2&shared=fragment"}
	params := c.QueryParams()

	if params["a"] != "1" {
		t.Errorf("a = %q, want 1", params["a"])
	}
	if params["b"] != "2" {
		t.Errorf("b = %q, want 2 (from fragment)", params["b"])
	}
	if params["shared"] != "query" {
		t.Errorf("shared = %q, want query", params["shared"])
	}
}

func TestQueryString_PrefersExplicitField(t *testing.T) {
	c := Context{Location: "/page?from=location", URLQueryString: "?from=field"}
	if got := c.QueryString(); got != "?from=field" {
		t.Fatalf("QueryString() = %q", got)
	}
	c.URLQueryString = ""
	if got := c.QueryString(); got != "?from=location" {
		t.Fatalf("QueryString() = %q", got)
	}
}

func TestBuilder_NewThenReturningVisitor(t *testing.T) {
	local := NewMemoryStorage()
	clock := &fixedClock{t: time.Date(2024, 3, 4, 9, 30, 15, 0, time.UTC)}
	env := Environment{URL: "https://example.com/shop?utm_source=news#top", UserAgent: iPhoneUA, Referrer: "https://google.com/"}

	b := NewBuilder(local, NewMemoryStorage(), WithClock(clock), WithLocation(time.UTC))
	first, err := b.Build(env)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if first.IsReturningVisitor {
		t.Error("first page view should be a new visitor")
	}
	if first.TimeOfDay != Morning {
		t.Errorf("TimeOfDay = %q, want morning", first.TimeOfDay)
	}
	if first.CurrentTime != "09:30:15" {
		t.Errorf("CurrentTime = %q", first.CurrentTime)
	}
	if first.CurrentTimestamp != "2024-03-04T09:30:15Z" {
		t.Errorf("CurrentTimestamp = %q", first.CurrentTimestamp)
	}
	if first.Location != "/shop?utm_source=news#top" {
		t.Errorf("Location = %q", first.Location)
	}
	if first.URLQueryString != "?utm_source=news#top" {
		t.Errorf("URLQueryString = %q", first.URLQueryString)
	}
	if first.UID == "" {
		t.Error("expected a persisted visitor id")
	}

	// Twelve hours later, same device: still new.
	clock.t = clock.t.Add(12 * time.Hour)
	b = NewBuilder(local, NewMemoryStorage(), WithClock(clock), WithLocation(time.UTC))
	second, err := b.Build(env)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if second.IsReturningVisitor {
		t.Error("visitor should stay new within 24 hours")
	}
	if second.UID != first.UID {
		t.Errorf("UID changed: %q -> %q", first.UID, second.UID)
	}

	// Five days later: returning, last visit five days ago.
	clock.t = clock.t.Add(5 * 24 * time.Hour)
	b = NewBuilder(local, NewMemoryStorage(), WithClock(clock), WithLocation(time.UTC))
	third, err := b.Build(env)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !third.IsReturningVisitor {
		t.Error("visitor should be returning after 24 hours")
	}
	if third.DaysSinceLastVisit != 5 {
		t.Errorf("DaysSinceLastVisit = %d, want 5", third.DaysSinceLastVisit)
	}
}

func TestBuilder_SessionStabilizesLastVisit(t *testing.T) {
	local := NewMemoryStorage()
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	_ = local.Set(KeyLastVisit, "1709208000") // 2024-02-29 12:00:00 UTC, one day earlier

	clock := &fixedClock{t: start}
	session := NewMemoryStorage()
	b := NewBuilder(local, session, WithClock(clock), WithLocation(time.UTC))

	first, err := b.Build(Environment{URL: "/"})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if first.DaysSinceLastVisit != 1 {
		t.Fatalf("DaysSinceLastVisit = %d, want 1", first.DaysSinceLastVisit)
	}

	// Another page view in the same session keeps the session marker.
	clock.t = start.Add(10 * time.Minute)
	second, err := b.Build(Environment{URL: "/other"})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if second.DaysSinceLastVisit != 1 {
		t.Errorf("DaysSinceLastVisit = %d, want 1 within the same session", second.DaysSinceLastVisit)
	}
}

func TestBuilder_MillisecondMarkers(t *testing.T) {
	local := NewMemoryStorage()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	_ = local.Set(KeyFirstVisit, "1709208000000") // milliseconds
	_ = local.Set(KeyLastVisit, "1709208000000")

	b := NewBuilder(local, NewMemoryStorage(), WithClock(&fixedClock{t: now}), WithLocation(time.UTC))
	vc, err := b.Build(Environment{URL: "/"})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !vc.IsReturningVisitor {
		t.Error("expected returning visitor")
	}
	if vc.DaysSinceLastVisit != 10 {
		t.Errorf("DaysSinceLastVisit = %d, want 10", vc.DaysSinceLastVisit)
	}
}
