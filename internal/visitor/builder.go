package visitor

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Storage keys for the persisted visitor markers.
const (
	KeyFirstVisit  = "personalizewp_first_visit"
	KeyLastVisit   = "personalizewp_last_visit"
	KeyLastSession = "personalizewp_last_session"
	KeyTrackedUser = "pwp_tracked_user"
)

const (
	secondsPerDay = 24 * 60 * 60
	newVisitorFor = 24 * time.Hour
)

// Clock interface for testable time operations
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock using time.Now()
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Environment is what the visitor's runtime can inspect live on a page view.
type Environment struct {
	URL       string // page URL, absolute or path+query+fragment
	UserAgent string
	Referrer  string
}

// Builder assembles a Context from the live environment plus the markers
// kept in local and session storage.
type Builder struct {
	clock   Clock
	loc     *time.Location
	local   Storage
	session Storage
}

// Option configures a Builder.
type Option func(*Builder)

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(b *Builder) { b.clock = c }
}

// WithLocation sets the visitor's local time zone. Defaults to time.Local.
func WithLocation(loc *time.Location) Option {
	return func(b *Builder) { b.loc = loc }
}

// NewBuilder creates a Builder over the given local and session storage.
func NewBuilder(local, session Storage, opts ...Option) *Builder {
	b := &Builder{
		clock:   SystemClock{},
		loc:     time.Local,
		local:   local,
		session: session,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build produces the Context for one page view and updates the markers.
func (b *Builder) Build(env Environment) (Context, error) {
	now := b.clock.Now().In(b.loc)
	nowSecs := now.Unix()

	location, query, err := splitURL(env.URL)
	if err != nil {
		return Context{}, err
	}

	uid, err := b.trackedUser()
	if err != nil {
		return Context{}, err
	}

	returning, err := b.returningVisitor(nowSecs)
	if err != nil {
		return Context{}, err
	}

	lastSession, err := b.lastSession(nowSecs)
	if err != nil {
		return Context{}, err
	}

	if err := b.local.Set(KeyLastVisit, strconv.FormatInt(nowSecs, 10)); err != nil {
		return Context{}, fmt.Errorf("failed to store last visit: %w", err)
	}

	return Context{
		TimeOfDay:          BucketFor(now.Hour()),
		CurrentTime:        now.Format(ClockLayout),
		CurrentTimestamp:   now.Format(time.RFC3339),
		IsReturningVisitor: returning,
		DaysSinceLastVisit: dayDiff(nowSecs, lastSession),
		DeviceType:         DetectDevice(env.UserAgent),
		Location:           location,
		ReferrerURL:        env.Referrer,
		UID:                uid,
		URLQueryString:     query,
	}, nil
}

// returningVisitor creates the first-visit marker on first encounter. A
// visitor stays new until 24 hours after that marker.
func (b *Builder) returningVisitor(now int64) (bool, error) {
	first, ok := readSeconds(b.local, KeyFirstVisit, now)
	if !ok {
		if err := b.local.Set(KeyFirstVisit, strconv.FormatInt(now, 10)); err != nil {
			return false, fmt.Errorf("failed to store first visit: %w", err)
		}
		return false, nil
	}
	return time.Duration(now-first)*time.Second >= newVisitorFor, nil
}

// lastSession returns the last-visit marker as it was when this browsing
// session started, so page views within one session never move it.
func (b *Builder) lastSession(now int64) (int64, error) {
	if last, ok := readSeconds(b.session, KeyLastSession, now); ok {
		return last, nil
	}
	last, ok := readSeconds(b.local, KeyLastVisit, now)
	if !ok {
		last = now
	}
	if err := b.session.Set(KeyLastSession, strconv.FormatInt(last, 10)); err != nil {
		return 0, fmt.Errorf("failed to store session marker: %w", err)
	}
	return last, nil
}

func (b *Builder) trackedUser() (string, error) {
	if id, ok := b.local.Get(KeyTrackedUser); ok && id != "" {
		return id, nil
	}
	id := uuid.NewString()
	if err := b.local.Set(KeyTrackedUser, id); err != nil {
		return "", fmt.Errorf("failed to store visitor id: %w", err)
	}
	return id, nil
}

// readSeconds reads a unix-seconds marker. Markers written in milliseconds
// by older runtimes are larger than now and are scaled down.
func readSeconds(s Storage, key string, now int64) (int64, bool) {
	raw, ok := s.Get(key)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	if v > now {
		v = int64(math.Round(float64(v) / 1000))
	}
	return v, true
}

func dayDiff(now, past int64) int {
	if past > now {
		past = int64(math.Round(float64(past) / 1000))
	}
	return int(math.Round(float64(now-past) / secondsPerDay))
}

// splitURL returns path+query+fragment and the "?query#fragment" part.
func splitURL(raw string) (string, string, error) {
	if raw == "" {
		return "/", "", nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid page URL %q: %w", raw, err)
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	var query string
	if u.RawQuery != "" {
		query = "?" + u.RawQuery
	}
	if u.Fragment != "" {
		query += "#" + u.EscapedFragment()
	}
	return path + query, query, nil
}
