// Package visitor models the visitor-side signals every rule evaluation reads.
//
// A Context is built in the visitor's own runtime (see Builder), sent with
// each resolve request and never mutated by the server. Conditions only ever
// see the Context they are handed; nothing here reads ambient request state.
package visitor

import (
	"net/url"
	"slices"
	"strings"
	"time"
)

// TimeOfDay is a 6-hour local time bucket.
type TimeOfDay string

const (
	Nighttime TimeOfDay = "nighttime"
	Morning   TimeOfDay = "morning"
	Afternoon TimeOfDay = "afternoon"
	Evening   TimeOfDay = "evening"
)

// TimesOfDay lists the buckets in clock order.
var TimesOfDay = []TimeOfDay{Morning, Afternoon, Evening, Nighttime}

// Device tags a Context may carry.
const (
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
	DeviceDesktop = "desktop"
	OSWindows     = "windows"
	OSAndroid     = "android"
	OSiOS         = "ios"
)

// ClockLayout is the HH:MM:SS layout used by CurrentTime.
const ClockLayout = "15:04:05"

// Context is the explicit bag of visitor signals used for all rule evaluation.
type Context struct {
	TimeOfDay          TimeOfDay `json:"timeOfDay"`
	CurrentTime        string    `json:"currentTime"`
	CurrentTimestamp   string    `json:"currentTimestamp"`
	IsReturningVisitor bool      `json:"isReturningVisitor"`
	DaysSinceLastVisit int       `json:"daysSinceLastVisit"`
	DeviceType         []string  `json:"deviceType"`
	Location           string    `json:"location"`
	ReferrerURL        string    `json:"referrerURL"`
	UID                string    `json:"uid"`
	URLQueryString     string    `json:"urlQueryString"`
}

// BucketFor maps a 0-23 hour onto its TimeOfDay bucket.
func BucketFor(hour int) TimeOfDay {
	switch {
	case hour >= 0 && hour < 6:
		return Nighttime
	case hour >= 6 && hour < 12:
		return Morning
	case hour >= 12 && hour < 18:
		return Afternoon
	default:
		return Evening
	}
}

// Timestamp parses CurrentTimestamp, keeping the visitor's own UTC offset.
// The second result is false when the field is empty or malformed.
func (c Context) Timestamp() (time.Time, bool) {
	if c.CurrentTimestamp == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, c.CurrentTimestamp)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// HasDevice reports whether tag is one of the visitor's device tags.
func (c Context) HasDevice(tag string) bool {
	return slices.Contains(c.DeviceType, tag)
}

// QueryString returns the "?query#fragment" part of the visitor's page.
// URLQueryString is preferred; Location is used when the runtime did not
// send it separately.
func (c Context) QueryString() string {
	if c.URLQueryString != "" {
		return c.URLQueryString
	}
	if i := strings.IndexAny(c.Location, "?#"); i >= 0 {
		return c.Location[i:]
	}
	return ""
}

// QueryParams parses both the ?query and #fragment portions of the query
// string as key=value sets. The whole string is lower-cased first. A key
// present in both is taken from the query.
func (c Context) QueryParams() map[string]string {
	raw := strings.ToLower(c.QueryString())
	if raw == "" {
		return map[string]string{}
	}

	var query, fragment string
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		raw, fragment = raw[:i], raw[i+1:]
	}
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		query = raw[i+1:]
	} else {
		query = raw
	}

	params := make(map[string]string)
	for k, v := range parsePairs(fragment) {
		params[k] = v
	}
	for k, v := range parsePairs(query) {
		params[k] = v
	}
	return params
}

func parsePairs(s string) map[string]string {
	out := make(map[string]string)
	if s == "" {
		return out
	}
	// ParseQuery keeps every pair it could decode alongside the error.
	values, _ := url.ParseQuery(s)
	for k, vs := range values {
		if k == "" || len(vs) == 0 {
			continue
		}
		out[k] = vs[len(vs)-1]
	}
	return out
}
