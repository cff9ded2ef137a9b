package conditions

import (
	"context"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

// stringComparators are the four plain text comparators shared by the
// query-string, UTM, referrer and cookie conditions.
var stringComparators = []Option{optEquals, optDoesNotEqual, optContains, optDoesNotContain}

func compareText(comparator, subject, value string) bool {
	switch comparator {
	case CmpEquals:
		return subject == value
	case CmpDoesNotEqual:
		return subject != value
	case CmpContains:
		return strings.Contains(subject, value)
	case CmpDoesNotContain:
		return !strings.Contains(subject, value)
	}
	return false
}

// QueryString tests the visitor's page query string.
type QueryString struct{ base }

func NewQueryString() *QueryString {
	return &QueryString{base{
		id:          "core_query_string",
		category:    CategoryCore,
		description: "Query String",
		measureKey:  "key_name",
		comparators: append(append([]Option{}, stringComparators...), optKeyValue),
		kind:        KindText,
	}}
}

func (c *QueryString) Matches(_ context.Context, env Env, check Check) bool {
	if check.Comparator != CmpKeyValue {
		return compareText(check.Comparator, env.Visitor.QueryString(), check.Value)
	}
	if env.Visitor.QueryString() == "" {
		return false
	}
	key := strings.ToLower(strings.TrimSpace(check.Meta[c.measureKey]))
	if key == "" {
		return false
	}
	got, ok := env.Visitor.QueryParams()[key]
	return ok && got == strings.ToLower(check.Value)
}

// UTMTag tests one utm_* parameter of the visitor's page.
type UTMTag struct{ base }

func NewUTMTag(tag, description string) *UTMTag {
	return &UTMTag{base{
		id:          tag,
		category:    CategoryUTM,
		description: description,
		comparators: stringComparators,
		kind:        KindText,
	}}
}

func (c *UTMTag) Matches(_ context.Context, env Env, check Check) bool {
	param, ok := env.Visitor.QueryParams()[c.id]
	value := strings.ToLower(check.Value)
	switch check.Comparator {
	case CmpEquals:
		return ok && param == value
	case CmpDoesNotEqual:
		return !ok || param != value
	case CmpContains:
		if param == "" {
			return false
		}
		return strings.Contains(param, value)
	case CmpDoesNotContain:
		if param == "" {
			return true
		}
		return !strings.Contains(param, value)
	}
	return false
}

// Referrer tests the visitor's referrer URL.
type Referrer struct{ base }

func NewReferrer() *Referrer {
	return &Referrer{base{
		id:          "core_referrer",
		category:    CategoryCore,
		description: "Referrer",
		comparators: stringComparators,
		kind:        KindText,
	}}
}

func (c *Referrer) Matches(_ context.Context, env Env, check Check) bool {
	return compareText(check.Comparator, env.Visitor.ReferrerURL, check.Value)
}

// Cookie tests a named cookie of the host request.
type Cookie struct{ base }

func NewCookie() *Cookie {
	return &Cookie{base{
		id:          "core_cookie",
		category:    CategoryCore,
		description: "Cookie",
		measureKey:  "cookie_name",
		comparators: append([]Option{optAnyValue, optNoValue}, stringComparators...),
		kind:        KindText,
	}}
}

func (c *Cookie) Matches(_ context.Context, env Env, check Check) bool {
	name := SanitizeText(check.Meta[c.measureKey])
	raw, exists := env.Cookies[name]
	switch check.Comparator {
	case CmpAnyValue:
		return exists && raw != ""
	case CmpNoValue:
		return !exists || raw == ""
	}
	if decoded, err := url.QueryUnescape(raw); err == nil {
		raw = decoded
	}
	return compareText(check.Comparator, SanitizeText(raw), check.Value)
}

var (
	tagPattern    = regexp.MustCompile(`<[^>]*>`)
	octetPattern  = regexp.MustCompile(`%[a-fA-F0-9]{2}`)
	spacesPattern = regexp.MustCompile(`[\r\n\t ]+`)
)

// SanitizeText strips markup, percent-encoded octets, invalid UTF-8 and
// redundant whitespace from user supplied text.
func SanitizeText(s string) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	s = tagPattern.ReplaceAllString(s, "")
	s = octetPattern.ReplaceAllString(s, "")
	s = spacesPattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
