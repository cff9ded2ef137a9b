package conditions

import (
	"context"
	"errors"
	"net"
	"slices"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// ErrUnknownLocation is returned by a GeoLocator that cannot place an IP.
var ErrUnknownLocation = errors.New("location unknown")

// GeoLocator resolves an IP address to an ISO 3166-1 alpha-2 country code
// from an offline database.
type GeoLocator interface {
	CountryISO(ip net.IP) (string, error)
}

// VisitorCountry compares the country of the client IP.
type VisitorCountry struct {
	base
	geo GeoLocator
}

func NewVisitorCountry(geo GeoLocator) *VisitorCountry {
	return &VisitorCountry{
		base: base{
			id:          "core_visitor_country",
			category:    CategoryCore,
			description: "User Location",
			comparators: []Option{optEquals, optDoesNotEqual, optAny},
			values:      countryOptions(),
			kind:        KindSelect,
		},
		geo: geo,
	}
}

func (c *VisitorCountry) Matches(_ context.Context, env Env, check Check) bool {
	ip := net.ParseIP(strings.TrimSpace(env.ClientIP))
	if ip == nil || c.geo == nil {
		return false
	}
	iso, err := c.geo.CountryISO(ip)
	if err != nil {
		iso = ""
	}
	switch check.Comparator {
	case CmpEquals:
		return iso == check.Value
	case CmpDoesNotEqual:
		return iso != check.Value
	case CmpAny:
		return iso != "" && slices.Contains(check.Values, iso)
	}
	return false
}

var countryOptions = sync.OnceValue(func() []Option {
	namer := display.English.Regions()
	var out []Option
	for a := 'A'; a <= 'Z'; a++ {
		for b := 'A'; b <= 'Z'; b++ {
			region, err := language.ParseRegion(string([]rune{a, b}))
			if err != nil || !region.IsCountry() {
				continue
			}
			name := namer.Name(region)
			if name == "" {
				continue
			}
			out = append(out, Option{Key: region.String(), Label: name})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
})

// StaticLocator resolves from a fixed table, keyed by IP string.
type StaticLocator map[string]string

func (s StaticLocator) CountryISO(ip net.IP) (string, error) {
	if iso, ok := s[ip.String()]; ok {
		return iso, nil
	}
	return "", ErrUnknownLocation
}
