package store

import (
	"context"
	"fmt"

	"github.com/TimurManjosov/gopersonalize/internal/rules"
)

// DefaultCategories are created on first start, in id order.
var DefaultCategories = []string{"Location", "Purchases", "User Types", "Other", "Device Types", "Time"}

type seedRule struct {
	name     string
	category int64
	measure  string
	value    string
}

var defaultRules = []seedRule{
	{"User is currently logged in", 3, "core_is_logged_in_user", "true"},
	{"User is not logged in", 3, "core_is_logged_in_user", "false"},
	{"UK-based visitor", 1, "core_visitor_country", "GB"},
	{"New visitor", 3, "core_new_visitor", "true"},
	{"Returning visitor", 3, "core_new_visitor", "false"},
	{"Device Type - mobile", 5, "core_users_device_type", "mobile"},
	{"Device Type - desktop", 5, "core_users_device_type", "desktop"},
	{"10 secs spent on page", 6, "core_time_elapsed", "10"},
	{"30 secs spent on page", 6, "core_time_elapsed", "30"},
	{"1 min spent on page", 6, "core_time_elapsed", "60"},
	{"US-based visitor", 1, "core_visitor_country", "US"},
	{"Time is morning (6am - 12pm)", 6, "core_users_visiting_time", "morning"},
	{"Time is afternoon (12pm - 6pm)", 6, "core_users_visiting_time", "afternoon"},
	{"Time is evening (6pm - 12am)", 6, "core_users_visiting_time", "evening"},
}

// DefaultRules returns the standard rules seeded on first start.
func DefaultRules() []rules.Rule {
	out := make([]rules.Rule, 0, len(defaultRules))
	for _, s := range defaultRules {
		out = append(out, rules.Rule{
			Name:       s.name,
			CategoryID: s.category,
			Type:       rules.TypeStandard,
			Operator:   rules.OpAll,
			Conditions: []rules.Condition{
				{Measure: s.measure, Comparator: "equals", Value: rules.ScalarValue(s.value)},
			},
		})
	}
	return out
}

// Seed populates an empty store with the default categories and rules. A
// store that already holds categories is left untouched.
func Seed(ctx context.Context, s RuleStore) (bool, error) {
	existing, err := s.ListCategories(ctx)
	if err != nil {
		return false, err
	}
	if len(existing) > 0 {
		return false, nil
	}

	for _, name := range DefaultCategories {
		if _, err := s.CreateCategory(ctx, name); err != nil {
			return false, fmt.Errorf("seed category %q: %w", name, err)
		}
	}
	for _, r := range DefaultRules() {
		if _, err := s.CreateRule(ctx, r); err != nil {
			return false, fmt.Errorf("seed rule %q: %w", r.Name, err)
		}
	}
	return true, nil
}
