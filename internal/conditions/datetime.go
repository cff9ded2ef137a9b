package conditions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/TimurManjosov/gopersonalize/internal/visitor"
)

const dateLayout = "2006-01-02"

var titleCaser = cases.Title(language.English)

func titleCase(s string) string { return titleCaser.String(s) }

// VisitingTime compares the visitor's time-of-day bucket.
type VisitingTime struct{ base }

func NewVisitingTime() *VisitingTime {
	values := make([]Option, 0, len(visitor.TimesOfDay))
	for _, tod := range visitor.TimesOfDay {
		values = append(values, Option{Key: string(tod), Label: titleCase(string(tod))})
	}
	return &VisitingTime{base{
		id:          "core_users_visiting_time",
		category:    CategoryCore,
		description: "Visit Period",
		comparators: []Option{optEquals},
		values:      values,
		kind:        KindSelect,
	}}
}

func (c *VisitingTime) Matches(_ context.Context, env Env, check Check) bool {
	return check.Comparator == CmpEquals && string(env.Visitor.TimeOfDay) == check.Value
}

// SpecificVisitingTime compares the visitor's local clock to a HH:MM:SS value.
type SpecificVisitingTime struct{ base }

func NewSpecificVisitingTime() *SpecificVisitingTime {
	values := make([]Option, 0, 48)
	for m := 0; m < 24*60; m += 30 {
		key := fmt.Sprintf("%02d:%02d:00", m/60, m%60)
		values = append(values, Option{Key: key, Label: key[:5]})
	}
	return &SpecificVisitingTime{base{
		id:          "core_users_specific_visiting_time",
		category:    CategoryCore,
		description: "Visit Time",
		comparators: []Option{optBefore, optAfter},
		values:      values,
		kind:        KindSelect,
	}}
}

func (c *SpecificVisitingTime) Matches(_ context.Context, env Env, check Check) bool {
	current, err := parseClock(env.Visitor.CurrentTime)
	if err != nil {
		return false
	}
	want, err := parseClock(check.Value)
	if err != nil {
		return false
	}
	switch check.Comparator {
	case CmpBefore:
		return current.Before(want)
	case CmpAfter:
		return current.After(want)
	}
	return false
}

// parseClock accepts HH:MM:SS and HH:MM.
func parseClock(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	t, err := time.Parse(visitor.ClockLayout, s)
	if err == nil {
		return t, nil
	}
	if t, err2 := time.Parse("15:04", s); err2 == nil {
		return t, nil
	}
	return time.Time{}, err
}

// VisitingDate compares the calendar date of the visitor's timestamp.
type VisitingDate struct{ base }

func NewVisitingDate() *VisitingDate {
	return &VisitingDate{base{
		id:          "core_visiting_date",
		category:    CategoryCore,
		description: "Date",
		comparators: []Option{optBefore, optAfter, optEquals},
		kind:        KindDatepicker,
	}}
}

func (c *VisitingDate) Matches(_ context.Context, env Env, check Check) bool {
	ts, ok := env.Visitor.Timestamp()
	if !ok {
		return false
	}
	want, err := parseRuleDate(check.Value)
	if err != nil {
		return false
	}
	visit := ts.Format(dateLayout)
	switch check.Comparator {
	case CmpBefore:
		return want > visit
	case CmpAfter:
		return want < visit
	case CmpEquals:
		return want == visit
	}
	return false
}

// parseRuleDate accepts a plain date or a full timestamp and returns Y-m-d.
func parseRuleDate(v string) (string, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(dateLayout, v); err == nil {
		return t.Format(dateLayout), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return "", fmt.Errorf("invalid date %q", v)
	}
	return t.Format(dateLayout), nil
}

var weekdays = []string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}

// VisitingDay compares the weekday of the visitor's timestamp.
type VisitingDay struct{ base }

func NewVisitingDay() *VisitingDay {
	values := make([]Option, 0, len(weekdays))
	for _, d := range weekdays {
		values = append(values, Option{Key: d, Label: titleCase(d)})
	}
	return &VisitingDay{base{
		id:          "core_visiting_day",
		category:    CategoryCore,
		description: "Day",
		comparators: []Option{optEquals, optDoesNotEqual},
		values:      values,
		kind:        KindSelect,
	}}
}

func (c *VisitingDay) Matches(_ context.Context, env Env, check Check) bool {
	want := strings.ToLower(strings.TrimSpace(check.Value))
	if !isWeekday(want) {
		return false
	}
	ts, ok := env.Visitor.Timestamp()
	if !ok {
		return false
	}
	day := strings.ToLower(ts.Weekday().String())
	switch check.Comparator {
	case CmpEquals:
		return day == want
	case CmpDoesNotEqual:
		return day != want
	}
	return false
}

func isWeekday(s string) bool {
	for _, d := range weekdays {
		if d == s {
			return true
		}
	}
	return false
}
