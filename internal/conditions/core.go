package conditions

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// LoggedIn tests the host session's login state.
type LoggedIn struct{ base }

func NewLoggedIn() *LoggedIn {
	return &LoggedIn{base{
		id:          "core_is_logged_in_user",
		category:    CategoryCore,
		description: "User is Logged In",
		comparators: []Option{optEquals},
		values:      boolValues,
		kind:        KindSelect,
	}}
}

func (c *LoggedIn) Matches(_ context.Context, env Env, check Check) bool {
	if check.Comparator != CmpEquals {
		return false
	}
	return env.LoggedIn() == isTrue(check.Value)
}

// NewVisitor is true for a visitor within 24 hours of their first visit.
type NewVisitor struct{ base }

func NewNewVisitor() *NewVisitor {
	return &NewVisitor{base{
		id:          "core_new_visitor",
		category:    CategoryCore,
		description: "New Visitor",
		comparators: []Option{optEquals},
		values:      boolValues,
		kind:        KindSelect,
	}}
}

func (c *NewVisitor) Matches(_ context.Context, env Env, check Check) bool {
	if check.Comparator != CmpEquals {
		return false
	}
	return !env.Visitor.IsReturningVisitor == isTrue(check.Value)
}

// timeElapsedSeconds are the offered delays, in seconds.
var timeElapsedSeconds = []int{5, 10, 15, 30, 60, 120, 180, 240, 300, 600, 900, 1200, 1800, 2700, 3600}

// TimeElapsed delays showing, or limits the lifetime of, a block on the
// visitor's page. The server only checks the action; timing happens in the
// visitor's runtime through the placeholder's tag attributes.
type TimeElapsed struct{ base }

func NewTimeElapsed() *TimeElapsed {
	values := make([]Option, 0, len(timeElapsedSeconds))
	epoch := time.Unix(0, 0)
	for _, s := range timeElapsedSeconds {
		label := strings.TrimSpace(humanize.RelTime(epoch, epoch.Add(time.Duration(s)*time.Second), "", ""))
		values = append(values, Option{Key: strconv.Itoa(s), Label: label})
	}
	return &TimeElapsed{base{
		id:          "core_time_elapsed",
		category:    CategoryCore,
		description: "Time on Current Page",
		comparators: []Option{optEquals},
		values:      values,
		kind:        KindSelect,
	}}
}

func (c *TimeElapsed) Matches(_ context.Context, _ Env, check Check) bool {
	return check.Comparator == CmpEquals && check.Action == ActionShow
}

// TagAttributes tells the visitor runtime when to reveal or remove the block.
func (c *TimeElapsed) TagAttributes(check Check) map[string]string {
	if check.Value == "" {
		return nil
	}
	if check.Action == ActionHide {
		return map[string]string{"lifetime": check.Value}
	}
	return map[string]string{"delayed": check.Value}
}

// DeviceType is a membership test against the visitor's device tags.
type DeviceType struct{ base }

func NewDeviceType() *DeviceType {
	return &DeviceType{base{
		id:          "core_users_device_type",
		category:    CategoryCore,
		description: "Device Type",
		comparators: []Option{optEquals},
		values: []Option{
			{"mobile", "Mobile"},
			{"tablet", "Tablet"},
			{"desktop", "Desktop"},
			{"ios", "iOS"},
			{"android", "Android"},
		},
		kind: KindSelect,
	}}
}

func (c *DeviceType) Matches(_ context.Context, env Env, check Check) bool {
	if check.Comparator != CmpEquals || check.Value == "" {
		return false
	}
	return env.Visitor.HasDevice(check.Value)
}

// UserRole is a membership test against the logged-in account's roles.
type UserRole struct{ base }

func NewUserRole(roles []string) *UserRole {
	values := make([]Option, 0, len(roles))
	for _, r := range roles {
		values = append(values, Option{Key: strings.ToLower(r), Label: titleCase(r)})
	}
	return &UserRole{base{
		id:          "core_users_role",
		category:    CategoryCore,
		description: "User Role",
		comparators: []Option{optEquals, optDoesNotEqual},
		values:      values,
		kind:        KindSelect,
	}}
}

func (c *UserRole) Matches(_ context.Context, env Env, check Check) bool {
	var roles []string
	if env.LoggedIn() {
		roles = env.Account.Roles
	}
	has := slices.Contains(roles, check.Value)
	switch check.Comparator {
	case CmpEquals:
		return has
	case CmpDoesNotEqual:
		return !has
	}
	return false
}

// LastVisit compares the visitor's days since last visit.
type LastVisit struct{ base }

func NewLastVisit() *LastVisit {
	values := make([]Option, 0, 30)
	for d := 1; d <= 30; d++ {
		values = append(values, Option{Key: strconv.Itoa(d), Label: fmt.Sprintf("%d Days ago", d)})
	}
	return &LastVisit{base{
		id:          "core_users_last_visit",
		category:    CategoryCore,
		description: "Last Visit",
		comparators: []Option{optMoreThan, optLessThan, optEquals},
		values:      values,
		kind:        KindSelect,
	}}
}

func (c *LastVisit) Matches(_ context.Context, env Env, check Check) bool {
	want, err := strconv.Atoi(strings.TrimSpace(check.Value))
	if err != nil {
		return false
	}
	days := env.Visitor.DaysSinceLastVisit
	switch check.Comparator {
	case CmpMoreThan:
		return days > want
	case CmpLessThan:
		return days < want
	case CmpEquals:
		return days == want
	}
	return false
}
