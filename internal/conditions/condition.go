// Package conditions holds the registry of condition types and their
// comparator semantics.
//
// Every condition type is a stateless strategy: it is built once, never
// mutated afterwards and safe to share across requests. The visitor context
// and host signals it evaluates against are passed in explicitly on every
// call through Env.
package conditions

import (
	"context"

	"github.com/TimurManjosov/gopersonalize/internal/visitor"
)

// Kind informs how a condition's value is entered and validated.
type Kind string

const (
	KindSelect     Kind = "select"
	KindText       Kind = "text"
	KindDatepicker Kind = "datepicker"
)

// Action is the intended effect of a rule-bearing block.
type Action string

const (
	ActionShow Action = "show"
	ActionHide Action = "hide"
)

// ParseAction normalizes a stored action. Anything but "hide" is show.
func ParseAction(s string) Action {
	if s == string(ActionHide) {
		return ActionHide
	}
	return ActionShow
}

// Comparator keys.
const (
	CmpEquals         = "equals"
	CmpDoesNotEqual   = "does_not_equal"
	CmpAny            = "any"
	CmpContains       = "contains"
	CmpDoesNotContain = "does_not_contain"
	CmpKeyValue       = "key_value"
	CmpAnyValue       = "any_value"
	CmpNoValue        = "no_value"
	CmpBefore         = "before"
	CmpAfter          = "after"
	CmpMoreThan       = "more_than"
	CmpLessThan       = "less_than"
	CmpNotEmpty       = "notEmpty"
	CmpEmpty          = "empty"
)

// Categories.
const (
	CategoryCore     = "Core"
	CategoryUTM      = "UTM Tags"
	CategoryCommerce = "WooCommerce"
)

// Option is one ordered key/label pair of a comparator or comparison value list.
type Option struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

// Account is the host session's logged-in account, nil when anonymous.
type Account struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles"`
}

// Env carries everything a condition may read: the visitor context plus the
// host request signals that cannot come from the visitor's runtime.
type Env struct {
	Visitor  visitor.Context
	ClientIP string
	Cookies  map[string]string
	Account  *Account
}

// LoggedIn reports whether the host session has an account.
func (e Env) LoggedIn() bool {
	return e.Account != nil && e.Account.ID != ""
}

// Check is one condition instance as handed to Matches.
type Check struct {
	Comparator string
	Value      string   // scalar comparison value
	Values     []string // list value, set for "any"
	Action     Action
	Meta       map[string]string
}

// Condition is a registered condition type.
type Condition interface {
	Identifier() string
	Category() string
	Description() string
	// MeasureKey names the meta entry the condition needs, "" when none.
	MeasureKey() string
	Comparators() []Option
	ComparisonValues() []Option
	ComparisonKind() Kind
	Dependencies() []Dependency
	Matches(ctx context.Context, env Env, check Check) bool
	TagAttributes(check Check) map[string]string
}

// Dependency is a capability precondition gating a condition type.
type Dependency interface {
	Name() string
	Verify() bool
	FailureMessage() string
}

// IsUsable reports whether every dependency of c verifies.
func IsUsable(c Condition) bool {
	for _, dep := range c.Dependencies() {
		if !dep.Verify() {
			return false
		}
	}
	return true
}

// HasComparator reports whether c declares the comparator key.
func HasComparator(c Condition, key string) bool {
	for _, o := range c.Comparators() {
		if o.Key == key {
			return true
		}
	}
	return false
}

// base carries the descriptive half of a condition type.
type base struct {
	id          string
	category    string
	description string
	measureKey  string
	comparators []Option
	values      []Option
	kind        Kind
	deps        []Dependency
}

func (b *base) Identifier() string                    { return b.id }
func (b *base) Category() string                      { return b.category }
func (b *base) Description() string                   { return b.description }
func (b *base) MeasureKey() string                    { return b.measureKey }
func (b *base) Comparators() []Option                 { return b.comparators }
func (b *base) ComparisonValues() []Option            { return b.values }
func (b *base) ComparisonKind() Kind                  { return b.kind }
func (b *base) Dependencies() []Dependency            { return b.deps }
func (b *base) TagAttributes(Check) map[string]string { return nil }

var (
	optEquals         = Option{CmpEquals, "Is Equal To"}
	optDoesNotEqual   = Option{CmpDoesNotEqual, "Does Not Equal"}
	optAny            = Option{CmpAny, "Is any of"}
	optContains       = Option{CmpContains, "Contains"}
	optDoesNotContain = Option{CmpDoesNotContain, "Does Not Contain"}
	optKeyValue       = Option{CmpKeyValue, "Has Key/Value"}
	optAnyValue       = Option{CmpAnyValue, "Has Any Value"}
	optNoValue        = Option{CmpNoValue, "Has No Value"}
	optBefore         = Option{CmpBefore, "Before"}
	optAfter          = Option{CmpAfter, "After"}
	optMoreThan       = Option{CmpMoreThan, "More Than"}
	optLessThan       = Option{CmpLessThan, "Less Than"}
	optNotEmpty       = Option{CmpNotEmpty, "Has Products"}
	optEmpty          = Option{CmpEmpty, "Is Empty"}

	boolValues = []Option{{"true", "True"}, {"false", "False"}}
)

func isTrue(v string) bool { return v == "true" }
