package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/TimurManjosov/gopersonalize/internal/conditions"
)

// Sentinel errors returned by ValidateRule and the persistence helpers.
var (
	ErrInvalidRule      = errors.New("invalid rule")
	ErrInvalidOperator  = errors.New("invalid operator")
	ErrInvalidCondition = errors.New("invalid condition")
	ErrInvalidValueType = errors.New("invalid value type")
	ErrUnknownMeasure   = errors.New("unknown measure")
	ErrRuleInUse        = errors.New("rule is in use")
)

// ValidateRule performs strict validation of a rule before it is stored.
// It is a pure function: it never mutates r and has no side effects.
func ValidateRule(r Rule, reg *conditions.Registry) error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalidRule)
	}
	if r.Type != "" && r.Type != TypeStandard && r.Type != TypeCustom {
		return fmt.Errorf("%w: type %q must be standard or custom", ErrInvalidRule, r.Type)
	}
	if r.Operator != "" && r.Operator != OpAll && r.Operator != OpAny {
		return fmt.Errorf("%w: %q must be ALL or ANY", ErrInvalidOperator, r.Operator)
	}
	if len(r.Conditions) == 0 {
		return fmt.Errorf("%w: rule must have at least one condition", ErrInvalidCondition)
	}

	for i, c := range r.Conditions {
		if err := validateCondition(i, c, reg); err != nil {
			return err
		}
	}
	return nil
}

func validateCondition(i int, c Condition, reg *conditions.Registry) error {
	if c.Measure == "" {
		return fmt.Errorf("%w: condition[%d] measure must not be empty", ErrInvalidCondition, i)
	}
	ct, ok := reg.Lookup(c.Measure)
	if !ok {
		return fmt.Errorf("%w: condition[%d] measure %q is not registered", ErrUnknownMeasure, i, c.Measure)
	}
	if !conditions.HasComparator(ct, c.Comparator) {
		return fmt.Errorf("%w: condition[%d] comparator %q is not supported by %s", ErrInvalidOperator, i, c.Comparator, ct.Identifier())
	}

	if c.Comparator == conditions.CmpAny {
		if !c.Value.IsList || len(c.Value.List) == 0 {
			return fmt.Errorf("%w: condition[%d] comparator %q requires a non-empty list value", ErrInvalidValueType, i, c.Comparator)
		}
	} else if c.Value.IsList {
		return fmt.Errorf("%w: condition[%d] comparator %q requires a scalar value", ErrInvalidValueType, i, c.Comparator)
	}

	if key := ct.MeasureKey(); key != "" && needsMeasureKey(c.Comparator, ct) {
		if strings.TrimSpace(c.Meta[key]) == "" {
			return fmt.Errorf("%w: condition[%d] meta %q is required", ErrInvalidCondition, i, key)
		}
	}
	return nil
}

// needsMeasureKey reports whether the comparator reads the condition's meta
// key. The query-string condition only needs it for key_value.
func needsMeasureKey(comparator string, ct conditions.Condition) bool {
	if ct.Identifier() == "core_query_string" {
		return comparator == conditions.CmpKeyValue
	}
	return true
}
