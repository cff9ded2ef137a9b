package rules

import (
	"context"
	"fmt"
	"strings"

	"github.com/TimurManjosov/gopersonalize/internal/conditions"
)

// Evaluator decides rules against a visitor using a condition registry.
type Evaluator struct {
	registry *conditions.Registry
}

func NewEvaluator(reg *conditions.Registry) *Evaluator {
	return &Evaluator{registry: reg}
}

// Registry returns the registry the evaluator resolves measures against.
func (e *Evaluator) Registry() *conditions.Registry { return e.registry }

// IsUsable reports whether every condition type the rule references is
// usable. Measures that are not registered do not make a rule unusable.
func (e *Evaluator) IsUsable(r Rule) bool {
	for _, c := range r.Conditions {
		ct, ok := e.registry.Lookup(c.Measure)
		if !ok {
			continue
		}
		if !conditions.IsUsable(ct) {
			return false
		}
	}
	return true
}

// ConditionsMatched evaluates the rule's conditions in stored order. ALL
// stops at the first false result, ANY at the first true one. Conditions
// with an unregistered measure are skipped, so an ALL rule made only of them
// (or of nothing) matches and an ANY rule made only of them does not.
// An unusable rule never matches.
func (e *Evaluator) ConditionsMatched(ctx context.Context, r Rule, env conditions.Env, action conditions.Action) bool {
	if !e.IsUsable(r) {
		return false
	}

	op := NormalizeOperator(string(r.Operator))
	for _, c := range r.Conditions {
		ct, ok := e.registry.Lookup(c.Measure)
		if !ok {
			continue
		}
		matched := ct.Matches(ctx, env, c.Check(action))
		if op == OpAll && !matched {
			return false
		}
		if op == OpAny && matched {
			return true
		}
	}
	return op == OpAll
}

// TagAttributes merges the attributes each condition contributes to a
// placeholder tag. Later conditions win on key collisions.
func (e *Evaluator) TagAttributes(r Rule, action conditions.Action) map[string]string {
	attrs := map[string]string{}
	for _, c := range r.Conditions {
		ct, ok := e.registry.Lookup(c.Measure)
		if !ok {
			continue
		}
		for k, v := range ct.TagAttributes(c.Check(action)) {
			attrs[k] = v
		}
	}
	return attrs
}

// Check converts a stored condition into the shape condition types evaluate.
func (c Condition) Check(action conditions.Action) conditions.Check {
	check := conditions.Check{
		Comparator: c.Comparator,
		Value:      c.Value.Scalar,
		Action:     action,
		Meta:       c.Meta,
	}
	if c.Value.IsList {
		check.Values = c.Value.List
		check.Value = strings.Join(c.Value.List, ",")
	}
	return check
}

// CloneName picks the name of a copy of name: "<name> copy", then
// "<name> copy-2", "<name> copy-3" and so on while taken reports a clash.
func CloneName(name string, taken func(string) bool) string {
	candidate := name + " copy"
	for n := 2; taken(candidate); n++ {
		candidate = fmt.Sprintf("%s copy-%d", name, n)
	}
	return candidate
}

// Clone returns an unsaved custom copy of r named by CloneName.
func Clone(r Rule, taken func(string) bool) Rule {
	out := Rule{
		Name:       CloneName(r.Name, taken),
		CategoryID: r.CategoryID,
		Type:       TypeCustom,
		Operator:   r.Operator,
		Conditions: make([]Condition, len(r.Conditions)),
	}
	for i, c := range r.Conditions {
		cp := c
		if c.Value.IsList {
			cp.Value.List = append([]string(nil), c.Value.List...)
		}
		if c.Meta != nil {
			cp.Meta = make(map[string]string, len(c.Meta))
			for k, v := range c.Meta {
				cp.Meta[k] = v
			}
		}
		out.Conditions[i] = cp
	}
	return out
}
