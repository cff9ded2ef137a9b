package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Operator combines a rule's conditions.
type Operator string

const (
	OpAll Operator = "ALL"
	OpAny Operator = "ANY"
)

// NormalizeOperator maps a stored operator onto ALL or ANY. Blank and unknown
// operators are ALL.
func NormalizeOperator(s string) Operator {
	if strings.EqualFold(strings.TrimSpace(s), string(OpAny)) {
		return OpAny
	}
	return OpAll
}

// Type distinguishes seeded rules from author-created ones.
type Type string

const (
	TypeStandard Type = "standard"
	TypeCustom   Type = "custom"
)

// Value is a condition's comparison value: a scalar for every comparator
// except "any", which takes a list.
type Value struct {
	Scalar string
	List   []string
	IsList bool
}

// ScalarValue wraps a scalar comparison value.
func ScalarValue(s string) Value { return Value{Scalar: s} }

// ListValue wraps a list comparison value.
func ListValue(items ...string) Value { return Value{List: items, IsList: true} }

func (v Value) String() string {
	if v.IsList {
		return strings.Join(v.List, ",")
	}
	return v.Scalar
}

// MarshalJSON writes a list as a JSON array and a scalar as a JSON string.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.IsList {
		if v.List == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.List)
	}
	return json.Marshal(v.Scalar)
}

// UnmarshalJSON accepts strings, numbers, booleans and arrays of those.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		list := make([]string, 0, len(raw))
		for _, item := range raw {
			s, err := scalarString(item)
			if err != nil {
				return err
			}
			list = append(list, s)
		}
		*v = Value{List: list, IsList: true}
		return nil
	}
	s, err := scalarString(data)
	if err != nil {
		return err
	}
	*v = Value{Scalar: s}
	return nil
}

func scalarString(data []byte) (string, error) {
	var decoded interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return "", err
	}
	switch x := decoded.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case json.Number:
		return x.String(), nil
	default:
		return "", fmt.Errorf("%w: unsupported value %s", ErrInvalidValueType, string(data))
	}
}

// Condition is one condition instance of a rule.
type Condition struct {
	Measure    string            `json:"measure"`
	Comparator string            `json:"comparator"`
	Value      Value             `json:"value"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// Rule is a named, stored aggregate of conditions plus an operator.
type Rule struct {
	ID         int64       `json:"id"`
	Name       string      `json:"name"`
	CategoryID int64       `json:"category_id"`
	Type       Type        `json:"type"`
	Conditions []Condition `json:"conditions"`
	Operator   Operator    `json:"operator"`
	CreatedBy  string      `json:"created_by"`
	CreatedAt  time.Time   `json:"created_at"`
	ModifiedAt time.Time   `json:"modified_at"`
}

// Category groups rules for authors.
type Category struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// storedCondition is the persisted shape: "any" values are kept as a
// JSON-encoded string, every other value as a plain scalar.
type storedCondition struct {
	Measure    string          `json:"measure"`
	Comparator string          `json:"comparator"`
	Value      json.RawMessage `json:"value"`
	Meta       json.RawMessage `json:"meta,omitempty"`
}

// EncodeConditions serializes conditions for persistence.
func EncodeConditions(conds []Condition) ([]byte, error) {
	out := make([]storedCondition, 0, len(conds))
	for _, c := range conds {
		var value any = c.Value.Scalar
		if c.Value.IsList {
			list := c.Value.List
			if list == nil {
				list = []string{}
			}
			encoded, err := json.Marshal(list)
			if err != nil {
				return nil, err
			}
			value = string(encoded)
		}
		rawValue, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		sc := storedCondition{Measure: c.Measure, Comparator: c.Comparator, Value: rawValue}
		if len(c.Meta) > 0 {
			if sc.Meta, err = json.Marshal(c.Meta); err != nil {
				return nil, err
			}
		}
		out = append(out, sc)
	}
	return json.Marshal(out)
}

// DecodeConditions parses the persisted condition array. A string value of
// an "any" condition is decoded as its JSON-encoded list.
func DecodeConditions(data []byte) ([]Condition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return []Condition{}, nil
	}
	var stored []storedCondition
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("%w: conditions: %v", ErrInvalidCondition, err)
	}

	out := make([]Condition, 0, len(stored))
	for i, sc := range stored {
		c := Condition{Measure: sc.Measure, Comparator: sc.Comparator}
		if len(sc.Value) > 0 {
			if err := json.Unmarshal(sc.Value, &c.Value); err != nil {
				return nil, fmt.Errorf("%w: condition[%d] value: %v", ErrInvalidValueType, i, err)
			}
		}
		if c.Comparator == "any" && !c.Value.IsList {
			var list Value
			if err := json.Unmarshal([]byte(c.Value.Scalar), &list); err != nil || !list.IsList {
				return nil, fmt.Errorf("%w: condition[%d] value for \"any\" must be a list", ErrInvalidValueType, i)
			}
			c.Value = list
		}
		meta, err := decodeMeta(sc.Meta)
		if err != nil {
			return nil, fmt.Errorf("%w: condition[%d] meta: %v", ErrInvalidCondition, i, err)
		}
		c.Meta = meta
		out = append(out, c)
	}
	return out, nil
}

// decodeMeta accepts an object of scalars; an empty array is an empty meta.
func decodeMeta(raw json.RawMessage) (map[string]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, []byte("[]")) {
		return nil, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	meta := make(map[string]string, len(fields))
	for k, v := range fields {
		s, err := scalarString(v)
		if err != nil {
			return nil, err
		}
		meta[k] = s
	}
	return meta, nil
}
