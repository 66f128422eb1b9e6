// Package query describes row predicates and ordering shared by snapshot
// queries and change-feed subscriptions, so the same filter selects the
// initial rows and the streamed changes.
package query

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type Op string

const (
	OpEq  Op = "eq"
	OpNeq Op = "neq"
	OpIn  Op = "in"
)

// Cond compares one column. For OpIn, Values holds the set; otherwise Values[0].
type Cond struct {
	Column string `json:"column"`
	Op     Op     `json:"op"`
	Values []any  `json:"values"`
}

func Eq(column string, v any) Cond  { return Cond{Column: column, Op: OpEq, Values: []any{v}} }
func Neq(column string, v any) Cond { return Cond{Column: column, Op: OpNeq, Values: []any{v}} }

func In[T any](column string, vs ...T) Cond {
	values := make([]any, len(vs))
	for i, v := range vs {
		values[i] = v
	}
	return Cond{Column: column, Op: OpIn, Values: values}
}

// Filter matches rows satisfying every All condition and, when Any is not
// empty, at least one Any condition. The zero Filter matches every row.
type Filter struct {
	All []Cond `json:"all,omitempty"`
	Any []Cond `json:"any,omitempty"`
}

func Where(conds ...Cond) Filter {
	return Filter{All: conds}
}

// Or returns a copy of f with an or-group. Only one or-group is supported.
func (f Filter) Or(conds ...Cond) Filter {
	f.Any = append(append([]Cond(nil), f.Any...), conds...)
	return f
}

func (f Filter) And(conds ...Cond) Filter {
	f.All = append(append([]Cond(nil), f.All...), conds...)
	return f
}

func (f Filter) IsZero() bool {
	return len(f.All) == 0 && len(f.Any) == 0
}

// Match evaluates the filter against a decoded row. Missing columns compare as null.
func (f Filter) Match(row map[string]any) bool {
	for _, c := range f.All {
		if !c.match(row) {
			return false
		}
	}
	if len(f.Any) == 0 {
		return true
	}
	for _, c := range f.Any {
		if c.match(row) {
			return true
		}
	}
	return false
}

// MatchJSON decodes a JSON object row and evaluates the filter.
func (f Filter) MatchJSON(raw []byte) (bool, error) {
	if f.IsZero() {
		return true, nil
	}
	row, err := DecodeRow(raw)
	if err != nil {
		return false, err
	}
	return f.Match(row), nil
}

// DecodeRow decodes a JSON object keeping numbers as json.Number.
func DecodeRow(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var row map[string]any
	if err := dec.Decode(&row); err != nil {
		return nil, fmt.Errorf("query: decode row: %w", err)
	}
	return row, nil
}

func (c Cond) match(row map[string]any) bool {
	got := normalize(row[c.Column])
	switch c.Op {
	case OpEq:
		return len(c.Values) == 1 && got == normalize(c.Values[0])
	case OpNeq:
		return len(c.Values) == 1 && got != normalize(c.Values[0])
	case OpIn:
		for _, v := range c.Values {
			if got == normalize(v) {
				return true
			}
		}
	}
	return false
}

func normalize(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case *string:
		if t == nil {
			return "null"
		}
		return *t
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// String renders the filter in a compact, stable form for logs.
func (f Filter) String() string {
	if f.IsZero() {
		return "*"
	}
	parts := make([]string, 0, len(f.All)+1)
	for _, c := range f.All {
		parts = append(parts, c.String())
	}
	if len(f.Any) > 0 {
		or := make([]string, 0, len(f.Any))
		for _, c := range f.Any {
			or = append(or, c.String())
		}
		parts = append(parts, "or("+strings.Join(or, ",")+")")
	}
	return strings.Join(parts, "&")
}

func (c Cond) String() string {
	vals := make([]string, len(c.Values))
	for i, v := range c.Values {
		vals[i] = normalize(v)
	}
	if c.Op == OpIn {
		return c.Column + "=in.(" + strings.Join(vals, ",") + ")"
	}
	return c.Column + "=" + string(c.Op) + "." + strings.Join(vals, ",")
}

// Order is a single-column ordering clause.
type Order struct {
	Column string
	Desc   bool
}

func Asc(column string) Order  { return Order{Column: column} }
func Desc(column string) Order { return Order{Column: column, Desc: true} }

func (o Order) IsZero() bool { return o.Column == "" }
