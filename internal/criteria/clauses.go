package criteria

import (
	"fmt"

	"metaflow/internal/domain"
	"metaflow/internal/proptype"
)

// EvaluateClauses ANDs clauses in declared order. On failure it returns the reason of
// the first failing clause.
func EvaluateClauses(t domain.ObjectType, obj domain.Object, clauses []domain.Clause) (bool, string) {
	for _, c := range clauses {
		if ok, reason := EvaluateClause(t, obj, c); !ok {
			return false, reason
		}
	}
	return true, ""
}

// EvaluateClause tests a single clause. The failure reason reads as the negation of
// the clause ("stage != Open") unless the clause carries its own message.
func EvaluateClause(t domain.ObjectType, obj domain.Object, c domain.Clause) (bool, string) {
	typ := fieldType(t, c.Field)
	v := fieldValue(obj, c.Field)
	want := proptype.Format(c.Value)

	var ok bool
	var reason string
	switch c.Op {
	case domain.OpEq:
		ok = v != nil && proptype.Equal(typ, v, c.Value)
		reason = fmt.Sprintf("%s != %s", c.Field, want)
	case domain.OpNeq:
		ok = v == nil || !proptype.Equal(typ, v, c.Value)
		reason = fmt.Sprintf("%s == %s", c.Field, want)
	case domain.OpIn:
		ok = contains(typ, c.Value, v)
		reason = fmt.Sprintf("%s not in %s", c.Field, want)
	case domain.OpNotIn:
		ok = !contains(typ, c.Value, v)
		reason = fmt.Sprintf("%s in %s", c.Field, want)
	case domain.OpGt:
		ok = compare(typ, v, c.Value, func(n int) bool { return n > 0 })
		reason = fmt.Sprintf("%s <= %s", c.Field, want)
	case domain.OpGte:
		ok = compare(typ, v, c.Value, func(n int) bool { return n >= 0 })
		reason = fmt.Sprintf("%s < %s", c.Field, want)
	case domain.OpLt:
		ok = compare(typ, v, c.Value, func(n int) bool { return n < 0 })
		reason = fmt.Sprintf("%s >= %s", c.Field, want)
	case domain.OpLte:
		ok = compare(typ, v, c.Value, func(n int) bool { return n <= 0 })
		reason = fmt.Sprintf("%s > %s", c.Field, want)
	case domain.OpExists:
		ok = !empty(v)
		reason = fmt.Sprintf("%s is empty", c.Field)
	case domain.OpNotExists:
		ok = empty(v)
		reason = fmt.Sprintf("%s is set", c.Field)
	default:
		reason = fmt.Sprintf("unknown operator %s", c.Op)
	}
	if ok {
		return true, ""
	}
	if c.Message != "" {
		reason = c.Message
	}
	return false, reason
}

func fieldType(t domain.ObjectType, field string) proptype.Type {
	if field == "id" {
		return proptype.String
	}
	if spec, ok := t.Properties.Get(field); ok {
		return spec.Type
	}
	return ""
}

func fieldValue(obj domain.Object, field string) any {
	if field == "id" {
		return obj.ID
	}
	return obj.Fields[field]
}

func contains(typ proptype.Type, list, v any) bool {
	if v == nil {
		return false
	}
	for _, item := range items(list) {
		if proptype.Equal(typ, v, item) {
			return true
		}
	}
	return false
}

func items(list any) []any {
	switch l := list.(type) {
	case []any:
		return l
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out
	case []float64:
		out := make([]any, len(l))
		for i, f := range l {
			out[i] = f
		}
		return out
	}
	return nil
}

// compare is false when either side is missing or the values have no order.
func compare(typ proptype.Type, a, b any, accept func(int) bool) bool {
	n, err := proptype.Compare(typ, a, b)
	return err == nil && accept(n)
}

func empty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	return false
}
