package proptype

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// TypeMismatchError reports a value whose runtime type does not match its definition.
type TypeMismatchError struct {
	Field    string
	Expected Type
	Got      string
}

func (e *TypeMismatchError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("expected %s, got %s", e.Expected, e.Got)
	}
	return fmt.Sprintf("%s: expected %s, got %s", e.Field, e.Expected, e.Got)
}

// PicklistViolationError reports a string outside the allowed picklist values.
type PicklistViolationError struct {
	Field   string
	Value   string
	Allowed []string
}

func (e *PicklistViolationError) Error() string {
	msg := fmt.Sprintf("%q is not one of [%s]", e.Value, strings.Join(e.Allowed, ", "))
	if e.Field == "" {
		return msg
	}
	return e.Field + ": " + msg
}

// WithField returns err annotated with the field name when it is a value error.
func WithField(err error, field string) error {
	var tm *TypeMismatchError
	if errors.As(err, &tm) {
		cp := *tm
		cp.Field = field
		return &cp
	}
	var pv *PicklistViolationError
	if errors.As(err, &pv) {
		cp := *pv
		cp.Field = field
		return &cp
	}
	return err
}

// ValidateValue checks value against def. A nil value is accepted; presence of
// required properties is checked by the caller that knows the whole record.
func ValidateValue(def Definition, value any) error {
	_, err := Normalize(def, value)
	return err
}

// Normalize validates value and returns its canonical stored form: numbers become
// float64 and dates become RFC 3339 strings in UTC.
func Normalize(def Definition, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch d := def.(type) {
	case StringProperty:
		s, ok := value.(string)
		if !ok {
			return nil, &TypeMismatchError{Expected: String, Got: Describe(value)}
		}
		if allowed := d.Allowed(); allowed != nil {
			for _, a := range allowed {
				if a == s {
					return s, nil
				}
			}
			return nil, &PicklistViolationError{Value: s, Allowed: allowed}
		}
		return s, nil
	case NumberProperty:
		f, ok := ToNumber(value)
		if !ok {
			return nil, &TypeMismatchError{Expected: Number, Got: Describe(value)}
		}
		return f, nil
	case BooleanProperty:
		b, ok := value.(bool)
		if !ok {
			return nil, &TypeMismatchError{Expected: Boolean, Got: Describe(value)}
		}
		return b, nil
	case DateProperty:
		t, ok := ToTime(value)
		if !ok {
			return nil, &TypeMismatchError{Expected: Date, Got: Describe(value)}
		}
		return t.UTC().Format(time.RFC3339Nano), nil
	case ReferenceProperty:
		s, ok := value.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return nil, &TypeMismatchError{Expected: Reference, Got: Describe(value)}
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported definition %T", def)
	}
}

// ToNumber converts native Go numbers and json.Number. Numeric strings are not numbers.
func ToNumber(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int8:
		f = float64(n)
	case int16:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint8:
		f = float64(n)
	case uint16:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

var dateLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

// ToTime accepts time.Time or a string in RFC 3339 or date-only form.
func ToTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

// Describe names the JSON kind of a value for error messages.
func Describe(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	case time.Time, *time.Time:
		return "date"
	}
	if _, ok := ToNumber(v); ok {
		return "number"
	}
	return fmt.Sprintf("%T", v)
}

// Format renders a value the way criteria failure reasons print it.
func Format(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			parts = append(parts, Format(item))
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	if f, ok := ToNumber(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

// Equal compares two values under the semantics of t. When t is empty the kind is
// inferred from the values. Numbers and booleans use native equality, dates compare
// as instants and strings compare exactly.
func Equal(t Type, a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch kind(t, a, b) {
	case Number:
		x, ok1 := ToNumber(a)
		y, ok2 := ToNumber(b)
		return ok1 && ok2 && x == y
	case Boolean:
		x, ok1 := a.(bool)
		y, ok2 := b.(bool)
		return ok1 && ok2 && x == y
	case Date:
		x, ok1 := ToTime(a)
		y, ok2 := ToTime(b)
		return ok1 && ok2 && x.Equal(y)
	default:
		x, ok1 := a.(string)
		y, ok2 := b.(string)
		return ok1 && ok2 && x == y
	}
}

// ErrIncomparable is returned by Compare for values without an ordering.
var ErrIncomparable = errors.New("values are not comparable")

// Compare orders a and b under the semantics of t, returning -1, 0 or 1.
func Compare(t Type, a, b any) (int, error) {
	if a == nil || b == nil {
		return 0, ErrIncomparable
	}
	switch kind(t, a, b) {
	case Number:
		x, ok1 := ToNumber(a)
		y, ok2 := ToNumber(b)
		if !ok1 || !ok2 {
			return 0, ErrIncomparable
		}
		switch {
		case x < y:
			return -1, nil
		case x > y:
			return 1, nil
		}
		return 0, nil
	case Date:
		x, ok1 := ToTime(a)
		y, ok2 := ToTime(b)
		if !ok1 || !ok2 {
			return 0, ErrIncomparable
		}
		return x.Compare(y), nil
	case String, Reference:
		x, ok1 := a.(string)
		y, ok2 := b.(string)
		if !ok1 || !ok2 {
			return 0, ErrIncomparable
		}
		return strings.Compare(x, y), nil
	default:
		return 0, ErrIncomparable
	}
}

func kind(t Type, a, b any) Type {
	if t != "" {
		return t
	}
	if _, ok := ToNumber(a); ok {
		if _, ok := ToNumber(b); ok {
			return Number
		}
	}
	if _, ok := a.(bool); ok {
		return Boolean
	}
	_, aTime := a.(time.Time)
	_, bTime := b.(time.Time)
	if aTime || bTime {
		return Date
	}
	return String
}
