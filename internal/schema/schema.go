// Package schema implements the structural shapes handlers declare for their
// inputs and outputs. Shapes describe fields with kinds, requiredness, and
// per-field constraints (ranges, lengths, enums, patterns); validation
// reports the first failing path. Unknown fields pass through untouched so
// opaque metadata maps survive the boundary.
package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
)

// Kind is the primitive kind of a field.
type Kind int

const (
	String Kind = iota
	Int
	Float
	Bool
	Object
	Array
	Any
)

func (k Kind) String() string {
	switch k {
	case String:
		return "string"
	case Int:
		return "int"
	case Float:
		return "float"
	case Bool:
		return "bool"
	case Object:
		return "object"
	case Array:
		return "array"
	default:
		return "any"
	}
}

// Field constrains one named field of a shape.
type Field struct {
	Kind     Kind
	Required bool

	// Numeric bounds, inclusive. Nil means unbounded.
	Min *float64
	Max *float64

	// MaxLen bounds string length (runes) or array length.
	MaxLen int

	// Enum restricts string values.
	Enum []string

	// Pattern is an anchored regular expression for strings.
	Pattern *regexp.Regexp

	// Elem constrains array elements; nil means any.
	Elem *Field

	// Fields constrains nested objects; nil means opaque.
	Fields Shape

	// Default is applied by ApplyDefaults when the field is absent.
	Default any
}

// Shape is a named set of field constraints.
type Shape map[string]*Field

// ValidationError reports the first violated constraint and its path.
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("field %q: %s", e.Path, e.Reason)
}

// Validate checks the value map against the shape.
func (s Shape) Validate(value map[string]any) error {
	return s.validate(value, "")
}

func (s Shape) validate(value map[string]any, prefix string) error {
	for name, field := range s {
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		v, present := value[name]
		if !present || v == nil {
			if field.Required {
				return &ValidationError{Path: path, Reason: "required"}
			}
			continue
		}
		if err := field.check(v, path); err != nil {
			return err
		}
	}
	return nil
}

func (f *Field) check(v any, path string) error {
	switch f.Kind {
	case Any:
		return nil

	case String:
		str, ok := v.(string)
		if !ok {
			return &ValidationError{Path: path, Reason: "expected string"}
		}
		if f.MaxLen > 0 && len([]rune(str)) > f.MaxLen {
			return &ValidationError{Path: path, Reason: fmt.Sprintf("longer than %d", f.MaxLen)}
		}
		if len(f.Enum) > 0 && !contains(f.Enum, str) {
			return &ValidationError{Path: path, Reason: "not one of " + strings.Join(f.Enum, "|")}
		}
		if f.Pattern != nil && !f.Pattern.MatchString(str) {
			return &ValidationError{Path: path, Reason: "does not match " + f.Pattern.String()}
		}
		return f.checkMin(float64(len(str)), path, "shorter than")

	case Int:
		n, ok := asNumber(v)
		if !ok || n != math.Trunc(n) {
			return &ValidationError{Path: path, Reason: "expected integer"}
		}
		return f.checkBounds(n, path)

	case Float:
		n, ok := asNumber(v)
		if !ok {
			return &ValidationError{Path: path, Reason: "expected number"}
		}
		return f.checkBounds(n, path)

	case Bool:
		if _, ok := v.(bool); !ok {
			return &ValidationError{Path: path, Reason: "expected bool"}
		}
		return nil

	case Object:
		obj, ok := v.(map[string]any)
		if !ok {
			return &ValidationError{Path: path, Reason: "expected object"}
		}
		if f.Fields != nil {
			return f.Fields.validate(obj, path)
		}
		return nil

	case Array:
		arr, ok := v.([]any)
		if !ok {
			return &ValidationError{Path: path, Reason: "expected array"}
		}
		if f.MaxLen > 0 && len(arr) > f.MaxLen {
			return &ValidationError{Path: path, Reason: fmt.Sprintf("longer than %d", f.MaxLen)}
		}
		if f.Elem != nil {
			for i, el := range arr {
				if err := f.Elem.check(el, fmt.Sprintf("%s[%d]", path, i)); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return nil
}

func (f *Field) checkBounds(n float64, path string) error {
	if f.Min != nil && n < *f.Min {
		return &ValidationError{Path: path, Reason: fmt.Sprintf("below minimum %v", *f.Min)}
	}
	if f.Max != nil && n > *f.Max {
		return &ValidationError{Path: path, Reason: fmt.Sprintf("above maximum %v", *f.Max)}
	}
	return nil
}

func (f *Field) checkMin(n float64, path, reason string) error {
	if f.Min != nil && n < *f.Min {
		return &ValidationError{Path: path, Reason: fmt.Sprintf("%s %v", reason, *f.Min)}
	}
	return nil
}

// ApplyDefaults fills absent fields that declare a default. The input map is
// mutated and returned.
func (s Shape) ApplyDefaults(value map[string]any) map[string]any {
	if value == nil {
		value = make(map[string]any)
	}
	for name, field := range s {
		if _, present := value[name]; !present && field.Default != nil {
			value[name] = field.Default
		}
	}
	return value
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Helpers for terse shape literals.

func F(v float64) *float64 { return &v }

func Str(required bool, maxLen int) *Field {
	return &Field{Kind: String, Required: required, MaxLen: maxLen}
}

func IntRange(required bool, min, max float64) *Field {
	return &Field{Kind: Int, Required: required, Min: F(min), Max: F(max)}
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
