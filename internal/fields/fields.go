// Package fields maps untyped form payloads onto the registration schema.
// Mappings are configuration-driven: each logical field names its candidate
// payload paths, a validator type and a required flag, so deployments can
// reshape inbound forms without code changes.
package fields

import (
	"fmt"
	"strings"

	"github.com/erf/formgate/internal/config"
)

// Logical field names of the registration schema.
const (
	FieldFirstName      = "firstName"
	FieldLastName       = "lastName"
	FieldEmail          = "email"
	FieldPhone          = "phone"
	FieldAddress        = "address"
	FieldDateOfBirth    = "dateOfBirth"
	FieldTurnstileToken = "turnstileToken"
)

// Kind discriminates payload leaf variants.
type Kind int

const (
	KindAbsent Kind = iota
	KindString
	KindNumber
	KindBool
	KindObject
	KindOther // arrays and anything else the schema has no use for
)

// Value is a tagged variant for one leaf pulled out of the payload tree.
// Validators normalize in place: the Value stored on the Result is the
// storage form (lowercased email, E.164 phone, canonical address keys).
type Value struct {
	Kind   Kind
	Str    string
	Num    float64
	Bool   bool
	Object map[string]interface{}
}

// Absent reports whether the field was missing or effectively empty.
func (v Value) Absent() bool { return v.Kind == KindAbsent }

func valueOf(raw interface{}) Value {
	switch t := raw.(type) {
	case nil:
		return Value{Kind: KindAbsent}
	case string:
		return Value{Kind: KindString, Str: t}
	case float64:
		return Value{Kind: KindNumber, Num: t}
	case bool:
		return Value{Kind: KindBool, Bool: t}
	case map[string]interface{}:
		return Value{Kind: KindObject, Object: t}
	default:
		return Value{Kind: KindOther}
	}
}

// empty reports values that count as "not provided": absent leaves,
// whitespace-only strings, and objects with no non-empty members.
func (v Value) empty() bool {
	switch v.Kind {
	case KindAbsent:
		return true
	case KindString:
		return strings.TrimSpace(v.Str) == ""
	case KindObject:
		for _, raw := range v.Object {
			if s, ok := raw.(string); ok && strings.TrimSpace(s) != "" {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// FieldError pins a validation failure to its logical field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors aggregates per-field failures; empty means the payload
// passed.
type ValidationErrors []FieldError

func (e ValidationErrors) Error() string {
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fmt.Sprintf("%s %s", fe.Field, fe.Message)
	}
	return strings.Join(parts, "; ")
}

// mapping is a compiled config.FieldMapping.
type mapping struct {
	field     string
	paths     []string
	required  bool
	validator Validator
}

// Extractor applies a compiled mapping set to untyped payload trees. It is
// immutable after Compile and safe for concurrent use.
type Extractor struct {
	mappings []mapping
}

// Compile resolves each mapping's validator type. The countryPrefix feeds
// phone normalization; empty falls back to "+1".
func Compile(specs []config.FieldMapping, countryPrefix string) (*Extractor, error) {
	if countryPrefix == "" {
		countryPrefix = "+1"
	}

	compiled := make([]mapping, 0, len(specs))
	for _, spec := range specs {
		if spec.Field == "" {
			return nil, fmt.Errorf("field mapping with empty field name")
		}
		if len(spec.Paths) == 0 {
			return nil, fmt.Errorf("field mapping %q has no paths", spec.Field)
		}
		v, err := validatorFor(spec.Type, countryPrefix)
		if err != nil {
			return nil, fmt.Errorf("field mapping %q: %w", spec.Field, err)
		}
		compiled = append(compiled, mapping{
			field:     spec.Field,
			paths:     spec.Paths,
			required:  spec.Required,
			validator: v,
		})
	}
	return &Extractor{mappings: compiled}, nil
}

// Options tweaks one extraction run.
type Options struct {
	// Waive lists logical fields whose required flag is ignored for this
	// request (the pipeline waives turnstileToken under testing bypass).
	Waive []string
}

func (o Options) waived(field string) bool {
	for _, w := range o.Waive {
		if w == field {
			return true
		}
	}
	return false
}

// Result holds the normalized values keyed by logical field name.
type Result struct {
	values map[string]Value
}

// Value returns the normalized value for a logical field; absent fields
// yield a KindAbsent value.
func (r *Result) Value(field string) Value {
	return r.values[field]
}

// Str returns the string form of a field, or "" when absent or non-string.
func (r *Result) Str(field string) string {
	v := r.values[field]
	if v.Kind == KindString {
		return v.Str
	}
	return ""
}

// Has reports whether a field was provided (after normalization).
func (r *Result) Has(field string) bool {
	return !r.values[field].Absent()
}

// Address decodes the canonical address object, or nil when absent.
func (r *Result) Address() *Address {
	v := r.values[FieldAddress]
	if v.Kind != KindObject {
		return nil
	}
	str := func(key string) string {
		s, _ := v.Object[key].(string)
		return s
	}
	return &Address{
		Street:     str("street"),
		Street2:    str("street2"),
		City:       str("city"),
		State:      str("state"),
		PostalCode: str("postalCode"),
		Country:    str("country"),
	}
}

// Extract walks the mapping set over the payload tree: first present path
// wins, empties count as missing, validators normalize. All field failures
// are collected so the client sees every problem at once.
func (e *Extractor) Extract(payload map[string]interface{}, opts Options) (*Result, ValidationErrors) {
	res := &Result{values: make(map[string]Value, len(e.mappings))}
	var errs ValidationErrors

	for _, m := range e.mappings {
		v := Value{Kind: KindAbsent}
		for _, path := range m.paths {
			if raw, ok := lookup(payload, path); ok {
				v = valueOf(raw)
				break
			}
		}

		if v.empty() {
			if m.required && !opts.waived(m.field) {
				errs = append(errs, FieldError{Field: m.field, Message: "is required"})
			}
			res.values[m.field] = Value{Kind: KindAbsent}
			continue
		}

		normalized, err := m.validator.Validate(v)
		if err != nil {
			errs = append(errs, FieldError{Field: m.field, Message: err.Error()})
			res.values[m.field] = Value{Kind: KindAbsent}
			continue
		}
		res.values[m.field] = normalized
	}
	return res, errs
}

// lookup resolves a dot-separated path through nested JSON objects.
func lookup(tree map[string]interface{}, path string) (interface{}, bool) {
	var cur interface{} = tree
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
