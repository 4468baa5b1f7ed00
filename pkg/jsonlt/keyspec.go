package jsonlt

import (
	"fmt"
	"slices"
	"strings"
)

// KeySpec names the record field(s) that form a [Key]: one field for a
// scalar key, or an ordered list of fields for a tuple key.
//
// The zero KeySpec means "none given". A one-field tuple spec
// (TupleKeySpec("id")) is distinct from ScalarKey("id"): its keys are
// one-element tuples.
type KeySpec struct {
	fields []string
	tuple  bool
}

// ScalarKey returns a spec for a scalar key stored in field.
func ScalarKey(field string) KeySpec {
	return KeySpec{fields: []string{field}}
}

// TupleKeySpec returns a spec for a tuple key built from fields, in order.
func TupleKeySpec(fields ...string) KeySpec {
	return KeySpec{fields: slices.Clone(fields), tuple: true}
}

// IsZero reports whether no spec was given.
func (s KeySpec) IsZero() bool {
	return len(s.fields) == 0 && !s.tuple
}

// IsTuple reports whether keys are tuples.
func (s KeySpec) IsTuple() bool {
	return s.tuple
}

// Fields returns a copy of the key field names.
func (s KeySpec) Fields() []string {
	return slices.Clone(s.fields)
}

// Equal reports structural equality: same shape, same names, same order.
func (s KeySpec) Equal(other KeySpec) bool {
	return s.tuple == other.tuple && slices.Equal(s.fields, other.fields)
}

// Validate checks the key specifier: 1..[MaxTupleElements] non-empty, distinct
// field names, none starting with '$'.
func (s KeySpec) Validate() error {
	if len(s.fields) == 0 {
		return errorf(ErrKey, "key specifier has no fields")
	}

	if len(s.fields) > MaxTupleElements {
		return errorf(ErrLimit, "key specifier has %d fields, max %d", len(s.fields), MaxTupleElements)
	}

	for i, f := range s.fields {
		if f == "" {
			return errorf(ErrKey, "key field %d is empty", i)
		}

		if strings.HasPrefix(f, "$") {
			return errorf(ErrKey, "key field %q is reserved", f)
		}

		if slices.Contains(s.fields[:i], f) {
			return errorf(ErrKey, "duplicate key field %q", f)
		}
	}

	return nil
}

// String returns the header form: "id" or ["a","b"].
func (s KeySpec) String() string {
	b, err := s.MarshalJSON()
	if err != nil {
		return "<none>"
	}

	return string(b)
}

// MarshalJSON encodes the key specifier as it appears in a header.
func (s KeySpec) MarshalJSON() ([]byte, error) {
	return Marshal(s.value(), Strict)
}

// UnmarshalJSON accepts a string or an array of strings.
func (s *KeySpec) UnmarshalJSON(data []byte) error {
	v, err := decodeValue(data, Strict)
	if err != nil {
		return err
	}

	spec, err := keySpecFromValue(v)
	if err != nil {
		return err
	}

	*s = spec

	return nil
}

func (s KeySpec) value() any {
	if s.IsZero() {
		return nil
	}

	if !s.tuple {
		return s.fields[0]
	}

	out := make([]any, len(s.fields))
	for i, f := range s.fields {
		out[i] = f
	}

	return out
}

// keySpecFromValue converts a decoded header "key" value.
func keySpecFromValue(v any) (KeySpec, error) {
	var spec KeySpec

	switch val := v.(type) {
	case string:
		spec = ScalarKey(val)
	case []any:
		fields := make([]string, len(val))

		for i, el := range val {
			name, ok := el.(string)
			if !ok {
				return KeySpec{}, errorf(ErrParse, "key specifier element %d is not a string", i)
			}

			fields[i] = name
		}

		spec = TupleKeySpec(fields...)
	default:
		return KeySpec{}, errorf(ErrParse, "key specifier must be a string or an array of strings")
	}

	err := spec.Validate()
	if err != nil {
		return KeySpec{}, err
	}

	return spec, nil
}

// KeyOf extracts and normalizes the key of rec.
func (s KeySpec) KeyOf(rec Record) (Key, error) {
	if s.IsZero() {
		return Key{}, errorf(ErrKey, "no key specifier")
	}

	if !s.tuple {
		v, ok := rec[s.fields[0]]
		if !ok {
			return Key{}, errorf(ErrKey, "missing key field %q", s.fields[0])
		}

		k, err := scalarKeyOf(v)
		if err != nil {
			return Key{}, fmt.Errorf("key field %q: %w", s.fields[0], err)
		}

		return k, nil
	}

	elems := make([]Key, len(s.fields))

	for i, f := range s.fields {
		v, ok := rec[f]
		if !ok {
			return Key{}, errorf(ErrKey, "missing key field %q", f)
		}

		k, err := scalarKeyOf(v)
		if err != nil {
			return Key{}, fmt.Errorf("key field %q: %w", f, err)
		}

		elems[i] = k
	}

	return TupleKey(elems...)
}

// check verifies that k has the shape this spec produces.
func (s KeySpec) check(k Key) error {
	switch {
	case k.IsZero():
		return errorf(ErrKey, "zero Key")
	case s.tuple && k.typ != KeyTuple:
		return errorf(ErrKey, "key %s is not a tuple, specifier is %s", k, s)
	case !s.tuple && k.typ == KeyTuple:
		return errorf(ErrKey, "key %s is a tuple, specifier is %s", k, s)
	case s.tuple && k.Len() != len(s.fields):
		return errorf(ErrKey, "key %s has %d elements, specifier has %d", k, k.Len(), len(s.fields))
	}

	return nil
}

// fieldsOf returns the key fields of k as record fields.
func (s KeySpec) fieldsOf(k Key) Record {
	rec := make(Record, len(s.fields)+1)

	if !s.tuple {
		rec[s.fields[0]] = k.Value()

		return rec
	}

	for i, el := range k.Elements() {
		rec[s.fields[i]] = el.Value()
	}

	return rec
}
