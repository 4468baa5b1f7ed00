package jsonlt

import (
	"encoding/json"
	"maps"
	"reflect"
	"slices"

	"github.com/invopop/jsonschema"
)

// Header is the optional first line of a table file:
//
//	{"$jsonlt":{"key":"id","version":1}}
type Header struct {
	// Version is the format version. Always [FormatVersion].
	Version int

	// Key is the key specifier recorded in the file, or nil.
	Key *KeySpec

	// Schema is a JSON Schema object or a schema reference string. The
	// engine stores it but never validates records against it.
	Schema any

	// Meta is free-form metadata (a JSON object).
	Meta map[string]any

	// Extra holds unrecognized "$jsonlt" members, kept for round-trip.
	Extra map[string]any

	// Siblings holds unrecognized top-level members of the header line.
	Siblings map[string]any
}

// ParseHeader parses a header line. It returns nil, nil if line is a
// valid object that is not a header.
func ParseHeader(line []byte) (*Header, error) {
	l, err := ParseLine(line, Strict)
	if err != nil {
		return nil, err
	}

	return l.Header, nil
}

func headerFromObject(obj map[string]any) (*Header, error) {
	body, ok := obj[fieldHeader].(map[string]any)
	if !ok {
		return nil, errorf(ErrParse, "$jsonlt must be an object")
	}

	h := &Header{}

	for name, v := range obj {
		if name == fieldHeader {
			continue
		}

		if h.Siblings == nil {
			h.Siblings = map[string]any{}
		}

		h.Siblings[name] = v
	}

	rawVersion, ok := body["version"]
	if !ok {
		return nil, errorf(ErrParse, "header has no version")
	}

	version, err := scalarKeyOf(rawVersion)
	if n, isInt := version.Int(); err != nil || !isInt || n != FormatVersion {
		return nil, errorf(ErrParse, "unsupported header version %v", rawVersion)
	}

	h.Version = FormatVersion

	for name, v := range body {
		switch name {
		case "version":
		case "key":
			spec, err := keySpecFromValue(v)
			if err != nil {
				return nil, err
			}

			h.Key = &spec
		case "schema":
			switch v.(type) {
			case string, map[string]any:
			default:
				return nil, errorf(ErrParse, "header schema must be a string or an object")
			}

			h.Schema = v
		case "meta":
			meta, ok := v.(map[string]any)
			if !ok {
				return nil, errorf(ErrParse, "header meta must be an object")
			}

			h.Meta = meta
		default:
			if h.Extra == nil {
				h.Extra = map[string]any{}
			}

			h.Extra[name] = v
		}
	}

	return h, nil
}

// object returns the header line as a decoded object.
func (h *Header) object() map[string]any {
	body := maps.Clone(h.Extra)
	if body == nil {
		body = map[string]any{}
	}

	body["version"] = FormatVersion

	if h.Key != nil {
		body["key"] = h.Key.value()
	}

	if h.Schema != nil {
		body["schema"] = h.Schema
	}

	if h.Meta != nil {
		body["meta"] = h.Meta
	}

	obj := maps.Clone(h.Siblings)
	if obj == nil {
		obj = map[string]any{}
	}

	obj[fieldHeader] = body

	return obj
}

// MarshalStrict returns the canonical header line, without terminator.
func (h *Header) MarshalStrict() ([]byte, error) {
	return Marshal(h.object(), Strict)
}

// Clone returns a deep copy.
func (h *Header) Clone() *Header {
	if h == nil {
		return nil
	}

	out := &Header{Version: h.Version, Schema: cloneValue(h.Schema)}

	if h.Key != nil {
		out.Key = &KeySpec{fields: slices.Clone(h.Key.fields), tuple: h.Key.tuple}
	}

	if h.Meta != nil {
		out.Meta = cloneObject(h.Meta)
	}

	if h.Extra != nil {
		out.Extra = cloneObject(h.Extra)
	}

	if h.Siblings != nil {
		out.Siblings = cloneObject(h.Siblings)
	}

	return out
}

// Reconcile decides the key specifier of a table from the file header
// (may be nil) and the caller's spec (may be zero). If both are present
// they must be structurally equal. Having neither is an [ErrKey].
func Reconcile(h *Header, caller KeySpec) (KeySpec, error) {
	var fromFile KeySpec
	if h != nil && h.Key != nil {
		fromFile = *h.Key
	}

	switch {
	case fromFile.IsZero() && caller.IsZero():
		return KeySpec{}, errorf(ErrKey, "no key specifier in header or options")
	case fromFile.IsZero():
		err := caller.Validate()
		if err != nil {
			return KeySpec{}, err
		}

		return caller, nil
	case caller.IsZero():
		return fromFile, nil
	case !fromFile.Equal(caller):
		return KeySpec{}, errorf(ErrKey, "key specifier %s does not match header key %s", caller, fromFile)
	}

	return fromFile, nil
}

// SchemaFor returns a JSON Schema describing T, inlined without $ref, for
// use as [Options.Schema].
func SchemaFor[T any]() (map[string]any, error) {
	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true}

	s := r.ReflectFromType(reflect.TypeFor[T]())

	raw, err := json.Marshal(s)
	if err != nil {
		return nil, errorf(ErrParse, "encoding schema: %v", err)
	}

	v, err := decodeValue(raw, Strict)
	if err != nil {
		return nil, err
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return nil, errorf(ErrParse, "schema is not an object")
	}

	return obj, nil
}
