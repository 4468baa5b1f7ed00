package jsonlt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// Record is one JSON object.
//
// Values are decoded as nil, bool, string, [json.Number], []any and
// map[string]any. Records handed out by a [Table] are deep copies; callers
// may modify them freely.
type Record map[string]any

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}

	return Record(cloneObject(r))
}

func cloneObject(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}

	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneObject(val)
	case Record:
		return cloneObject(val)
	case []any:
		out := make([]any, len(val))
		for i, el := range val {
			out[i] = cloneValue(el)
		}

		return out
	default:
		return v
	}
}

// decodeValue parses exactly one JSON value from data.
//
// Numbers decode as [json.Number] so their text survives. Duplicate object
// keys fail with [ErrParse] in Strict mode and resolve last-value-wins in
// Lenient mode. Nesting beyond [MaxDepth] fails with [ErrLimit].
func decodeValue(data []byte, mode Mode) (any, error) {
	if !utf8.Valid(data) {
		return nil, errorf(ErrParse, "invalid UTF-8")
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	d := decoder{dec: dec, mode: mode}

	v, err := d.value(0)
	if err != nil {
		return nil, err
	}

	_, err = dec.Token()
	if !errors.Is(err, io.EOF) {
		return nil, errorf(ErrParse, "trailing data after JSON value")
	}

	return v, nil
}

type decoder struct {
	dec  *json.Decoder
	mode Mode
}

func (d *decoder) token() (json.Token, error) {
	tok, err := d.dec.Token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errorf(ErrParse, "unexpected end of JSON input")
		}

		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}

	return tok, nil
}

func (d *decoder) value(depth int) (any, error) {
	tok, err := d.token()
	if err != nil {
		return nil, err
	}

	delim, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}

	if depth+1 > MaxDepth {
		return nil, errorf(ErrLimit, "nesting deeper than %d levels", MaxDepth)
	}

	switch delim {
	case '{':
		return d.object(depth + 1)
	case '[':
		return d.array(depth + 1)
	}

	return nil, errorf(ErrParse, "unexpected %q", delim)
}

func (d *decoder) object(depth int) (map[string]any, error) {
	obj := map[string]any{}

	for d.dec.More() {
		tok, err := d.token()
		if err != nil {
			return nil, err
		}

		name, ok := tok.(string)
		if !ok {
			return nil, errorf(ErrParse, "object key is not a string")
		}

		if _, dup := obj[name]; dup && d.mode == Strict {
			return nil, errorf(ErrParse, "duplicate object key %q", name)
		}

		v, err := d.value(depth)
		if err != nil {
			return nil, err
		}

		obj[name] = v
	}

	// Closing brace.
	if _, err := d.token(); err != nil {
		return nil, err
	}

	return obj, nil
}

func (d *decoder) array(depth int) ([]any, error) {
	arr := []any{}

	for d.dec.More() {
		v, err := d.value(depth)
		if err != nil {
			return nil, err
		}

		arr = append(arr, v)
	}

	if _, err := d.token(); err != nil {
		return nil, err
	}

	return arr, nil
}
