package jsonlt

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"unicode/utf8"
)

// Marshal serializes v deterministically: object keys sorted by code point
// at every level, no whitespace, no trailing newline.
//
// In Strict mode numbers use the RFC 8785 (ECMAScript) form: shortest
// round-trip digits, exponent only outside [1e-6, 1e21), -0 written as 0.
// NaN, infinities and numbers beyond float64 range are rejected. In
// Lenient mode [json.Number] text is written as it was read.
//
// Values outside the decoded-JSON set (structs, typed maps and slices) are
// converted through encoding/json first.
func Marshal(v any, mode Mode) ([]byte, error) {
	return appendValue(nil, v, mode, 0)
}

func appendValue(b []byte, v any, mode Mode, depth int) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return append(b, "null"...), nil
	case bool:
		if val {
			return append(b, "true"...), nil
		}

		return append(b, "false"...), nil
	case string:
		return appendString(b, val), nil
	case json.Number:
		return appendNumber(b, val, mode)
	case float64:
		return appendFloat(b, val)
	case float32:
		return appendFloat(b, float64(val))
	case int:
		return appendInt(b, int64(val), mode)
	case int8:
		return appendInt(b, int64(val), mode)
	case int16:
		return appendInt(b, int64(val), mode)
	case int32:
		return appendInt(b, int64(val), mode)
	case int64:
		return appendInt(b, val, mode)
	case uint8:
		return appendInt(b, int64(val), mode)
	case uint16:
		return appendInt(b, int64(val), mode)
	case uint32:
		return appendInt(b, int64(val), mode)
	case uint:
		return appendUint(b, uint64(val), mode)
	case uint64:
		return appendUint(b, val, mode)
	case Key:
		return appendValue(b, val.Value(), mode, depth)
	case map[string]any:
		return appendObject(b, val, mode, depth+1)
	case Record:
		return appendObject(b, val, mode, depth+1)
	case []any:
		return appendArray(b, val, mode, depth+1)
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errorf(ErrParse, "cannot serialize %T: %v", v, err)
	}

	decoded, err := decodeValue(raw, Strict)
	if err != nil {
		return nil, err
	}

	return appendValue(b, decoded, mode, depth)
}

func appendObject(b []byte, obj map[string]any, mode Mode, depth int) ([]byte, error) {
	if depth > MaxDepth {
		return nil, errorf(ErrLimit, "nesting deeper than %d levels", MaxDepth)
	}

	names := make([]string, 0, len(obj))
	for name := range obj {
		names = append(names, name)
	}

	// Byte order of UTF-8 is code point order.
	slices.Sort(names)

	b = append(b, '{')

	for i, name := range names {
		if i > 0 {
			b = append(b, ',')
		}

		b = appendString(b, name)
		b = append(b, ':')

		var err error

		b, err = appendValue(b, obj[name], mode, depth)
		if err != nil {
			return nil, err
		}
	}

	return append(b, '}'), nil
}

func appendArray(b []byte, arr []any, mode Mode, depth int) ([]byte, error) {
	if depth > MaxDepth {
		return nil, errorf(ErrLimit, "nesting deeper than %d levels", MaxDepth)
	}

	b = append(b, '[')

	for i, el := range arr {
		if i > 0 {
			b = append(b, ',')
		}

		var err error

		b, err = appendValue(b, el, mode, depth)
		if err != nil {
			return nil, err
		}
	}

	return append(b, ']'), nil
}

func appendNumber(b []byte, n json.Number, mode Mode) ([]byte, error) {
	if mode != Strict {
		if !validNumber(string(n)) {
			return nil, errorf(ErrParse, "invalid number %q", string(n))
		}

		return append(b, n...), nil
	}

	f, err := strconv.ParseFloat(string(n), 64)
	if err != nil {
		return nil, errorf(ErrLimit, "number %s not representable as a double", string(n))
	}

	return appendFloat(b, f)
}

func appendInt(b []byte, n int64, mode Mode) ([]byte, error) {
	// Beyond 2^53 a double cannot hold every integer; strict output must
	// match what a double-based writer would produce.
	if mode == Strict && (n > MaxInteger || n < -MaxInteger) {
		return appendFloat(b, float64(n))
	}

	return strconv.AppendInt(b, n, 10), nil
}

func appendUint(b []byte, n uint64, mode Mode) ([]byte, error) {
	if mode == Strict && n > MaxInteger {
		return appendFloat(b, float64(n))
	}

	return strconv.AppendUint(b, n, 10), nil
}

// appendFloat writes f in the ECMAScript Number.prototype.toString form
// required by RFC 8785.
func appendFloat(b []byte, f float64) ([]byte, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, errorf(ErrParse, "number %v has no JSON form", f)
	}

	if f == 0 {
		return append(b, '0'), nil
	}

	format := byte('f')
	if abs := math.Abs(f); abs < 1e-6 || abs >= 1e21 {
		format = 'e'
	}

	b = strconv.AppendFloat(b, f, format, -1, 64)

	if format == 'e' {
		// Go writes e-07, ECMAScript writes e-7.
		n := len(b)
		if n >= 4 && b[n-4] == 'e' && b[n-3] == '-' && b[n-2] == '0' {
			b[n-2] = b[n-1]
			b = b[:n-1]
		}
	}

	return b, nil
}

// validNumber reports whether s is a JSON number literal.
func validNumber(s string) bool {
	if s == "" {
		return false
	}

	return json.Valid([]byte(s)) && (s[0] == '-' || (s[0] >= '0' && s[0] <= '9'))
}

const hexDigits = "0123456789abcdef"

// appendString writes s as a JSON string, escaping only what RFC 8785
// requires. Invalid UTF-8 bytes are replaced with U+FFFD.
func appendString(b []byte, s string) []byte {
	b = append(b, '"')

	for i := 0; i < len(s); {
		c := s[i]

		if c < utf8.RuneSelf {
			switch {
			case c == '"':
				b = append(b, '\\', '"')
			case c == '\\':
				b = append(b, '\\', '\\')
			case c == '\b':
				b = append(b, '\\', 'b')
			case c == '\f':
				b = append(b, '\\', 'f')
			case c == '\n':
				b = append(b, '\\', 'n')
			case c == '\r':
				b = append(b, '\\', 'r')
			case c == '\t':
				b = append(b, '\\', 't')
			case c < 0x20:
				b = append(b, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xf])
			default:
				b = append(b, c)
			}

			i++

			continue
		}

		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			b = append(b, "\uFFFD"...)
		} else {
			b = append(b, s[i:i+size]...)
		}

		i += size
	}

	return append(b, '"')
}

// encodeRecord serializes rec as one line including the LF terminator,
// enforcing [MaxRecordBytes].
func encodeRecord(rec map[string]any, mode Mode) ([]byte, error) {
	b, err := appendObject(nil, rec, mode, 1)
	if err != nil {
		return nil, err
	}

	if len(b) > MaxRecordBytes {
		return nil, errorf(ErrLimit, "record is %d bytes, max %d", len(b), MaxRecordBytes)
	}

	return append(b, '\n'), nil
}

// encodeTombstone serializes the tombstone line for k.
func encodeTombstone(spec KeySpec, k Key) ([]byte, error) {
	rec := spec.fieldsOf(k)
	rec[fieldDeleted] = true

	return encodeRecord(rec, Strict)
}

// normalizeRecord validates rec and returns the copy that would be read
// back from its serialized line.
func normalizeRecord(rec Record, mode Mode) (Record, []byte, error) {
	line, err := encodeRecord(rec, mode)
	if err != nil {
		return nil, nil, err
	}

	v, err := decodeValue(line[:len(line)-1], Strict)
	if err != nil {
		return nil, nil, fmt.Errorf("re-reading serialized record: %w", err)
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return nil, nil, errorf(ErrParse, "record is not an object")
	}

	return Record(obj), line, nil
}
