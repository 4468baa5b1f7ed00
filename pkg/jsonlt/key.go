package jsonlt

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
)

// KeyType is the shape of a [Key].
type KeyType uint8

// Key shapes. The zero [Key] has type KeyInvalid.
const (
	KeyInvalid KeyType = iota
	KeyInt
	KeyString
	KeyTuple
)

func (t KeyType) String() string {
	switch t {
	case KeyInt:
		return "int"
	case KeyString:
		return "string"
	case KeyTuple:
		return "tuple"
	case KeyInvalid:
		return "invalid"
	}

	return "KeyType(" + strconv.Itoa(int(t)) + ")"
}

// Key identifies a record: an integer, a string, or a tuple of integers
// and strings.
//
// Keys are immutable values. Equal keys compare equal with == and can be
// used as map keys: numeric forms such as 1, 1.0 and 1e0 all produce the
// same Key. Build keys with [IntKey], [StringKey], [TupleKey] or [KeyOf].
type Key struct {
	typ KeyType
	num int64
	// str holds the string value, or the packed elements of a tuple.
	str string
}

// IntKey returns an integer key. It fails with [ErrKey] outside
// ±[MaxInteger].
func IntKey(n int64) (Key, error) {
	if n > MaxInteger || n < -MaxInteger {
		return Key{}, errorf(ErrKey, "integer key %d outside ±(2^53-1)", n)
	}

	return Key{typ: KeyInt, num: n}, nil
}

// StringKey returns a string key. The empty string is a valid key.
// Strings over [MaxKeyBytes] fail with [ErrLimit]; invalid UTF-8 fails
// with [ErrKey].
func StringKey(s string) (Key, error) {
	if len(s) > MaxKeyBytes {
		return Key{}, errorf(ErrLimit, "string key is %d bytes, max %d", len(s), MaxKeyBytes)
	}

	if !utf8.ValidString(s) {
		return Key{}, errorf(ErrKey, "string key is not valid UTF-8")
	}

	return Key{typ: KeyString, str: s}, nil
}

// TupleKey returns a tuple of 1..[MaxTupleElements] scalar keys.
func TupleKey(elems ...Key) (Key, error) {
	if len(elems) == 0 {
		return Key{}, errorf(ErrKey, "tuple key is empty")
	}

	if len(elems) > MaxTupleElements {
		return Key{}, errorf(ErrLimit, "tuple key has %d elements, max %d", len(elems), MaxTupleElements)
	}

	var b []byte

	for i, el := range elems {
		switch el.typ {
		case KeyInt:
			b = append(b, 'i')
			b = binary.BigEndian.AppendUint64(b, uint64(el.num))
		case KeyString:
			b = append(b, 's')
			b = binary.AppendUvarint(b, uint64(len(el.str)))
			b = append(b, el.str...)
		case KeyTuple, KeyInvalid:
			return Key{}, errorf(ErrKey, "tuple element %d must be an integer or string, got %s", i, el.typ)
		}
	}

	return Key{typ: KeyTuple, num: int64(len(elems)), str: string(b)}, nil
}

// MustKey is [KeyOf] that panics on error. Intended for tests and
// literals.
func MustKey(v any) Key {
	k, err := KeyOf(v)
	if err != nil {
		panic(err)
	}

	return k
}

// KeyOf normalizes a Go or decoded-JSON value into a Key.
//
// Accepted: [Key]; string; signed and unsigned integers; float32/float64
// and [json.Number] holding an integral value; []any, []string and
// []int64 as tuples. Everything else, including nil, bool, maps and
// nested arrays, fails with [ErrKey].
func KeyOf(v any) (Key, error) {
	switch val := v.(type) {
	case []any:
		elems := make([]Key, len(val))

		for i, el := range val {
			k, err := scalarKeyOf(el)
			if err != nil {
				return Key{}, fmt.Errorf("tuple element %d: %w", i, err)
			}

			elems[i] = k
		}

		return TupleKey(elems...)
	case []string:
		elems := make([]Key, len(val))

		for i, el := range val {
			k, err := StringKey(el)
			if err != nil {
				return Key{}, fmt.Errorf("tuple element %d: %w", i, err)
			}

			elems[i] = k
		}

		return TupleKey(elems...)
	case []int64:
		elems := make([]Key, len(val))

		for i, el := range val {
			k, err := IntKey(el)
			if err != nil {
				return Key{}, fmt.Errorf("tuple element %d: %w", i, err)
			}

			elems[i] = k
		}

		return TupleKey(elems...)
	case Key:
		if val.typ == KeyInvalid {
			return Key{}, errorf(ErrKey, "zero Key")
		}

		return val, nil
	}

	return scalarKeyOf(v)
}

func scalarKeyOf(v any) (Key, error) {
	switch val := v.(type) {
	case Key:
		if val.typ != KeyInt && val.typ != KeyString {
			return Key{}, errorf(ErrKey, "expected scalar key, got %s", val.typ)
		}

		return val, nil
	case string:
		return StringKey(val)
	case json.Number:
		return numberKey(string(val))
	case int:
		return IntKey(int64(val))
	case int8:
		return IntKey(int64(val))
	case int16:
		return IntKey(int64(val))
	case int32:
		return IntKey(int64(val))
	case int64:
		return IntKey(val)
	case uint:
		return uintKey(uint64(val))
	case uint8:
		return IntKey(int64(val))
	case uint16:
		return IntKey(int64(val))
	case uint32:
		return IntKey(int64(val))
	case uint64:
		return uintKey(val)
	case float32:
		return floatKey(float64(val))
	case float64:
		return floatKey(val)
	case nil:
		return Key{}, errorf(ErrKey, "key is null")
	case bool:
		return Key{}, errorf(ErrKey, "key is a boolean")
	case map[string]any, Record:
		return Key{}, errorf(ErrKey, "key is an object")
	case []any:
		return Key{}, errorf(ErrKey, "key element is an array")
	}

	return Key{}, errorf(ErrKey, "unsupported key type %T", v)
}

func uintKey(n uint64) (Key, error) {
	if n > MaxInteger {
		return Key{}, errorf(ErrKey, "integer key %d outside ±(2^53-1)", n)
	}

	return IntKey(int64(n))
}

func floatKey(f float64) (Key, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Key{}, errorf(ErrKey, "key %v is not finite", f)
	}

	if math.Trunc(f) != f {
		return Key{}, errorf(ErrKey, "key %v is not an integer", f)
	}

	if math.Abs(f) > MaxInteger {
		return Key{}, errorf(ErrKey, "integer key %v outside ±(2^53-1)", f)
	}

	return IntKey(int64(f))
}

// numberKey normalizes JSON number text exactly, without going through
// float64, so 9007199254740990.5 is rejected even though it rounds to an
// integer.
func numberKey(text string) (Key, error) {
	neg, digits, exp, ok := splitNumber(text)
	if !ok {
		return Key{}, errorf(ErrKey, "invalid number %q", text)
	}

	digits = strings.TrimLeft(digits, "0")

	for len(digits) > 0 && digits[len(digits)-1] == '0' {
		digits = digits[:len(digits)-1]
		exp++
	}

	if digits == "" {
		return Key{typ: KeyInt}, nil
	}

	if exp < 0 {
		return Key{}, errorf(ErrKey, "key %s is not an integer", text)
	}

	// MaxInteger has 16 digits.
	if len(digits)+exp > 16 {
		return Key{}, errorf(ErrKey, "integer key %s outside ±(2^53-1)", text)
	}

	n, err := strconv.ParseInt(digits+strings.Repeat("0", exp), 10, 64)
	if err != nil || n > MaxInteger {
		return Key{}, errorf(ErrKey, "integer key %s outside ±(2^53-1)", text)
	}

	if neg {
		n = -n
	}

	return IntKey(n)
}

// splitNumber splits JSON number text into sign, significant digits
// (integer and fraction concatenated) and the base-10 exponent to apply
// to them.
func splitNumber(text string) (bool, string, int, bool) {
	s := text
	neg := false

	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}

	mantissa, expText, hasExp := strings.Cut(strings.ToLower(s), "e")
	intPart, frac, _ := strings.Cut(mantissa, ".")

	if intPart == "" || !allDigits(intPart) || !allDigits(frac) {
		return false, "", 0, false
	}

	exp := 0

	if hasExp {
		expText = strings.TrimPrefix(expText, "+")
		if expText == "" || !allDigits(strings.TrimPrefix(expText, "-")) {
			return false, "", 0, false
		}

		// Anything this large is out of range or zero anyway; cap it so the
		// digit arithmetic below cannot overflow.
		e, err := strconv.Atoi(expText)
		if err != nil || e > 1000 || e < -1000 {
			if strings.Trim(intPart+frac, "0") == "" {
				return neg, "0", 0, true
			}

			if strings.HasPrefix(expText, "-") {
				return neg, "1", -1, true
			}

			return neg, "1", 1000, true
		}

		exp = e
	}

	return neg, intPart + frac, exp - len(frac), true
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}

	return true
}

// Type returns the shape of the key.
func (k Key) Type() KeyType {
	return k.typ
}

// IsZero reports whether k is the zero Key (not a valid key).
func (k Key) IsZero() bool {
	return k.typ == KeyInvalid
}

// Int returns the integer value of an integer key.
func (k Key) Int() (int64, bool) {
	return k.num, k.typ == KeyInt
}

// Str returns the value of a string key.
func (k Key) Str() (string, bool) {
	if k.typ != KeyString {
		return "", false
	}

	return k.str, true
}

// Len returns the number of elements: the arity for tuples, 1 for scalars,
// 0 for the zero Key.
func (k Key) Len() int {
	switch k.typ {
	case KeyTuple:
		return int(k.num)
	case KeyInt, KeyString:
		return 1
	case KeyInvalid:
		return 0
	}

	return 0
}

// Elements returns the elements of a tuple key, or the key itself as a
// one-element slice for scalars.
func (k Key) Elements() []Key {
	switch k.typ {
	case KeyInt, KeyString:
		return []Key{k}
	case KeyTuple:
		return unpackTuple(k.str, int(k.num))
	case KeyInvalid:
		return nil
	}

	return nil
}

func unpackTuple(packed string, n int) []Key {
	elems := make([]Key, 0, n)
	b := []byte(packed)

	for len(b) > 0 {
		tag := b[0]
		b = b[1:]

		switch tag {
		case 'i':
			elems = append(elems, Key{typ: KeyInt, num: int64(binary.BigEndian.Uint64(b[:8]))})
			b = b[8:]
		case 's':
			size, w := binary.Uvarint(b)
			b = b[w:]
			elems = append(elems, Key{typ: KeyString, str: string(b[:size])})
			b = b[size:]
		default:
			panic("jsonlt: corrupt packed tuple")
		}
	}

	return elems
}

// Value returns the key as a decoded-JSON value: [json.Number] for
// integers, string for strings, []any for tuples.
func (k Key) Value() any {
	switch k.typ {
	case KeyInt:
		return json.Number(strconv.FormatInt(k.num, 10))
	case KeyString:
		return k.str
	case KeyTuple:
		elems := k.Elements()
		out := make([]any, len(elems))

		for i, el := range elems {
			out[i] = el.Value()
		}

		return out
	case KeyInvalid:
		return nil
	}

	return nil
}

// String returns the canonical JSON form of the key: 1, "a", [1,"a"].
func (k Key) String() string {
	return string(k.appendJSON(nil))
}

// MarshalJSON implements [json.Marshaler] with the canonical form.
func (k Key) MarshalJSON() ([]byte, error) {
	if k.typ == KeyInvalid {
		return nil, errorf(ErrKey, "zero Key")
	}

	return k.appendJSON(nil), nil
}

// UnmarshalJSON implements [json.Unmarshaler] with key normalization.
func (k *Key) UnmarshalJSON(data []byte) error {
	v, err := decodeValue(data, Strict)
	if err != nil {
		return err
	}

	key, err := KeyOf(v)
	if err != nil {
		return err
	}

	*k = key

	return nil
}

func (k Key) appendJSON(b []byte) []byte {
	switch k.typ {
	case KeyInt:
		return strconv.AppendInt(b, k.num, 10)
	case KeyString:
		return appendString(b, k.str)
	case KeyTuple:
		b = append(b, '[')

		for i, el := range k.Elements() {
			if i > 0 {
				b = append(b, ',')
			}

			b = el.appendJSON(b)
		}

		return append(b, ']')
	case KeyInvalid:
		return append(b, "null"...)
	}

	return b
}

// Hash returns a 64-bit hash consistent with ==: equal keys hash equally.
func (k Key) Hash() uint64 {
	buf := make([]byte, 0, 16+len(k.str))
	buf = append(buf, byte(k.typ))

	switch k.typ {
	case KeyInt:
		buf = binary.BigEndian.AppendUint64(buf, uint64(k.num))
	case KeyString, KeyTuple:
		buf = append(buf, k.str...)
	case KeyInvalid:
	}

	return xxhash.Sum64(buf)
}

// Compare orders keys totally: -1 if a < b, 0 if equal, +1 if a > b.
//
// Integers sort before strings; integers ascend numerically and strings by
// Unicode code point. Tuples compare element by element with the same rule
// and a shorter tuple sorts before any longer tuple it prefixes. A scalar
// compares like a one-element tuple and sorts before an equal one.
func Compare(a, b Key) int {
	if a.typ != KeyTuple && b.typ != KeyTuple {
		return compareScalar(a, b)
	}

	ae, be := a.Elements(), b.Elements()

	for i := range min(len(ae), len(be)) {
		if c := compareScalar(ae[i], be[i]); c != 0 {
			return c
		}
	}

	switch {
	case len(ae) < len(be):
		return -1
	case len(ae) > len(be):
		return 1
	case a.typ == b.typ:
		return 0
	case a.typ != KeyTuple:
		return -1
	default:
		return 1
	}
}

func compareScalar(a, b Key) int {
	if a.typ != b.typ {
		if a.typ < b.typ {
			return -1
		}

		return 1
	}

	switch a.typ {
	case KeyInt:
		switch {
		case a.num < b.num:
			return -1
		case a.num > b.num:
			return 1
		}

		return 0
	case KeyString:
		// Byte order of valid UTF-8 is code point order.
		return strings.Compare(a.str, b.str)
	case KeyTuple, KeyInvalid:
	}

	return 0
}
