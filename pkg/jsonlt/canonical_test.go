package jsonlt

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Marshal_Writes_Numbers_In_ECMAScript_Form_When_Strict(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   any
		want string
	}{
		{in: json.Number("1.50"), want: `1.5`},
		{in: json.Number("1e2"), want: `100`},
		{in: json.Number("-0"), want: `0`},
		{in: json.Number("0.000001"), want: `0.000001`},
		{in: json.Number("1e-7"), want: `1e-7`},
		{in: json.Number("1e20"), want: `100000000000000000000`},
		{in: json.Number("1e21"), want: `1e+21`},
		{in: json.Number("1e-100"), want: `1e-100`},
		{in: 0.1 + 0.2, want: `0.30000000000000004`},
		{in: 5e-324, want: `5e-324`},
		{in: math.Copysign(0, -1), want: `0`},
		{in: float32(0.5), want: `0.5`},
		{in: 42, want: `42`},
		{in: int64(MaxInteger), want: `9007199254740991`},
		{in: int64(1<<60 + 1), want: `1152921504606846976`},
		{in: uint64(1 << 63), want: `9223372036854775808`},
	}

	for _, tt := range tests {
		got, err := Marshal(tt.in, Strict)
		if err != nil {
			t.Fatalf("Marshal(%#v): %v", tt.in, err)
		}

		if string(got) != tt.want {
			t.Fatalf("Marshal(%#v)=%s, want=%s", tt.in, got, tt.want)
		}
	}
}

func Test_Marshal_Keeps_Number_Text_When_Lenient(t *testing.T) {
	t.Parallel()

	for _, n := range []string{"1.50", "-0", "1E+2", "123456789012345678901234567890"} {
		got, err := Marshal(json.Number(n), Lenient)
		require.NoError(t, err)
		require.Equal(t, n, string(got))
	}

	_, err := Marshal(json.Number("0x10"), Lenient)
	require.ErrorIs(t, err, ErrParse)
}

func Test_Marshal_Rejects_Numbers_Without_JSON_Form(t *testing.T) {
	t.Parallel()

	for _, v := range []any{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if _, err := Marshal(v, Strict); !errors.Is(err, ErrParse) {
			t.Fatalf("Marshal(%v): err=%v, want %v", v, err, ErrParse)
		}
	}

	if _, err := Marshal(json.Number("1e400"), Strict); !errors.Is(err, ErrLimit) {
		t.Fatalf("Marshal(1e400): err=%v, want %v", err, ErrLimit)
	}
}

func Test_Marshal_Escapes_Only_What_RFC8785_Requires(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "plain", want: `"plain"`},
		{in: "q\"b\\", want: `"q\"b\\"`},
		{in: "\b\f\n\r\t", want: `"\b\f\n\r\t"`},
		{in: "\x00\x1f", want: `"\u0000\u001f"`},
		{in: "\x7f", want: "\"\x7f\""},
		{in: "<>&/", want: `"<>&/"`},
		{in: "é 😀", want: "\"é 😀\""},
		{in: "a\xffb", want: "\"a\uFFFDb\""},
	}

	for _, tt := range tests {
		got, err := Marshal(tt.in, Strict)
		require.NoError(t, err)
		require.Equal(t, tt.want, string(got), "input %q", tt.in)
	}
}

func Test_Marshal_Sorts_Object_Keys_At_Every_Level(t *testing.T) {
	t.Parallel()

	v := map[string]any{
		"b": []any{map[string]any{"z": 1, "a": 2}},
		"a": Record{"é": true, "e": false},
		"B": nil,
		"":  "empty",
	}

	want := `{"":"empty","B":null,"a":{"e":false,"é":true},"b":[{"a":2,"z":1}]}`

	for range 20 {
		got, err := Marshal(v, Strict)
		require.NoError(t, err)
		require.Equal(t, want, string(got))
	}
}

func Test_Marshal_Converts_Go_Values_Through_Encoding_JSON(t *testing.T) {
	t.Parallel()

	type point struct {
		Y int     `json:"y"`
		X float64 `json:"x"`
	}

	got, err := Marshal(map[string]any{"p": point{Y: 2, X: 1.0}, "k": MustKey([]any{"a", 1}), "m": map[string]int{"b": 1, "a": 2}}, Strict)
	require.NoError(t, err)
	require.Equal(t, `{"k":["a",1],"m":{"a":2,"b":1},"p":{"x":1,"y":2}}`, string(got))

	_, err = Marshal(map[string]any{"ch": make(chan int)}, Strict)
	require.ErrorIs(t, err, ErrParse)
}

func Test_EncodeRecord_Enforces_Size_And_Depth_Limits(t *testing.T) {
	t.Parallel()

	line, err := encodeRecord(Record{"id": 1}, Strict)
	require.NoError(t, err)
	require.Equal(t, "{\"id\":1}\n", string(line))

	_, err = encodeRecord(Record{"id": 1, "x": strings.Repeat("a", MaxRecordBytes)}, Strict)
	require.ErrorIs(t, err, ErrLimit)

	var nested any = map[string]any{}
	for range MaxDepth {
		nested = map[string]any{"n": nested}
	}

	_, err = encodeRecord(Record{"id": 1, "n": nested}, Strict)
	require.ErrorIs(t, err, ErrLimit)
}

func Test_EncodeTombstone_Writes_Key_Fields_Only(t *testing.T) {
	t.Parallel()

	line, err := encodeTombstone(TupleKeySpec("org", "id"), MustKey([]any{"acme", 7}))
	require.NoError(t, err)
	require.Equal(t, "{\"$deleted\":true,\"id\":7,\"org\":\"acme\"}\n", string(line))
}

func Test_NormalizeRecord_Returns_Record_As_It_Would_Be_Read_Back(t *testing.T) {
	t.Parallel()

	rec, line, err := normalizeRecord(Record{"id": 1, "f": 2.50, "tags": []string{"a"}}, Strict)
	require.NoError(t, err)
	require.Equal(t, "{\"f\":2.5,\"id\":1,\"tags\":[\"a\"]}\n", string(line))
	require.Equal(t, Record{"id": json.Number("1"), "f": json.Number("2.5"), "tags": []any{"a"}}, rec)
}
