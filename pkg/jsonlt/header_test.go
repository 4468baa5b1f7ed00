package jsonlt

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_ParseHeader_Returns_Nil_When_Line_Is_Not_A_Header(t *testing.T) {
	t.Parallel()

	h, err := ParseHeader([]byte(`{"id":1}`))
	require.NoError(t, err)
	require.Nil(t, h)

	_, err = ParseHeader([]byte(`{"$jsonlt":{"version":1}`))
	require.ErrorIs(t, err, ErrParse)
}

func Test_Header_MarshalStrict_Preserves_Unknown_Members(t *testing.T) {
	t.Parallel()

	line := `{"$jsonlt":{"key":["org","id"],"meta":{"owner":"ops"},"schema":"https://example.com/s.json","version":1,"x-tool":{"v":2}},"note":"hi"}`

	h, err := ParseHeader([]byte(line))
	require.NoError(t, err)
	require.NotNil(t, h)

	require.Equal(t, FormatVersion, h.Version)
	require.True(t, h.Key.Equal(TupleKeySpec("org", "id")))
	require.Equal(t, "https://example.com/s.json", h.Schema)
	require.Equal(t, map[string]any{"owner": "ops"}, h.Meta)
	require.Contains(t, h.Extra, "x-tool")
	require.Equal(t, map[string]any{"note": "hi"}, h.Siblings)

	out, err := h.MarshalStrict()
	require.NoError(t, err)
	require.Equal(t, line, string(out))
}

func Test_Header_MarshalStrict_Writes_Minimal_Header(t *testing.T) {
	t.Parallel()

	spec := ScalarKey("id")

	out, err := (&Header{Version: FormatVersion, Key: &spec}).MarshalStrict()
	require.NoError(t, err)
	require.Equal(t, `{"$jsonlt":{"key":"id","version":1}}`, string(out))

	out, err = (&Header{}).MarshalStrict()
	require.NoError(t, err)
	require.Equal(t, `{"$jsonlt":{"version":1}}`, string(out))
}

func Test_Header_Clone_Is_Deep(t *testing.T) {
	t.Parallel()

	h, err := ParseHeader([]byte(`{"$jsonlt":{"key":["a","b"],"meta":{"tags":["x"]},"schema":{"type":"object"},"version":1}}`))
	require.NoError(t, err)

	c := h.Clone()
	c.Meta["tags"].([]any)[0] = "changed"
	c.Schema.(map[string]any)["type"] = "array"
	c.Key.fields[0] = "z"

	require.Equal(t, "x", h.Meta["tags"].([]any)[0])
	require.Equal(t, "object", h.Schema.(map[string]any)["type"])
	require.True(t, h.Key.Equal(TupleKeySpec("a", "b")))

	var nilHeader *Header
	require.Nil(t, nilHeader.Clone())
}

func Test_Reconcile(t *testing.T) {
	t.Parallel()

	id := ScalarKey("id")
	tuple := TupleKeySpec("org", "id")

	tests := []struct {
		name   string
		header *Header
		caller KeySpec
		want   KeySpec
		err    error
	}{
		{name: "neither", err: ErrKey},
		{name: "header without key", header: &Header{Version: 1}, err: ErrKey},
		{name: "caller only", caller: id, want: id},
		{name: "header only", header: &Header{Version: 1, Key: &tuple}, want: tuple},
		{name: "both equal", header: &Header{Version: 1, Key: &tuple}, caller: TupleKeySpec("org", "id"), want: tuple},
		{name: "field mismatch", header: &Header{Version: 1, Key: &id}, caller: ScalarKey("email"), err: ErrKey},
		{name: "order mismatch", header: &Header{Version: 1, Key: &tuple}, caller: TupleKeySpec("id", "org"), err: ErrKey},
		{name: "scalar vs one-field tuple", header: &Header{Version: 1, Key: &id}, caller: TupleKeySpec("id"), err: ErrKey},
		{name: "invalid caller", caller: ScalarKey("$id"), err: ErrKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := Reconcile(tt.header, tt.caller)
			if tt.err != nil {
				if !errors.Is(err, tt.err) {
					t.Fatalf("Reconcile: err=%v, want %v", err, tt.err)
				}

				return
			}

			require.NoError(t, err)
			require.True(t, got.Equal(tt.want), "got %s, want %s", got, tt.want)
		})
	}
}
