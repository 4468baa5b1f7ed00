package jsonlt_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/jsonlt/pkg/fs"
	"github.com/calvinalkan/jsonlt/pkg/jsonlt"
)

func Test_ParseOptions_Reads_JSONC_And_Merges_Over_Defaults(t *testing.T) {
	t.Parallel()

	opts, err := jsonlt.ParseOptions([]byte(`{
		// tuple key
		"key": ["org", "id"],
		"parse_mode": "strict",
		"lock_timeout": "250ms", /* short for tests */
		"auto_reload": true,
		"meta": {"owner": "ops"},
	}`))
	require.NoError(t, err)

	require.True(t, opts.Key.Equal(jsonlt.TupleKeySpec("org", "id")), "key=%s", opts.Key)
	require.Equal(t, jsonlt.Strict, opts.ParseMode)
	require.Equal(t, jsonlt.Strict, opts.WriteMode, "write mode keeps its default")
	require.Equal(t, 250*time.Millisecond, opts.LockTimeout)
	require.True(t, opts.AutoReload)
	require.Equal(t, map[string]any{"owner": "ops"}, opts.Meta)
}

func Test_ParseOptions_Returns_Defaults_When_Empty_Object(t *testing.T) {
	t.Parallel()

	opts, err := jsonlt.ParseOptions([]byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, jsonlt.DefaultOptions(), opts)
}

func Test_ParseOptions_Rejects_Invalid_Input_With_A_Class(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data string
		want jsonlt.Kind
	}{
		{name: "not jsonc", data: `{"key": }`, want: jsonlt.KindParse},
		{name: "wrong field type", data: `{"auto_reload": "yes"}`, want: jsonlt.KindParse},
		{name: "bad mode", data: `{"parse_mode": "loose"}`, want: jsonlt.KindParse},
		{name: "bad duration", data: `{"lock_timeout": "soon"}`, want: jsonlt.KindParse},
		{name: "create header without key", data: `{"create_header": true}`, want: jsonlt.KindKey},
		{name: "schema not object", data: `{"key": "id", "schema": 3}`, want: jsonlt.KindParse},
		{name: "reserved key field", data: `{"key": "$id"}`, want: jsonlt.KindKey},
		{name: "duplicate key field", data: `{"key": ["a", "a"]}`, want: jsonlt.KindKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := jsonlt.ParseOptions([]byte(tt.data))
			require.Error(t, err)
			require.Equal(t, tt.want, jsonlt.KindOf(err), "err=%v", err)
			require.Contains(t, err.Error(), "invalid options")
		})
	}
}

func Test_LoadOptions_Reads_File_And_Reports_Path_On_Error(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "jsonlt.jsonc")
	writeTestFile(t, path, "{\n  \"key\": \"email\", // primary\n  \"write_mode\": \"lenient\",\n}\n")

	opts, err := jsonlt.LoadOptions(path)
	require.NoError(t, err)
	require.True(t, opts.Key.Equal(jsonlt.ScalarKey("email")))
	require.Equal(t, jsonlt.Lenient, opts.WriteMode)

	missing := filepath.Join(dir, "missing.jsonc")

	_, err = jsonlt.LoadOptions(missing)
	require.ErrorIs(t, err, jsonlt.ErrIO)
	require.ErrorIs(t, err, os.ErrNotExist)
	require.Contains(t, err.Error(), missing)

	writeTestFile(t, path, `{"lock_timeout": 5}`)

	_, err = jsonlt.LoadOptions(path)
	require.ErrorIs(t, err, jsonlt.ErrParse)
	require.Contains(t, err.Error(), path)
}

func Test_LoadOptionsFS_Reads_Through_The_Given_FS(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "jsonlt.jsonc")
	writeTestFile(t, path, `{"key": "id"}`)

	faulty := fs.NewFaulty(fs.NewReal())

	opts, err := jsonlt.LoadOptionsFS(faulty, path)
	require.NoError(t, err)
	require.True(t, opts.Key.Equal(jsonlt.ScalarKey("id")))

	faulty.Fail(fs.Rule{Op: fs.OpReadFile, PathContains: "jsonlt.jsonc"})

	_, err = jsonlt.LoadOptionsFS(faulty, path)
	require.ErrorIs(t, err, jsonlt.ErrIO)
	require.True(t, fs.IsInjected(err), "err=%v", err)
}

func Test_Open_Classifies_Invalid_Options(t *testing.T) {
	t.Parallel()

	path := testPath(t)

	_, err := jsonlt.Open(t.Context(), path, jsonlt.Options{CreateHeader: true})
	require.ErrorIs(t, err, jsonlt.ErrKey)

	_, err = jsonlt.Open(t.Context(), path, jsonlt.Options{Key: jsonlt.ScalarKey("id"), Schema: 3})
	require.ErrorIs(t, err, jsonlt.ErrParse)

	_, statErr := os.Stat(path)
	require.ErrorIs(t, statErr, os.ErrNotExist)
}

func Test_Open_Uses_Loaded_Options(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := filepath.Join(dir, "jsonlt.jsonc")
	writeTestFile(t, cfg, `{"key": "email", "create_header": true}`)

	opts, err := jsonlt.LoadOptions(cfg)
	require.NoError(t, err)

	opts.Logger, _ = newTestLogger(t)
	path := filepath.Join(dir, "users.jsonlt")

	tbl, err := jsonlt.Open(t.Context(), path, opts)
	require.NoError(t, err)

	t.Cleanup(func() { _ = tbl.Close() })

	require.Equal(t, `{"$jsonlt":{"key":"email","version":1}}`+"\n", readTestFile(t, path))

	err = tbl.Put(t.Context(), jsonlt.Record{"id": "x"})
	if !errors.Is(err, jsonlt.ErrKey) {
		t.Fatalf("Put without email: err=%v, want %v", err, jsonlt.ErrKey)
	}
}
