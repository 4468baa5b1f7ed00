package jsonlt_test

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"

	"github.com/calvinalkan/jsonlt/pkg/fs"
	"github.com/calvinalkan/jsonlt/pkg/jsonlt"
)

// -----------------------------------------------------------------------------
// Logging
// -----------------------------------------------------------------------------

// testLogWriter forwards each log line to t.Log so engine events show up
// next to the failing assertion.
type testLogWriter struct {
	mu  sync.Mutex
	t   *testing.T
	buf bytes.Buffer
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	w.t.Log(string(bytes.TrimRight(p, "\n")))

	return len(p), nil
}

func (w *testLogWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.buf.String()
}

func newTestLogger(t *testing.T) (*slog.Logger, *testLogWriter) {
	t.Helper()

	w := &testLogWriter{t: t}

	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      slog.LevelDebug,
		NoColor:    true,
		TimeFormat: time.TimeOnly,
	})), w
}

// -----------------------------------------------------------------------------
// Tables
// -----------------------------------------------------------------------------

type testOpt func(*jsonlt.Options)

func withKey(spec jsonlt.KeySpec) testOpt {
	return func(o *jsonlt.Options) { o.Key = spec }
}

func withParseMode(m jsonlt.Mode) testOpt {
	return func(o *jsonlt.Options) { o.ParseMode = m }
}

func withWriteMode(m jsonlt.Mode) testOpt {
	return func(o *jsonlt.Options) { o.WriteMode = m }
}

func withAutoReload() testOpt {
	return func(o *jsonlt.Options) { o.AutoReload = true }
}

func withTestLockTimeout() testOpt {
	return func(o *jsonlt.Options) { o.LockTimeout = 50 * time.Millisecond }
}

func withOptions(fn func(*jsonlt.Options)) testOpt {
	return fn
}

func testPath(t *testing.T) string {
	t.Helper()

	return filepath.Join(t.TempDir(), "users.jsonlt")
}

func openTestTable(t *testing.T, path string, opts ...testOpt) *jsonlt.Table {
	t.Helper()

	tbl, err := openTable(t, path, opts...)
	if err != nil {
		t.Fatalf("Open(%q): %v", path, err)
	}

	t.Cleanup(func() { _ = tbl.Close() })

	return tbl
}

func openTable(t *testing.T, path string, opts ...testOpt) (*jsonlt.Table, error) {
	t.Helper()

	logger, _ := newTestLogger(t)

	o := jsonlt.Options{
		Key:    jsonlt.ScalarKey("id"),
		Logger: logger,
	}

	for _, opt := range opts {
		opt(&o)
	}

	return jsonlt.Open(t.Context(), path, o)
}

func writeTestFile(t *testing.T, path string, content string) {
	t.Helper()

	err := os.WriteFile(path, []byte(content), 0o644)
	if err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func readTestFile(t *testing.T, path string) string {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}

	return string(data)
}

// -----------------------------------------------------------------------------
// Records
// -----------------------------------------------------------------------------

func putTestRecord(ctx context.Context, t *testing.T, tbl *jsonlt.Table, rec jsonlt.Record) {
	t.Helper()

	err := tbl.Put(ctx, rec)
	if err != nil {
		t.Fatalf("Put(%v): %v", rec, err)
	}
}

// newTestUser returns a record with a fresh time-ordered id.
func newTestUser(t *testing.T, name string) jsonlt.Record {
	t.Helper()

	id, err := uuid.NewV7()
	if err != nil {
		t.Fatalf("new id: %v", err)
	}

	return jsonlt.Record{"id": id.String(), "name": name}
}

func mustKey(t *testing.T, v any) jsonlt.Key {
	t.Helper()

	k, err := jsonlt.KeyOf(v)
	if err != nil {
		t.Fatalf("KeyOf(%v): %v", v, err)
	}

	return k
}

func mustGet(t *testing.T, tbl *jsonlt.Table, key any) jsonlt.Record {
	t.Helper()

	rec, ok, err := tbl.Get(mustKey(t, key))
	if err != nil {
		t.Fatalf("Get(%v): %v", key, err)
	}

	if !ok {
		t.Fatalf("Get(%v): not found", key)
	}

	return rec
}

func allRecords(t *testing.T, tbl *jsonlt.Table) []jsonlt.Record {
	t.Helper()

	var out []jsonlt.Record

	for rec, err := range tbl.All() {
		if err != nil {
			t.Fatalf("All: %v", err)
		}

		out = append(out, rec)
	}

	return out
}

func keyStrings(t *testing.T, keys []jsonlt.Key) []string {
	t.Helper()

	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}

	return out
}

// holdLock takes the exclusive flock on path the way another process
// would. The returned release is idempotent.
func holdLock(t *testing.T, path string) func() {
	t.Helper()

	lock, err := fs.NewLocker(fs.NewReal()).TryLock(path)
	if err != nil {
		t.Fatalf("TryLock(%q): %v", path, err)
	}

	var once sync.Once

	release := func() {
		once.Do(func() { _ = lock.Close() })
	}

	t.Cleanup(release)

	return release
}
