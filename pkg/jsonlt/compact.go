package jsonlt

import (
	"bytes"
	"context"
	"errors"

	"github.com/calvinalkan/jsonlt/pkg/fs"
)

// Compact rewrites the file as its minimal form: the header (if the file
// had one) followed by one strict upsert per record in key order, with no
// tombstones. The logical state does not change.
//
// The new contents go to a temp file in the same directory, are fsynced
// and renamed over the path; a failure before the rename leaves the file
// untouched. Compacting an already compact file writes nothing.
func (t *Table) Compact(ctx context.Context) error {
	done, err := t.skipMissing(func() ([]pending, error) { return nil, nil })
	if done || err != nil {
		return withContext(err, 0, "", t.path)
	}

	lk, release, err := t.acquireWrite(ctx)
	if err != nil {
		return withContext(err, 0, "", t.path)
	}

	defer release()

	err = t.compactLocked(lk.File())

	return withContext(err, 0, "", t.path)
}

func (t *Table) compactLocked(f fs.File) error {
	err := t.catchUp(f)
	if err != nil {
		return err
	}

	data, records, err := t.render()
	if err != nil {
		return err
	}

	current, err := readFrom(f, 0)
	if err != nil {
		return err
	}

	if bytes.Equal(current, data) {
		t.log.Debug("jsonlt: already compact", "path", t.path)

		return nil
	}

	info, err := f.Stat()
	if err != nil {
		return ioErr("stat", err)
	}

	opts := t.atomic.DefaultOptions()
	if perm := info.Mode().Perm(); perm != 0 {
		opts.Perm = perm
	}

	err = t.atomic.WriteBytes(t.path, data, opts)
	if err != nil && !errors.Is(err, fs.ErrAtomicWriteDirSync) {
		return ioErr("compact", err)
	}

	// The rename happened; a failed directory sync only weakens durability.
	if err != nil {
		t.log.Warn("jsonlt: compaction dir sync failed", "path", t.path, "error", err)
	}

	ident, err := t.fs.Stat(t.path)
	if err != nil {
		return ioErr("stat", err)
	}

	// Strict output may respell numbers (1.0 becomes 1), so the in-memory
	// records are swapped for what a re-read would produce. Versions stay:
	// nothing changed logically.
	st := t.state.Clone()
	for k, rec := range records {
		st.records[k] = rec
	}

	t.replace(st, t.header, Position{Offset: int64(len(data)), Line: bytes.Count(data, []byte{'\n'})}, ident, 0)

	t.log.Info("jsonlt: compacted",
		"path", t.path,
		"records", st.Len(),
		"bytes_before", len(current),
		"bytes_after", len(data),
	)

	return nil
}

// render produces the compacted file contents and the normalized records
// they decode to.
func (t *Table) render() ([]byte, map[Key]Record, error) {
	var buf bytes.Buffer

	if t.header != nil {
		line, err := t.header.MarshalStrict()
		if err != nil {
			return nil, nil, err
		}

		buf.Write(line)
		buf.WriteByte('\n')
	}

	keys := t.state.Keys()
	records := make(map[Key]Record, len(keys))

	for _, k := range keys {
		rec, _ := t.state.Get(k)

		norm, line, err := normalizeRecord(rec, Strict)
		if err != nil {
			return nil, nil, withContext(err, 0, k.String(), "")
		}

		records[k] = norm
		buf.Write(line)
	}

	return buf.Bytes(), records, nil
}
