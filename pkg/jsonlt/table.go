package jsonlt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	natomic "github.com/natefinch/atomic"

	"github.com/calvinalkan/jsonlt/pkg/fs"
)

// Predicate selects records for [Table.Find]. It receives a copy of each
// record and is called once per record, in key order. A panic in the
// predicate propagates to the caller.
type Predicate func(Record) bool

// Table is an open JSONLT file: a keyed record log materialized in memory.
//
// # Concurrency
//
// Safe for concurrent use. Reads are served from memory under a
// [sync.RWMutex] and never touch the file unless [Options.AutoReload] is
// set. Every mutation holds an in-process mutex and an exclusive flock on
// the file, catches up with operations other processes appended, appends
// one block with a single write, fsyncs, and only then updates memory.
// Multiple Tables over one path, in one process or many, coordinate only
// through the flock.
type Table struct {
	path    string
	opts    Options
	fs      fs.FS
	locker  *fs.Locker
	atomic  *fs.AtomicWriter
	log     *slog.Logger
	spec    KeySpec
	header  *Header
	closed  atomic.Bool
	writeMu sync.Mutex

	// mu guards the fields below. Writers hold writeMu for the whole
	// operation and take mu only to publish the result, so readers never
	// wait on file I/O or on the flock.
	mu    sync.RWMutex
	state *State
	pos   Position
	// ident is the identity of the file folded into state, nil if it did
	// not exist.
	ident os.FileInfo
	// torn counts bytes after pos.Offset discarded as a truncated line.
	torn int64
	tx   *Tx
}

// Open opens the table at path and replays it into memory.
//
// A missing file is an empty table (created on first write, or right away
// with [Options.CreateHeader]). The key specifier comes from the file
// header, from [Options.Key], or both if they match; see [Reconcile].
//
// Returns [ErrIO], [ErrParse], [ErrLimit] or [ErrKey] failures, or
// [ErrLock] if a writer holds the file past the lock timeout.
func Open(ctx context.Context, path string, opts Options) (*Table, error) {
	err := opts.validate()
	if err != nil {
		return nil, withContext(err, 0, "", path)
	}

	opts = opts.withDefaults()

	t := &Table{
		path:   path,
		opts:   opts,
		fs:     opts.FS,
		locker: fs.NewLocker(opts.FS),
		atomic: fs.NewAtomicWriter(opts.FS),
		log:    opts.Logger,
		spec:   opts.Key,
		state:  NewState(),
	}

	if opts.CreateHeader {
		err = t.createIfMissing(ctx)
		if err != nil {
			return nil, withContext(err, 0, "", path)
		}
	}

	t.writeMu.Lock()
	err = t.load(ctx, true)
	t.writeMu.Unlock()

	if err != nil {
		return nil, withContext(err, 0, "", path)
	}

	t.log.Debug("jsonlt: opened",
		"path", path,
		"key", t.spec.String(),
		"records", t.state.Len(),
		"bytes", t.pos.Offset,
	)

	return t, nil
}

// createIfMissing writes a header-only file if path does not exist.
//
// The header is written with natomic.WriteFile on the real filesystem, not
// through Options.FS; only the existence check and the flock use it.
func (t *Table) createIfMissing(ctx context.Context) error {
	exists, err := t.fs.Exists(t.path)
	if err != nil {
		return ioErr("stat", err)
	}

	if exists {
		return nil
	}

	// Locking creates an empty file; whoever finds it empty writes the
	// header. Waiters re-lock the renamed file.
	lk, err := t.lockFile(ctx, true)
	if err != nil {
		return err
	}

	defer func() { _ = lk.Close() }()

	info, err := lk.File().Stat()
	if err != nil {
		return ioErr("stat", err)
	}

	if info.Size() > 0 {
		return nil
	}

	h := &Header{Version: FormatVersion, Key: &t.spec, Schema: t.opts.Schema, Meta: t.opts.Meta}

	line, err := h.MarshalStrict()
	if err != nil {
		return err
	}

	err = natomic.WriteFile(t.path, bytes.NewReader(append(line, '\n')))
	if err != nil {
		return ioErr("create header", err)
	}

	t.log.Debug("jsonlt: created", "path", t.path)

	return nil
}

// load brings state up to date with the file. Caller holds writeMu.
//
// With initial set the header is read and reconciled with the caller's
// spec; otherwise a replaced file must carry a matching header key.
func (t *Table) load(ctx context.Context, initial bool) error {
	exists, err := t.fs.Exists(t.path)
	if err != nil {
		return ioErr("stat", err)
	}

	if !exists {
		if initial {
			t.spec, err = Reconcile(nil, t.spec)

			return err
		}

		st := NewState()
		st.rebase(t.state)
		t.replace(st, nil, Position{}, nil, 0)

		return nil
	}

	lk, err := t.lockFile(ctx, false)
	if err != nil {
		return err
	}

	defer func() { _ = lk.Close() }()

	if initial {
		return t.reloadFull(lk.File(), true)
	}

	return t.catchUp(lk.File())
}

// catchUp folds whatever other writers appended since the last read.
// Caller holds writeMu and a flock whose descriptor is f.
func (t *Table) catchUp(f fs.File) error {
	info, err := f.Stat()
	if err != nil {
		return ioErr("stat", err)
	}

	same := false
	if t.ident != nil {
		same, err = fs.SameFile(t.ident, info)
		if err != nil {
			return ioErr("stat", err)
		}
	}

	switch {
	case !same || info.Size() < t.pos.Offset || (t.pos.Offset == 0 && info.Size() > 0):
		// From offset 0 the first line may be a header, which only a full
		// read picks up.
		return t.reloadFull(f, false)
	case info.Size() == t.pos.Offset:
		t.torn = 0

		return nil
	}

	data, err := readFrom(f, t.pos.Offset)
	if err != nil {
		return err
	}

	c, err := scan(data, t.pos, t.opts.ParseMode, t.spec)
	if err != nil {
		return err
	}

	if c.torn > 0 {
		t.log.Warn("jsonlt: ignoring truncated final line", "path", t.path, "line", c.next.Line+1, "bytes", c.torn)
	}

	t.mu.Lock()
	for _, op := range c.ops {
		t.state.Apply(op)
	}

	t.pos = c.next
	t.ident = info
	t.torn = int64(c.torn)
	t.mu.Unlock()

	if len(c.ops) > 0 {
		t.log.Debug("jsonlt: caught up", "path", t.path, "ops", len(c.ops), "bytes", c.next.Offset)
	}

	return nil
}

// reloadFull replays the whole file at f into a fresh state.
func (t *Table) reloadFull(f fs.File, initial bool) error {
	info, err := f.Stat()
	if err != nil {
		return ioErr("stat", err)
	}

	data, err := readFrom(f, 0)
	if err != nil {
		return err
	}

	h, err := firstHeader(data, t.opts.ParseMode)
	if err != nil {
		return err
	}

	spec, err := Reconcile(h, t.spec)
	if err != nil {
		return err
	}

	c, err := scan(data, Position{}, t.opts.ParseMode, spec)
	if err != nil {
		return err
	}

	if c.torn > 0 {
		t.log.Warn("jsonlt: ignoring truncated final line", "path", t.path, "line", c.next.Line+1, "bytes", c.torn)
	}

	st := Replay(c.ops)

	if initial {
		t.spec = spec
	} else {
		st.rebase(t.state)
		t.log.Debug("jsonlt: file replaced, reloaded", "path", t.path, "records", st.Len())
	}

	// The header follows the file: a replacement may add or drop one, and
	// compaction must write back what is on disk now.
	t.replace(st, h, c.next, info, int64(c.torn))

	return nil
}

func (t *Table) replace(st *State, h *Header, pos Position, ident os.FileInfo, torn int64) {
	t.mu.Lock()
	t.state = st
	t.header = h
	t.pos = pos
	t.ident = ident
	t.torn = torn
	t.mu.Unlock()
}

// readFrom reads f from offset to EOF.
func readFrom(f fs.File, offset int64) ([]byte, error) {
	_, err := f.Seek(offset, io.SeekStart)
	if err != nil {
		return nil, ioErr("seek", err)
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, ioErr("read", err)
	}

	return data, nil
}

// pending is an operation together with its serialized line.
type pending struct {
	op   Op
	line []byte
}

// mutate runs one write: lock, catch up, build the operations against the
// caught-up state, append them as one block, then apply them in memory.
// build runs with writeMu held and may read t.state directly.
func (t *Table) mutate(ctx context.Context, build func() ([]pending, error)) error {
	done, err := t.skipMissing(build)
	if done || err != nil {
		return err
	}

	lk, release, err := t.acquireWrite(ctx)
	if err != nil {
		return err
	}

	defer release()

	f := lk.File()

	err = t.catchUp(f)
	if err != nil {
		return err
	}

	ps, err := build()
	if err != nil || len(ps) == 0 {
		return err
	}

	return t.appendLocked(f, ps)
}

// skipMissing finishes a write against a missing file that would append
// nothing, such as deleting an absent key, without taking the flock: the
// lock file is the data file, and opening it would leave an empty file
// behind. It reports whether the write is finished.
func (t *Table) skipMissing(build func() ([]pending, error)) (bool, error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.closed.Load() {
		return true, ErrClosed
	}

	exists, err := t.fs.Exists(t.path)
	if err != nil {
		return true, ioErr("stat", err)
	}

	if exists {
		return false, nil
	}

	if t.ident != nil || t.state.Len() > 0 {
		st := NewState()
		st.rebase(t.state)
		t.replace(st, nil, Position{}, nil, 0)
	}

	ps, err := build()
	if err != nil {
		return true, err
	}

	return len(ps) == 0, nil
}

// appendLocked appends ps with a single write and fsync. On failure the
// file is truncated back to its previous length and state is untouched.
func (t *Table) appendLocked(f fs.File, ps []pending) error {
	var block []byte

	if t.pos.OpenTail {
		block = append(block, '\n')
	}

	for _, p := range ps {
		block = append(block, p.line...)
	}

	start := t.pos.Offset

	if t.torn > 0 {
		err := f.Truncate(start)
		if err != nil {
			return ioErr("truncate torn tail", err)
		}

		t.log.Warn("jsonlt: removed truncated final line", "path", t.path, "bytes", t.torn)
		t.torn = 0
	}

	_, err := f.Seek(start, io.SeekStart)
	if err != nil {
		return ioErr("seek", err)
	}

	n, err := f.Write(block)
	if err == nil && n != len(block) {
		err = io.ErrShortWrite
	}

	if err == nil {
		err = f.Sync()
	}

	if err != nil {
		truncErr := f.Truncate(start)
		if truncErr != nil {
			truncErr = fmt.Errorf("rolling back append: %w", truncErr)
		}

		return ioErr("append", errors.Join(err, truncErr))
	}

	t.mu.Lock()
	for _, p := range ps {
		t.state.Apply(p.op)
	}

	t.pos = Position{Offset: start + int64(len(block)), Line: t.pos.Line + len(ps)}
	t.mu.Unlock()

	return nil
}

// prepare validates rec for writing and returns its operation.
func (t *Table) prepare(rec Record) (pending, error) {
	for name := range rec {
		if name == fieldDeleted || name == fieldHeader {
			return pending{}, errorf(ErrKey, "record field %q is reserved", name)
		}
	}

	k, err := t.spec.KeyOf(rec)
	if err != nil {
		return pending{}, err
	}

	norm, line, err := normalizeRecord(rec, t.opts.WriteMode)
	if err != nil {
		return pending{}, withContext(err, 0, k.String(), "")
	}

	return pending{op: Upsert(k, norm), line: line}, nil
}

// Close releases the table. Idempotent. Later calls fail with [ErrClosed].
// Waits for an in-flight write to finish.
func (t *Table) Close() error {
	if t == nil {
		return nil
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed.Swap(true) {
		return nil
	}

	t.state = nil
	t.tx = nil

	return nil
}

// Path returns the file path.
func (t *Table) Path() string {
	return t.path
}

// KeySpec returns the effective key specifier.
func (t *Table) KeySpec() KeySpec {
	return t.spec
}

// Header returns a copy of the header of the file as last read, or nil.
func (t *Table) Header() *Header {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.header.Clone()
}

// Reload folds operations other processes appended since the last read,
// or replays the whole file if it was replaced or truncated.
func (t *Table) Reload(ctx context.Context) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.closed.Load() {
		return ErrClosed
	}

	return withContext(t.load(ctx, false), 0, "", t.path)
}

func (t *Table) beforeRead() error {
	if t.closed.Load() {
		return ErrClosed
	}

	if t.opts.AutoReload {
		return t.Reload(context.Background())
	}

	return nil
}

// view runs fn with the current state under the read lock.
func (t *Table) view(fn func(st *State)) error {
	err := t.beforeRead()
	if err != nil {
		return err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed.Load() {
		return ErrClosed
	}

	fn(t.state)

	return nil
}

func (t *Table) checkKey(k Key) error {
	return withContext(t.spec.check(k), 0, k.String(), t.path)
}

// Get returns a copy of the record stored under key.
func (t *Table) Get(key Key) (Record, bool, error) {
	err := t.checkKey(key)
	if err != nil {
		return nil, false, err
	}

	var (
		rec Record
		ok  bool
	)

	err = t.view(func(st *State) {
		rec, ok = st.Get(key)
	})

	return rec.Clone(), ok, err
}

// Has reports whether a record is stored under key.
func (t *Table) Has(key Key) (bool, error) {
	_, ok, err := t.Get(key)

	return ok, err
}

// Count returns the number of records.
func (t *Table) Count() (int, error) {
	var n int

	err := t.view(func(st *State) {
		n = st.Len()
	})

	return n, err
}

// Keys returns all keys in ascending [Compare] order.
func (t *Table) Keys() ([]Key, error) {
	var keys []Key

	err := t.view(func(st *State) {
		keys = append([]Key(nil), st.Keys()...)
	})

	return keys, err
}

// snapshot returns the records in key order as of now.
func (t *Table) snapshot() ([]Record, error) {
	var recs []Record

	err := t.view(func(st *State) {
		recs = orderedRecords(st)
	})

	return recs, err
}

func orderedRecords(st *State) []Record {
	keys := st.Keys()
	recs := make([]Record, len(keys))

	for i, k := range keys {
		recs[i] = st.records[k]
	}

	return recs
}

// All iterates copies of all records in key order. Each iteration takes a
// fresh snapshot; writes during iteration are not observed.
func (t *Table) All() iter.Seq2[Record, error] {
	return t.Find(nil)
}

// Find iterates, in key order, copies of the records pred accepts. A nil
// pred accepts everything.
func (t *Table) Find(pred Predicate) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		recs, err := t.snapshot()
		if err != nil {
			yield(nil, err)

			return
		}

		yieldMatching(recs, pred, yield)
	}
}

func yieldMatching(recs []Record, pred Predicate, yield func(Record, error) bool) {
	for _, rec := range recs {
		c := rec.Clone()
		if pred != nil && !pred(c) {
			continue
		}

		if !yield(c, nil) {
			return
		}
	}
}

// FindOne returns the first record in key order that pred accepts.
func (t *Table) FindOne(pred Predicate) (Record, bool, error) {
	for rec, err := range t.Find(pred) {
		if err != nil {
			return nil, false, err
		}

		return rec, true, nil
	}

	return nil, false, nil
}

// Put inserts or replaces the record, keyed by its key field(s).
//
// Fails with [ErrKey] if key fields are missing or invalid, or the record
// uses a reserved field ($deleted, $jsonlt); with [ErrLimit] if it exceeds
// [MaxRecordBytes] or [MaxDepth]. Unrecognized $-fields are kept. Nothing
// is written on failure.
func (t *Table) Put(ctx context.Context, rec Record) error {
	p, err := t.prepare(rec)
	if err != nil {
		return withContext(err, 0, "", t.path)
	}

	err = t.mutate(ctx, func() ([]pending, error) {
		return []pending{p}, nil
	})

	return withContext(err, 0, p.op.Key.String(), t.path)
}

// Delete removes the record under key and reports whether it existed. An
// absent key writes nothing.
func (t *Table) Delete(ctx context.Context, key Key) (bool, error) {
	err := t.checkKey(key)
	if err != nil {
		return false, err
	}

	line, err := encodeTombstone(t.spec, key)
	if err != nil {
		return false, withContext(err, 0, key.String(), t.path)
	}

	existed := false

	err = t.mutate(ctx, func() ([]pending, error) {
		_, existed = t.state.Get(key)
		if !existed {
			return nil, nil
		}

		return []pending{{op: Tombstone(key), line: line}}, nil
	})
	if err != nil {
		return false, withContext(err, 0, key.String(), t.path)
	}

	return existed, nil
}

// Clear deletes every record by appending one tombstone per key, in key
// order, as a single block. The log stays append-only; use [Table.Compact]
// to reclaim space.
func (t *Table) Clear(ctx context.Context) error {
	err := t.mutate(ctx, func() ([]pending, error) {
		keys := t.state.Keys()
		ps := make([]pending, 0, len(keys))

		for _, k := range keys {
			line, err := encodeTombstone(t.spec, k)
			if err != nil {
				return nil, err
			}

			ps = append(ps, pending{op: Tombstone(k), line: line})
		}

		return ps, nil
	})

	return withContext(err, 0, "", t.path)
}
