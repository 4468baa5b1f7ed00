package jsonlt

import (
	"context"
	"iter"
)

// Tx is an optimistic transaction over a [Table].
//
// Reads see the table as of [Table.Begin] plus the transaction's own
// writes. Writes are buffered; for each key only the last write survives.
// [Tx.Commit] fails with [ErrConflict] if any key the transaction wrote
// was changed by someone else since Begin, and then writes nothing.
//
// Only write-write conflicts are detected: a key that was read but not
// written may change underneath without failing the commit.
//
// A Tx is not safe for concurrent use.
type Tx struct {
	t    *Table
	view *State

	// base holds, per written key, its version when the transaction began.
	base   map[Key]uint64
	writes map[Key]pending
	order  []Key
	done   bool
}

// Begin starts a transaction. Only one may be active per Table; a second
// Begin fails with [ErrTransaction] until the first commits or aborts.
func (t *Table) Begin(ctx context.Context) (*Tx, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}

	if t.opts.AutoReload {
		err := t.Reload(ctx)
		if err != nil {
			return nil, err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed.Load() {
		return nil, ErrClosed
	}

	if t.tx != nil {
		return nil, errorf(ErrTransaction, "a transaction is already active")
	}

	tx := &Tx{
		t:      t,
		view:   t.state.Clone(),
		base:   map[Key]uint64{},
		writes: map[Key]pending{},
	}
	t.tx = tx

	return tx, nil
}

func (tx *Tx) check() error {
	if tx.done {
		return errorf(ErrTransaction, "transaction already finished")
	}

	return nil
}

// touch records the begin version of k on first write.
func (tx *Tx) touch(k Key) {
	if _, ok := tx.base[k]; ok {
		return
	}

	tx.base[k] = tx.view.Version(k)
	tx.order = append(tx.order, k)
}

// Get returns a copy of the record under key as the transaction sees it.
func (tx *Tx) Get(key Key) (Record, bool, error) {
	err := tx.check()
	if err != nil {
		return nil, false, err
	}

	err = tx.t.checkKey(key)
	if err != nil {
		return nil, false, err
	}

	rec, ok := tx.view.Get(key)

	return rec.Clone(), ok, nil
}

// Has reports whether the transaction sees a record under key.
func (tx *Tx) Has(key Key) (bool, error) {
	_, ok, err := tx.Get(key)

	return ok, err
}

// Count returns the number of records the transaction sees.
func (tx *Tx) Count() (int, error) {
	err := tx.check()
	if err != nil {
		return 0, err
	}

	return tx.view.Len(), nil
}

// Keys returns the keys the transaction sees, in key order.
func (tx *Tx) Keys() ([]Key, error) {
	err := tx.check()
	if err != nil {
		return nil, err
	}

	return append([]Key(nil), tx.view.Keys()...), nil
}

// All iterates copies of the records the transaction sees, in key order.
func (tx *Tx) All() iter.Seq2[Record, error] {
	return tx.Find(nil)
}

// Find iterates the records pred accepts, in key order.
func (tx *Tx) Find(pred Predicate) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		err := tx.check()
		if err != nil {
			yield(nil, err)

			return
		}

		yieldMatching(orderedRecords(tx.view), pred, yield)
	}
}

// FindOne returns the first record in key order pred accepts.
func (tx *Tx) FindOne(pred Predicate) (Record, bool, error) {
	for rec, err := range tx.Find(pred) {
		if err != nil {
			return nil, false, err
		}

		return rec, true, nil
	}

	return nil, false, nil
}

// Put buffers an upsert. Validation errors are returned here, not at
// commit.
func (tx *Tx) Put(rec Record) error {
	err := tx.check()
	if err != nil {
		return err
	}

	p, err := tx.t.prepare(rec)
	if err != nil {
		return withContext(err, 0, "", tx.t.path)
	}

	tx.touch(p.op.Key)
	tx.writes[p.op.Key] = p
	tx.view.Apply(p.op)

	return nil
}

// Delete buffers a tombstone and reports whether the transaction saw a
// record under key. Deleting an absent key buffers nothing.
func (tx *Tx) Delete(key Key) (bool, error) {
	err := tx.check()
	if err != nil {
		return false, err
	}

	err = tx.t.checkKey(key)
	if err != nil {
		return false, err
	}

	if _, ok := tx.view.Get(key); !ok {
		return false, nil
	}

	line, err := encodeTombstone(tx.t.spec, key)
	if err != nil {
		return false, withContext(err, 0, key.String(), tx.t.path)
	}

	p := pending{op: Tombstone(key), line: line}

	tx.touch(key)
	tx.writes[key] = p
	tx.view.Apply(p.op)

	return true, nil
}

// Commit appends the buffered writes as one contiguous block.
//
// Under the file lock it catches up with other writers, then compares the
// version of every written key with its version at Begin. Any difference
// fails the whole commit with [ErrConflict]. The transaction is finished
// afterwards, except after [ErrLock], when Commit may be retried.
func (tx *Tx) Commit(ctx context.Context) error {
	err := tx.check()
	if err != nil {
		return err
	}

	t := tx.t

	if len(tx.order) == 0 {
		tx.finish()

		return nil
	}

	err = t.mutate(ctx, func() ([]pending, error) {
		ps := make([]pending, 0, len(tx.order))

		for _, k := range tx.order {
			if t.state.Version(k) != tx.base[k] {
				t.log.Debug("jsonlt: transaction conflict", "path", t.path, "key", k.String())

				return nil, withContext(errorf(ErrConflict, "key changed since transaction began"), 0, k.String(), "")
			}

			ps = append(ps, tx.writes[k])
		}

		return ps, nil
	})

	if KindOf(err) == KindLock {
		return withContext(err, 0, "", t.path)
	}

	tx.finish()

	return withContext(err, 0, "", t.path)
}

// Abort discards the buffered writes.
func (tx *Tx) Abort() error {
	err := tx.check()
	if err != nil {
		return err
	}

	tx.finish()

	return nil
}

func (tx *Tx) finish() {
	tx.done = true
	tx.view = nil
	tx.writes = nil

	tx.t.mu.Lock()
	if tx.t.tx == tx {
		tx.t.tx = nil
	}
	tx.t.mu.Unlock()
}
