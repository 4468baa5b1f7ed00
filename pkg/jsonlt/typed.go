package jsonlt

import (
	"context"
	"encoding/json"
	"iter"
)

// Typed maps records to and from T with encoding/json struct tags.
//
//	type User struct {
//	    ID   string `json:"id"`
//	    Name string `json:"name"`
//	}
//
//	users := jsonlt.NewTyped[User](tbl)
//	err := users.Put(ctx, User{ID: "alice", Name: "Alice"})
type Typed[T any] struct {
	t *Table
}

// NewTyped wraps t.
func NewTyped[T any](t *Table) *Typed[T] {
	return &Typed[T]{t: t}
}

// Table returns the underlying table.
func (ty *Typed[T]) Table() *Table {
	return ty.t
}

// ToRecord converts v into a record.
func ToRecord[T any](v T) (Record, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errorf(ErrKey, "encoding %T: %v", v, err)
	}

	decoded, err := decodeValue(raw, Strict)
	if err != nil {
		return nil, err
	}

	obj, ok := decoded.(map[string]any)
	if !ok {
		return nil, errorf(ErrKey, "%T does not encode to a JSON object", v)
	}

	return Record(obj), nil
}

// FromRecord decodes rec into a T.
func FromRecord[T any](rec Record) (T, error) {
	var v T

	raw, err := Marshal(rec, Lenient)
	if err != nil {
		return v, err
	}

	err = json.Unmarshal(raw, &v)
	if err != nil {
		return v, errorf(ErrParse, "decoding into %T: %v", v, err)
	}

	return v, nil
}

// Get returns the value under key.
func (ty *Typed[T]) Get(key Key) (T, bool, error) {
	var zero T

	rec, ok, err := ty.t.Get(key)
	if err != nil || !ok {
		return zero, ok, err
	}

	v, err := FromRecord[T](rec)
	if err != nil {
		return zero, false, withContext(err, 0, key.String(), ty.t.path)
	}

	return v, true, nil
}

// Put stores v.
func (ty *Typed[T]) Put(ctx context.Context, v T) error {
	rec, err := ToRecord(v)
	if err != nil {
		return withContext(err, 0, "", ty.t.path)
	}

	return ty.t.Put(ctx, rec)
}

// Delete removes the value under key.
func (ty *Typed[T]) Delete(ctx context.Context, key Key) (bool, error) {
	return ty.t.Delete(ctx, key)
}

// All iterates all values in key order.
func (ty *Typed[T]) All() iter.Seq2[T, error] {
	return ty.Find(nil)
}

// Find iterates, in key order, the values pred accepts. A nil pred accepts
// everything.
func (ty *Typed[T]) Find(pred func(T) bool) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T

		for rec, err := range ty.t.All() {
			if err != nil {
				yield(zero, err)

				return
			}

			v, err := FromRecord[T](rec)
			if err != nil {
				yield(zero, withContext(err, 0, "", ty.t.path))

				return
			}

			if pred != nil && !pred(v) {
				continue
			}

			if !yield(v, nil) {
				return
			}
		}
	}
}
