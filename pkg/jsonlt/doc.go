// Package jsonlt reads and writes JSONLT files: append-only, line-delimited
// logs of keyed JSON records.
//
// A file is an optional header line followed by one JSON object per line.
// Each object is either an upsert (the full record) or a tombstone
// ({"$deleted":true} plus the key fields). Replaying the lines in order
// yields the logical state, a key→record map, which a [Table] keeps in
// memory:
//
//	{"$jsonlt":{"key":"id","version":1}}
//	{"id":"alice","role":"admin"}
//	{"id":"bob","role":"user"}
//	{"$deleted":true,"id":"bob"}
//
// Writes append under an exclusive flock and are fsynced before they
// return. [Table.Begin] starts an optimistic transaction whose commit fails
// with [ErrConflict] if another writer changed a key it wrote.
// [Table.Compact] rewrites the file as one sorted upsert per record.
//
// Strict serialization is deterministic: sorted keys, no whitespace and
// RFC 8785 numbers, so two conforming writers produce identical bytes for
// the same state.
package jsonlt
