package jsonlt

// Interoperability limits. Files within these limits parse identically in
// every conformant implementation.
const (
	// MaxKeyBytes is the longest string key (or tuple element), in UTF-8 bytes.
	MaxKeyBytes = 1024

	// MaxTupleElements is the largest tuple key arity and the largest
	// number of fields in a key specifier.
	MaxTupleElements = 16

	// MaxRecordBytes is the largest serialized record (one line, without
	// its terminator).
	MaxRecordBytes = 1 << 20

	// MaxDepth is the deepest allowed nesting. The record object itself is
	// depth 1.
	MaxDepth = 64

	// MaxInteger is the largest integer key magnitude, 2^53-1.
	MaxInteger = 1<<53 - 1
)

// FormatVersion is the only header version this package reads and writes.
const FormatVersion = 1
