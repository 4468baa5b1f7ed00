package jsonlt

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Sentinel errors, one per failure class. Every error returned by this
// package satisfies [errors.Is] with exactly one of them:
//
//	if errors.Is(err, jsonlt.ErrConflict) {
//	    // retry the transaction on a fresh snapshot
//	}
var (
	// ErrParse indicates a line that is not valid JSONLT: invalid JSON,
	// a non-object line, a misplaced header, a disallowed $-field, a bad
	// $deleted value, or a deviation the active [Mode] rejects.
	ErrParse = errors.New("jsonlt: parse error")

	// ErrKey indicates a missing, invalid or mismatched key or key
	// specifier.
	ErrKey = errors.New("jsonlt: key error")

	// ErrLimit indicates a record, key or nesting depth over its limit.
	ErrLimit = errors.New("jsonlt: limit exceeded")

	// ErrIO indicates a filesystem failure, or use of a closed [Table].
	ErrIO = errors.New("jsonlt: io error")

	// ErrLock indicates the file lock could not be acquired in time.
	//
	// Recovery: retry later. No bytes were written.
	ErrLock = errors.New("jsonlt: lock error")

	// ErrConflict indicates a transaction wrote a key that another writer
	// changed after the transaction began. All of the transaction's writes
	// were discarded.
	//
	// Recovery: begin a new transaction and redo the work.
	ErrConflict = errors.New("jsonlt: conflict")

	// ErrTransaction indicates transaction misuse: nested [Table.Begin],
	// or use of a [Tx] after Commit/Abort. This is a programming error.
	ErrTransaction = errors.New("jsonlt: transaction error")
)

// ErrClosed indicates an operation on a closed [Table]. It is an [ErrIO].
var ErrClosed = fmt.Errorf("%w: table closed", ErrIO)

// Kind identifies the failure class of an error.
type Kind uint8

// Failure classes, in the order of the sentinels above.
const (
	KindNone Kind = iota
	KindParse
	KindKey
	KindLimit
	KindIO
	KindLock
	KindConflict
	KindTransaction
)

var kindSentinels = [...]error{
	KindParse:       ErrParse,
	KindKey:         ErrKey,
	KindLimit:       ErrLimit,
	KindIO:          ErrIO,
	KindLock:        ErrLock,
	KindConflict:    ErrConflict,
	KindTransaction: ErrTransaction,
}

// String returns the upper-case class name, e.g. "PARSE_ERROR".
func (k Kind) String() string {
	switch k {
	case KindParse:
		return "PARSE_ERROR"
	case KindKey:
		return "KEY_ERROR"
	case KindLimit:
		return "LIMIT_ERROR"
	case KindIO:
		return "IO_ERROR"
	case KindLock:
		return "LOCK_ERROR"
	case KindConflict:
		return "CONFLICT_ERROR"
	case KindTransaction:
		return "TRANSACTION_ERROR"
	case KindNone:
		return "NONE"
	}

	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// KindOf returns the failure class of err, or [KindNone] for nil and for
// errors not produced by this package.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}

	for k := KindParse; k <= KindTransaction; k++ {
		if errors.Is(err, kindSentinels[k]) {
			return k
		}
	}

	return KindNone
}

// Error carries the location of a failure. The cause comes first, then
// the context:
//
//	jsonlt: parse error: invalid character '}' (line=3 path=/data/users.jsonlt)
//
// Use [errors.As] to read the fields:
//
//	var jErr *jsonlt.Error
//	if errors.As(err, &jErr) {
//	    fmt.Println("bad line", jErr.Line)
//	}
type Error struct {
	// Line is the 1-based physical line number, or 0 when not applicable.
	Line int

	// Key is the canonical JSON form of the key involved, if any.
	Key string

	// Path is the table file path, if known.
	Path string

	// Err is the underlying cause. It wraps one of the sentinels.
	Err error
}

// Error formats as "<cause> (line=N key=K path=P)".
func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	cause := ""
	if e.Err != nil {
		cause = e.Err.Error()
	}

	var parts []string

	if e.Line > 0 {
		parts = append(parts, "line="+strconv.Itoa(e.Line))
	}

	if e.Key != "" {
		parts = append(parts, "key="+e.Key)
	}

	if e.Path != "" {
		parts = append(parts, "path="+e.Path)
	}

	if len(parts) == 0 {
		return cause
	}

	suffix := "(" + strings.Join(parts, " ") + ")"
	if cause == "" {
		return suffix
	}

	return cause + " " + suffix
}

// Unwrap returns the underlying error for use with [errors.Is] and [errors.As].
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

// Kind returns the failure class of the error.
func (e *Error) Kind() Kind {
	return KindOf(e)
}

// errorf builds a cause wrapping sentinel: "<sentinel>: <message>".
func errorf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// ioErr wraps a filesystem error as [ErrIO], keeping the cause.
func ioErr(op string, err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}

// atLine attaches a line number, filling in an existing *Error in place.
func atLine(err error, line int) error {
	return withContext(err, line, "", "")
}

// withContext attaches location context at API boundaries. If err is
// already an *Error, missing fields are filled in (existing values win).
func withContext(err error, line int, key string, path string) error {
	if err == nil {
		return nil
	}

	existing := &Error{}
	if errors.As(err, &existing) {
		if existing.Line == 0 {
			existing.Line = line
		}

		if existing.Key == "" {
			existing.Key = key
		}

		if existing.Path == "" {
			existing.Path = path
		}

		return existing
	}

	return &Error{Line: line, Key: key, Path: path, Err: err}
}
