package fs

import (
	"errors"
	"os"
	"strings"
	"sync"
	"syscall"
)

// Op names an operation [Faulty] can fail.
type Op string

// Operations that can be targeted by a [Rule].
const (
	OpOpen     Op = "open"
	OpOpenFile Op = "openfile"
	OpReadFile Op = "readfile"
	OpStat     Op = "stat"
	OpRename   Op = "rename"
	OpRemove   Op = "remove"
	OpMkdirAll Op = "mkdirall"
	OpRead     Op = "read"
	OpWrite    Op = "write"
	OpSync     Op = "sync"
	OpTruncate Op = "truncate"
	OpChmod    Op = "chmod"
)

// ErrInjected is the default error returned by a [Rule] without Err.
var ErrInjected = &os.SyscallError{Syscall: "injected", Err: syscall.EIO}

// InjectedError marks an error as produced by [Faulty].
//
// It wraps the rule's error, so errors.Is/As keep working on the cause.
type InjectedError struct {
	Op   Op
	Path string
	Err  error
}

func (e *InjectedError) Error() string {
	return string(e.Op) + " " + e.Path + ": " + e.Err.Error()
}

func (e *InjectedError) Unwrap() error {
	return e.Err
}

// IsInjected reports whether err (or any error it wraps) came from [Faulty].
func IsInjected(err error) bool {
	var injected *InjectedError

	return errors.As(err, &injected)
}

// Rule selects which operations [Faulty] fails.
type Rule struct {
	// Op is the operation to fail.
	Op Op

	// PathContains restricts the rule to paths containing this substring.
	// Empty matches every path. For file operations the path is the one the
	// file was opened with. For [OpRename] it is matched against both paths.
	PathContains string

	// Err is returned by the failed operation. Default: [ErrInjected].
	Err error

	// Times limits how often the rule fires. Zero means every time.
	Times int

	// Partial makes a failed [OpWrite] write the first half of the buffer
	// before returning the error, like a torn write on a full disk.
	Partial bool
}

// Faulty wraps an [FS] and fails operations selected by rules.
//
// Unlike a random chaos filesystem, Faulty is deterministic: a test states
// which operation fails and observes the effect. Files opened through
// Faulty keep their real descriptors, so [Locker] works unchanged.
type Faulty struct {
	base FS

	mu    sync.Mutex
	rules []*faultyRule
}

type faultyRule struct {
	Rule

	fired int
}

// NewFaulty wraps base. Panics if base is nil.
func NewFaulty(base FS) *Faulty {
	if base == nil {
		panic("base fs is nil")
	}

	return &Faulty{base: base}
}

// Fail adds a rule.
func (f *Faulty) Fail(rule Rule) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rules = append(f.rules, &faultyRule{Rule: rule})
}

// Reset removes all rules.
func (f *Faulty) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rules = nil
}

// check returns the injected error for op on paths, or nil.
func (f *Faulty) check(op Op, paths ...string) (*faultyRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, rule := range f.rules {
		if rule.Op != op {
			continue
		}

		if rule.Times > 0 && rule.fired >= rule.Times {
			continue
		}

		if !matchesAny(rule.PathContains, paths) {
			continue
		}

		rule.fired++

		cause := rule.Err
		if cause == nil {
			cause = ErrInjected
		}

		return rule, &InjectedError{Op: op, Path: strings.Join(paths, " -> "), Err: cause}
	}

	return nil, nil
}

func matchesAny(substr string, paths []string) bool {
	if substr == "" {
		return true
	}

	for _, p := range paths {
		if strings.Contains(p, substr) {
			return true
		}
	}

	return false
}

func (f *Faulty) Open(path string) (File, error) {
	if _, err := f.check(OpOpen, path); err != nil {
		return nil, err
	}

	file, err := f.base.Open(path)
	if err != nil {
		return nil, err
	}

	return &faultyFile{File: file, fs: f, path: path}, nil
}

func (f *Faulty) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if _, err := f.check(OpOpenFile, path); err != nil {
		return nil, err
	}

	file, err := f.base.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}

	return &faultyFile{File: file, fs: f, path: path}, nil
}

func (f *Faulty) ReadFile(path string) ([]byte, error) {
	if _, err := f.check(OpReadFile, path); err != nil {
		return nil, err
	}

	return f.base.ReadFile(path)
}

func (f *Faulty) MkdirAll(path string, perm os.FileMode) error {
	if _, err := f.check(OpMkdirAll, path); err != nil {
		return err
	}

	return f.base.MkdirAll(path, perm)
}

func (f *Faulty) Stat(path string) (os.FileInfo, error) {
	if _, err := f.check(OpStat, path); err != nil {
		return nil, err
	}

	return f.base.Stat(path)
}

func (f *Faulty) Exists(path string) (bool, error) {
	if _, err := f.check(OpStat, path); err != nil {
		return false, err
	}

	return f.base.Exists(path)
}

func (f *Faulty) Remove(path string) error {
	if _, err := f.check(OpRemove, path); err != nil {
		return err
	}

	return f.base.Remove(path)
}

func (f *Faulty) Rename(oldpath, newpath string) error {
	if _, err := f.check(OpRename, oldpath, newpath); err != nil {
		return err
	}

	return f.base.Rename(oldpath, newpath)
}

type faultyFile struct {
	File

	fs   *Faulty
	path string
}

func (ff *faultyFile) Read(p []byte) (int, error) {
	if _, err := ff.fs.check(OpRead, ff.path); err != nil {
		return 0, err
	}

	return ff.File.Read(p)
}

func (ff *faultyFile) Write(p []byte) (int, error) {
	rule, err := ff.fs.check(OpWrite, ff.path)
	if err == nil {
		return ff.File.Write(p)
	}

	if !rule.Partial || len(p) < 2 {
		return 0, err
	}

	n, writeErr := ff.File.Write(p[:len(p)/2])
	if writeErr != nil {
		return n, writeErr
	}

	return n, err
}

func (ff *faultyFile) Sync() error {
	if _, err := ff.fs.check(OpSync, ff.path); err != nil {
		return err
	}

	return ff.File.Sync()
}

func (ff *faultyFile) Truncate(size int64) error {
	if _, err := ff.fs.check(OpTruncate, ff.path); err != nil {
		return err
	}

	return ff.File.Truncate(size)
}

func (ff *faultyFile) Chmod(mode os.FileMode) error {
	if _, err := ff.fs.check(OpChmod, ff.path); err != nil {
		return err
	}

	return ff.File.Chmod(mode)
}

// Compile-time interface check.
var _ FS = (*Faulty)(nil)
