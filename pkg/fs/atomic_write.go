package fs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
)

// ErrAtomicWriteDirSync indicates the parent directory could not be synced after rename.
//
// When returned, the new file is in place but the rename itself may not
// survive a crash. Detect it with errors.Is(err, ErrAtomicWriteDirSync).
var ErrAtomicWriteDirSync = errors.New("dir sync")

// AtomicWriter replaces files atomically: write a temp file next to the
// target, fsync it, rename it over the target, fsync the directory.
//
// Until the rename succeeds the target is never touched, so a failure at
// any earlier step leaves the original contents in place.
type AtomicWriter struct {
	fs FS
}

// NewAtomicWriter creates an AtomicWriter that uses the given filesystem.
// Panics if fs is nil.
func NewAtomicWriter(fs FS) *AtomicWriter {
	if fs == nil {
		panic("fs is nil")
	}

	return &AtomicWriter{fs: fs}
}

// AtomicWriteOptions configures [AtomicWriter.Write].
type AtomicWriteOptions struct {
	// SyncDir controls whether the parent directory is synced after rename.
	SyncDir bool

	// Perm is the mode of the new file. Must be non-zero.
	// The temp file is chmod'd explicitly, so umask does not apply.
	Perm os.FileMode
}

// DefaultOptions returns options with directory sync enabled and mode 0644.
func (*AtomicWriter) DefaultOptions() AtomicWriteOptions {
	return AtomicWriteOptions{
		SyncDir: true,
		Perm:    0o644,
	}
}

// WriteBytes is [AtomicWriter.Write] for an in-memory payload.
func (w *AtomicWriter) WriteBytes(path string, data []byte, opts AtomicWriteOptions) error {
	return w.Write(path, bytes.NewReader(data), opts)
}

// Write copies reader into a temp file in the directory of path and renames
// it over path.
//
// If only the directory sync fails, the returned error satisfies
// errors.Is(err, ErrAtomicWriteDirSync).
func (w *AtomicWriter) Write(path string, reader io.Reader, opts AtomicWriteOptions) error {
	if reader == nil {
		panic("reader is nil")
	}

	if path == "" {
		return errors.New("path is empty")
	}

	if opts.Perm == 0 {
		return errors.New("opts.Perm must be non-zero")
	}

	dir, base := filepath.Split(path)
	if base == "" || base == "." {
		return fmt.Errorf("path is invalid: %q", path)
	}

	if dir == "" {
		dir = "."
	}

	dir = filepath.Clean(dir)

	tmpFile, tmpPath, err := createTempSibling(w.fs, dir, base, opts.Perm)
	if err != nil {
		return err
	}

	renamed := false

	cleanup := func() error {
		closeErr := tmpFile.Close()
		if closeErr != nil {
			closeErr = fmt.Errorf("close temp file %q: %w", tmpPath, closeErr)
		}

		if renamed {
			return closeErr
		}

		removeErr := w.fs.Remove(tmpPath)
		if removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			removeErr = fmt.Errorf("remove temp file %q: %w", tmpPath, removeErr)
		} else {
			removeErr = nil
		}

		return errors.Join(closeErr, removeErr)
	}

	err = tmpFile.Chmod(opts.Perm)
	if err != nil {
		return errors.Join(fmt.Errorf("chmod temp file %q: %w", tmpPath, err), cleanup())
	}

	_, err = io.Copy(tmpFile, reader)
	if err != nil {
		return errors.Join(fmt.Errorf("write temp file %q: %w", tmpPath, err), cleanup())
	}

	err = tmpFile.Sync()
	if err != nil {
		return errors.Join(fmt.Errorf("sync temp file %q: %w", tmpPath, err), cleanup())
	}

	err = w.fs.Rename(tmpPath, path)
	if err != nil {
		return errors.Join(fmt.Errorf("rename: %w", err), cleanup())
	}

	renamed = true

	// The new contents are in place; a close error on the temp handle
	// cannot undo that.
	_ = cleanup()

	if opts.SyncDir {
		return syncDir(w.fs, dir)
	}

	return nil
}

const tempMaxAttempts = 10000

var tempCounter atomic.Uint64

func createTempSibling(fs FS, dir, base string, perm os.FileMode) (File, string, error) {
	pid := os.Getpid()

	for range tempMaxAttempts {
		seq := tempCounter.Add(1)
		path := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d-%d", base, pid, seq))

		file, err := fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
		if err == nil {
			return file, path, nil
		}

		if errors.Is(err, os.ErrExist) {
			continue
		}

		return nil, "", fmt.Errorf("create temp file: %w", err)
	}

	return nil, "", fmt.Errorf("exhausted temp file attempts in %q", dir)
}

func syncDir(fs FS, dir string) error {
	fh, err := fs.Open(dir)
	if err != nil {
		return errors.Join(ErrAtomicWriteDirSync, fmt.Errorf("open dir %q: %w", dir, err))
	}

	syncErr := fh.Sync()
	closeErr := fh.Close()

	if syncErr != nil {
		return errors.Join(ErrAtomicWriteDirSync, fmt.Errorf("%q: %w", dir, syncErr), closeErr)
	}

	if closeErr != nil {
		return fmt.Errorf("close dir %q: %w", dir, closeErr)
	}

	return nil
}
