// Package fs is the filesystem seam used by the jsonlt engine.
//
// The main types are:
//   - [FS]: the operations the engine performs on paths
//   - [File]: an open descriptor (satisfied by [os.File])
//   - [Real]: production implementation over the [os] package
//   - [Faulty]: test implementation that fails chosen operations on demand
//   - [Locker]: advisory flock(2) locks with inode verification
//   - [AtomicWriter]: temp file + fsync + rename replacement
//
// Paths use OS semantics (like [os] and [path/filepath]), not the
// slash-separated paths of the standard library io/fs package.
package fs

import (
	"io"
	"os"
)

// File is an open file descriptor with [os.File] semantics.
//
// [File.Fd] must return a real OS descriptor usable with flock until the
// file is closed; [Locker] depends on it. Write on a handle opened
// read-only returns an error, as it does for [os.File].
type File interface {
	io.ReadWriteCloser
	io.Seeker

	// Fd returns the file descriptor. See [os.File.Fd].
	Fd() uintptr

	// Stat returns the [os.FileInfo] of the open file. See [os.File.Stat].
	Stat() (os.FileInfo, error)

	// Sync commits the file's contents to stable storage. See [os.File.Sync].
	Sync() error

	// Truncate changes the size of the file. See [os.File.Truncate].
	Truncate(size int64) error

	// Chmod changes the mode of the file. See [os.File.Chmod].
	Chmod(mode os.FileMode) error
}

// FS is the set of path operations the engine needs.
//
// Every method mirrors its [os] package equivalent so implementations can
// intercept them for fault injection. Implementations must be safe for
// concurrent use by multiple goroutines.
type FS interface {
	// Open opens a file for reading. See [os.Open].
	Open(path string) (File, error)

	// OpenFile opens a file with explicit flags and permissions. See [os.OpenFile].
	OpenFile(path string, flag int, perm os.FileMode) (File, error)

	// ReadFile reads a whole file. See [os.ReadFile].
	ReadFile(path string) ([]byte, error)

	// MkdirAll creates a directory and its parents. See [os.MkdirAll].
	MkdirAll(path string, perm os.FileMode) error

	// Stat returns file info. See [os.Stat].
	Stat(path string) (os.FileInfo, error)

	// Exists reports whether path exists.
	// Returns (false, nil) if not found, (false, err) on other errors.
	Exists(path string) (bool, error)

	// Remove deletes a file or empty directory. See [os.Remove].
	Remove(path string) error

	// Rename moves oldpath to newpath, replacing it. See [os.Rename].
	// Atomic on the same filesystem.
	Rename(oldpath, newpath string) error
}

// Compile-time interface checks.
var _ File = (*os.File)(nil)
