package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrWouldBlock is returned when a lock cannot be acquired.
	//
	// [Locker.TryLock] and [Locker.TryRLock] return it when another
	// descriptor holds a conflicting lock. [Locker.LockWithTimeout] and
	// [Locker.RLockWithTimeout] return it, wrapped with the context cause,
	// when the context ends first.
	ErrWouldBlock = errors.New("lock would block")

	// errInodeMismatch means the file at path was replaced between open
	// and flock. Callers retry on the new inode.
	errInodeMismatch = errors.New("inode mismatch")
)

// Locker takes advisory whole-file locks with flock(2).
//
// flock binds to an open file description, so two descriptors for the same
// inode conflict even inside one process, and all cooperating writers must
// lock for it to mean anything.
//
// The file at a path may be replaced by rename while a waiter is blocked
// (compaction does exactly that). After every successful flock the Locker
// checks that the locked descriptor still refers to the inode currently at
// path; if not, it unlocks and retries on the new file. A lock acquired
// this way therefore always guards the file that readers will open next.
//
// Exclusive locks open with O_RDWR, shared locks with O_RDONLY. The
// holder may use [Lock.File] for I/O on the locked descriptor.
//
// Unix-only. Custom [FS] implementations must return [File] values with a
// real descriptor and [os.FileInfo] whose Sys() is a *syscall.Stat_t.
type Locker struct {
	fs    FS
	flock func(fd int, how int) error
}

// NewLocker creates a Locker that opens lock files through fs.
func NewLocker(fs FS) *Locker {
	return &Locker{
		fs:    fs,
		flock: unix.Flock,
	}
}

// Lock is a held file lock. Call [Lock.Close] to release it.
type Lock struct {
	mu    sync.Mutex
	file  File
	flock func(fd int, how int) error
}

// File returns the locked descriptor, or nil after [Lock.Close].
func (lk *Lock) File() File {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	return lk.file
}

// Close unlocks and closes the descriptor. Idempotent.
//
// Closing the descriptor releases the flock even if the explicit unlock
// failed; an error here is worth logging but rarely actionable.
func (lk *Lock) Close() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.file == nil {
		return nil
	}

	fd := int(lk.file.Fd())

	unlockErr := flockRetryEINTR(lk.flock, fd, unix.LOCK_UN)
	closeErr := lk.file.Close()
	lk.file = nil

	if unlockErr != nil {
		unlockErr = fmt.Errorf("unlocking lock: %w", unlockErr)
	}

	if closeErr != nil {
		closeErr = fmt.Errorf("closing lock fd: %w", closeErr)
	}

	return errors.Join(unlockErr, closeErr)
}

// LockWithTimeout acquires an exclusive lock on path, polling until ctx is
// done. Bound the wait with [context.WithTimeout].
//
// The file and its parent directories are created if missing. Polling uses
// non-blocking flock with 1ms..25ms backoff, so the deadline may overshoot
// slightly under scheduler delay. On expiry the error satisfies
// errors.Is(err, ErrWouldBlock).
func (l *Locker) LockWithTimeout(ctx context.Context, path string) (*Lock, error) {
	return l.lockPolling(ctx, path, unix.LOCK_EX, false)
}

// RLockWithTimeout acquires a shared lock on path, polling until ctx is
// done.
//
// Shared locks coexist with each other and exclude exclusive locks.
// See [Locker.LockWithTimeout] for polling and creation behavior.
func (l *Locker) RLockWithTimeout(ctx context.Context, path string) (*Lock, error) {
	return l.lockPolling(ctx, path, unix.LOCK_SH, false)
}

// TryLock attempts an exclusive lock once, returning [ErrWouldBlock] if
// it is held elsewhere.
func (l *Locker) TryLock(path string) (*Lock, error) {
	return l.lockPolling(context.Background(), path, unix.LOCK_EX, true)
}

// TryRLock attempts a shared lock once, returning [ErrWouldBlock] if an
// exclusive lock is held elsewhere.
func (l *Locker) TryRLock(path string) (*Lock, error) {
	return l.lockPolling(context.Background(), path, unix.LOCK_SH, true)
}

const maxBackoff = 25 * time.Millisecond

// lockPolling acquires a lock with non-blocking flock, retrying until ctx
// is done unless once is set.
func (l *Locker) lockPolling(ctx context.Context, path string, how int, once bool) (*Lock, error) {
	backoff := time.Millisecond
	openFlag := os.O_RDWR

	if how == unix.LOCK_SH {
		openFlag = os.O_RDONLY
	}

	for {
		file, err := l.openLockFile(path, openFlag)
		if err != nil {
			return nil, fmt.Errorf("opening lockfile: %w", err)
		}

		err = l.acquire(file, path, how)
		if err == nil {
			return &Lock{file: file, flock: l.flock}, nil
		}

		_ = file.Close()

		retryable := errors.Is(err, ErrWouldBlock) || errors.Is(err, errInodeMismatch)
		if !retryable {
			return nil, err
		}

		if once {
			return nil, ErrWouldBlock
		}

		timer := time.NewTimer(backoff)

		select {
		case <-ctx.Done():
			timer.Stop()

			return nil, fmt.Errorf("%w: %w", ErrWouldBlock, context.Cause(ctx))
		case <-timer.C:
		}

		backoff = min(backoff*2, maxBackoff)
	}
}

// acquire flocks file and verifies it is still the file at path. On
// failure the file is unlocked but left open for the caller to close.
func (l *Locker) acquire(file File, path string, how int) error {
	fd := int(file.Fd())

	err := flockRetryEINTR(l.flock, fd, how|unix.LOCK_NB)
	if err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return ErrWouldBlock
		}

		return fmt.Errorf("flock: %w", err)
	}

	match, err := l.inodeMatchesPath(path, file)
	if err != nil {
		_ = flockRetryEINTR(l.flock, fd, unix.LOCK_UN)

		if errors.Is(err, os.ErrNotExist) {
			return errInodeMismatch
		}

		return fmt.Errorf("verifying inode match: %w", err)
	}

	if !match {
		_ = flockRetryEINTR(l.flock, fd, unix.LOCK_UN)

		return errInodeMismatch
	}

	return nil
}

const (
	lockFilePerm = 0o644
	lockDirPerm  = 0o755
)

func (l *Locker) openLockFile(path string, flag int) (File, error) {
	f, err := l.fs.OpenFile(path, flag|os.O_CREATE, lockFilePerm)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return f, err
	}

	err = l.fs.MkdirAll(filepath.Dir(path), lockDirPerm)
	if err != nil {
		return nil, err
	}

	return l.fs.OpenFile(path, flag|os.O_CREATE, lockFilePerm)
}

// inodeMatchesPath compares (dev, inode) of the open descriptor with the
// file currently at path.
//
// flock locks inodes, not names. If path is renamed over while a waiter
// blocks, the waiter would otherwise hold a lock on an orphaned inode while
// a newcomer locks the replacement, and both would believe they own path.
func (l *Locker) inodeMatchesPath(path string, f File) (bool, error) {
	openInfo, err := f.Stat()
	if err != nil {
		return false, err
	}

	pathInfo, err := l.fs.Stat(path)
	if err != nil {
		return false, err
	}

	return SameFile(openInfo, pathInfo)
}

// SameFile reports whether two [os.FileInfo] values describe the same
// (device, inode) pair.
func SameFile(a, b os.FileInfo) (bool, error) {
	aSys, ok := a.Sys().(*syscall.Stat_t)
	if !ok || aSys == nil {
		return false, fmt.Errorf("stat Sys=%T, want *syscall.Stat_t", a.Sys())
	}

	bSys, ok := b.Sys().(*syscall.Stat_t)
	if !ok || bSys == nil {
		return false, fmt.Errorf("stat Sys=%T, want *syscall.Stat_t", b.Sys())
	}

	return aSys.Dev == bSys.Dev && aSys.Ino == bSys.Ino, nil
}

// flockRetryEINTR retries flock when a signal interrupts it, up to a cap
// so a signal storm cannot spin forever.
func flockRetryEINTR(flock func(fd int, how int) error, fd int, how int) error {
	const maxEINTRRetries = 10000

	var err error
	for range maxEINTRRetries {
		err = flock(fd, how)
		if err == nil || !errors.Is(err, unix.EINTR) {
			return err
		}
	}

	return err
}
