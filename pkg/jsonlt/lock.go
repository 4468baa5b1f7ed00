package jsonlt

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/calvinalkan/jsonlt/pkg/fs"
)

// lockFile takes the flock on the table file itself, exclusive for writes
// and shared for reads. Expiry of [Options.LockTimeout] is [ErrLock].
//
// The locked descriptor doubles as the I/O handle: the [fs.Locker]
// guarantees it refers to the inode currently at the path, even when a
// compaction renamed a new file over it while we waited.
func (t *Table) lockFile(ctx context.Context, exclusive bool) (*fs.Lock, error) {
	var (
		lk  *fs.Lock
		err error
	)

	switch {
	case t.opts.LockTimeout < 0 && exclusive:
		lk, err = t.locker.TryLock(t.path)
	case t.opts.LockTimeout < 0:
		lk, err = t.locker.TryRLock(t.path)
	default:
		lockCtx, cancel := context.WithTimeout(ctx, t.opts.LockTimeout)
		defer cancel()

		if exclusive {
			lk, err = t.locker.LockWithTimeout(lockCtx, t.path)
		} else {
			lk, err = t.locker.RLockWithTimeout(lockCtx, t.path)
		}
	}

	if err != nil {
		if errors.Is(err, fs.ErrWouldBlock) {
			return nil, fmt.Errorf("%w: not acquired within %s: %w", ErrLock, t.opts.LockTimeout, err)
		}

		return nil, ioErr("lock", err)
	}

	return lk, nil
}

// acquireWrite takes the in-process writer mutex, then the exclusive
// flock. Returns an idempotent release function that must be called to
// unlock both.
//
// Lock ordering: writeMu is always acquired BEFORE the flock so goroutines
// queue on the mutex instead of all polling the kernel.
func (t *Table) acquireWrite(ctx context.Context) (*fs.Lock, func(), error) {
	t.writeMu.Lock()

	if t.closed.Load() {
		t.writeMu.Unlock()

		return nil, nil, ErrClosed
	}

	lk, err := t.lockFile(ctx, true)
	if err != nil {
		t.writeMu.Unlock()

		return nil, nil, err
	}

	var once sync.Once

	return lk, func() {
		once.Do(func() {
			closeErr := lk.Close()
			if closeErr != nil {
				t.log.Warn("jsonlt: releasing lock", "path", t.path, "error", closeErr)
			}

			t.writeMu.Unlock()
		})
	}, nil
}
