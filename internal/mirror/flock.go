//go:build unix

package mirror

import (
	"os"

	"golang.org/x/sys/unix"
)

// Flock wraps an open file with non-blocking flock(2) semantics.
// A second locker fails immediately instead of queueing, so concurrent
// runs over the same mirror directory abort early.
type Flock struct {
	*os.File
}

// Lock acquires an exclusive lock without blocking.
func (l Flock) Lock() error {
	return unix.Flock(int(l.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

// Unlock releases the lock.
func (l Flock) Unlock() error {
	return unix.Flock(int(l.Fd()), unix.LOCK_UN)
}
