// Package lockfile provides single-instance-per-state-dir enforcement for
// cmd/htnguardctl, grounded in the teacher's internal/health.AcquireFlock:
// an HTN engine sharing one WORM directory and SQLite index across two
// concurrent processes would interleave hash-chained events and corrupt
// the chain, so only one process may hold a given state directory.
package lockfile

import (
	"fmt"
	"os"
)

// Lock is an acquired exclusive lock on a path. Keep it open for the
// process lifetime; Release removes the lock file.
type Lock struct {
	f *os.File
}

// Acquire takes an exclusive, non-blocking lock on path, creating it if
// necessary and recording the holding PID for operator debugging.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("lockfile: open %s: %w", path, err)
	}
	if err := flock(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("another htnguardctl instance is already running (lock: %s)", path)
	}
	f.Truncate(0)
	f.Seek(0, 0)
	fmt.Fprintf(f, "%d\n", os.Getpid())
	return &Lock{f: f}, nil
}

// Release unlocks and removes the lock file. Safe to call on a nil Lock.
func (l *Lock) Release() {
	if l == nil || l.f == nil {
		return
	}
	funlock(l.f)
	name := l.f.Name()
	l.f.Close()
	os.Remove(name)
}
