//go:build unix

package worm

import (
	"os"
	"syscall"
)

// flock and funlock provide single-writer durability for the journal
// directory, grounded in the teacher's internal/health.AcquireFlock.
func flock(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
}

func funlock(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}
