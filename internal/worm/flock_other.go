//go:build !unix

package worm

import "os"

// flock/funlock degrade to a no-op on platforms without syscall.Flock; the
// process-local mutex still serializes writers within one process.
func flock(f *os.File) error   { return nil }
func funlock(f *os.File) error { return nil }
