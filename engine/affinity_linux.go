//go:build linux

package engine

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// bindThread locks the calling goroutine to its OS thread and restricts
// that thread to a single CPU. The thread is deliberately never unlocked:
// the work loop owns it until the goroutine exits.
func bindThread(core int) error {
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	return unix.SchedSetaffinity(0, &set)
}
