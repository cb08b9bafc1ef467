//go:build !linux

package engine

import (
	"fmt"
	"runtime"
)

// bindThread still dedicates an OS thread to the work loop so the scheduler
// assignment is meaningful, but hard pinning is unavailable off Linux.
func bindThread(core int) error {
	runtime.LockOSThread()
	return fmt.Errorf("cpu pinning not supported on %s", runtime.GOOS)
}
