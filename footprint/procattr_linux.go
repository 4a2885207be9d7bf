//go:build linux

package footprint

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// workerSysProcAttr asks the kernel to SIGTERM the worker when the thread
// that started it dies. Go retires OS threads on its own, so callers must
// start workers from a locked thread that outlives them; see startPinned.
func workerSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}
}

// BindToParent is called by a worker process at start. It re-arms the
// parent-death signal and exits at once if the parent is already gone.
// The signal still follows the forking thread of the parent.
func BindToParent() error {
	if err := unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGTERM), 0, 0, 0); err != nil {
		return err
	}
	if os.Getppid() == 1 {
		os.Exit(1)
	}
	return nil
}
