//go:build !linux

package footprint

import "syscall"

func workerSysProcAttr() *syscall.SysProcAttr { return nil }

// BindToParent is a no-op outside Linux; workers still exit when their
// stdin reaches EOF.
func BindToParent() error { return nil }
