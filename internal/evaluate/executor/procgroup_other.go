//go:build !unix

package executor

import (
	"os"
	"syscall"
)

func newProcAttr() *syscall.SysProcAttr {
	return nil
}

func killProcessGroup(proc *os.Process) {
	if proc == nil {
		return
	}
	_ = proc.Kill()
}
