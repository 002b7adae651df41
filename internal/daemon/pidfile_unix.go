//go:build !windows

package daemon

import (
	"errors"
	"fmt"
	"syscall"
)

// ProcessAlive reports whether a process with pid exists. Signal 0 probes
// without delivering anything; EPERM still means the process exists.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Signal sends sig to the process recorded in the pid file.
func (p *PIDFile) Signal(sig syscall.Signal) error {
	pid, err := p.Read()
	if err != nil {
		return fmt.Errorf("read PID file: %w", err)
	}
	return syscall.Kill(pid, sig)
}
