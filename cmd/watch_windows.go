//go:build windows

package cmd

import (
	"os"
	"os/exec"
	"syscall"
)

// setDaemonAttrs is a no-op on Windows; the child simply outlives the parent.
func setDaemonAttrs(_ *exec.Cmd) {}

// shutdownSignals cancel the command context.
func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// sigTERM is mapped to process termination by daemon.PIDFile.Signal.
func sigTERM() syscall.Signal { return syscall.SIGTERM }

func sigKILL() syscall.Signal { return syscall.SIGKILL }
