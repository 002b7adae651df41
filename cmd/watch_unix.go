//go:build !windows

package cmd

import (
	"os"
	"os/exec"
	"syscall"
)

// setDaemonAttrs detaches the watcher into its own session on Unix.
func setDaemonAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// shutdownSignals cancel the command context.
func shutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

// sigTERM asks a watcher to finish its current tick and exit.
func sigTERM() syscall.Signal { return syscall.SIGTERM }

// sigKILL stops a watcher that ignored sigTERM.
func sigKILL() syscall.Signal { return syscall.SIGKILL }
