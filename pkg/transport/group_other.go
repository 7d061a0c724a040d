//go:build !unix

package transport

import (
	"os"
	"os/exec"
	"syscall"
)

func setProcessGroup(*exec.Cmd) {}

func signalGroup(proc *os.Process, sig syscall.Signal) error {
	return proc.Signal(sig)
}
