//go:build windows

package browser

import (
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

// detachProcess configures the command to run in its own process group so the
// browser survives caller cancellation.
func detachProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// terminatePID asks the process to close its top-level windows. taskkill
// without /F sends WM_CLOSE, the close-main-window equivalent.
func terminatePID(pid int) error {
	return exec.Command("taskkill", "/PID", strconv.Itoa(pid)).Run()
}

// killPID terminates the process unconditionally.
func killPID(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}

// pidAlive reports whether a process with the given pid exists.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}
