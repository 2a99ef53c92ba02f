//go:build !windows

package browser

import (
	"os/exec"
	"syscall"
)

// detachProcess configures the command to run in its own session so the
// browser survives caller cancellation and never receives the orchestrator's
// terminal signals. Teardown goes through the lifecycle controller only.
func detachProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// terminatePID delivers the cooperative close signal. SIGTERM lets the
// browser run its clean-exit path and persist session-restore bookkeeping.
func terminatePID(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}

// killPID delivers an unconditional kill signal.
func killPID(pid int) error {
	return syscall.Kill(pid, syscall.SIGKILL)
}

// pidAlive reports whether a process with the given pid exists. Used only for
// stray processes not owned by the registry; owned processes are tracked
// through their exit channel.
func pidAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
