// Package browser provides browser instance orchestration: debug port
// allocation, process launch, readiness verification, instance registry, and
// the tiered shutdown protocol.
package browser

import (
	"os/exec"
	"time"
)

// nowFunc is swappable for tests.
var nowFunc = time.Now

// Status represents the lifecycle state of a managed browser instance.
type Status string

// Instance status constants.
const (
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusBusy     Status = "busy"
	StatusClosing  Status = "closing"
	StatusClosed   Status = "closed"
	StatusFailed   Status = "failed"
)

// validTransitions is the instance status transition graph. Statuses move
// forward only; Closed and Failed are terminal.
var validTransitions = map[Status][]Status{
	StatusStarting: {StatusReady, StatusFailed},
	StatusReady:    {StatusBusy, StatusClosing},
	StatusBusy:     {StatusReady, StatusClosing},
	StatusClosing:  {StatusClosed, StatusFailed},
	StatusClosed:   {},
	StatusFailed:   {},
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusFailed
}

// Capabilities describes optional features enabled for an instance.
type Capabilities struct {
	ExtensionLoaded bool `json:"extension_loaded"`
	NativeChannel   bool `json:"native_channel"`
}

// Instance represents one managed browser process together with its debug
// port and user-data directory. The registry is the single owner of all
// mutable fields; other components must go through it.
type Instance struct {
	ID          string
	OwnerID     string
	DebugPort   int
	UserDataDir string
	// EphemeralDataDir marks the user-data dir as orchestrator-created; only
	// ephemeral dirs are deleted on teardown.
	EphemeralDataDir bool
	Headless         bool
	CreatedAt        time.Time
	Capabilities     Capabilities

	status       Status
	taskCount    int
	lastActivity time.Time

	// cmd is the exclusively-owned OS process handle. No component other
	// than the lifecycle controller may signal or kill it.
	cmd *exec.Cmd

	// exited is closed by the launcher's reaper goroutine once the process
	// has been waited on. Exit confirmation checks this channel rather than
	// signal delivery.
	exited  chan struct{}
	exitErr error
}

// processAlive reports whether the instance's process is still running.
func (inst *Instance) processAlive() bool {
	if inst.cmd == nil || inst.exited == nil {
		return false
	}
	select {
	case <-inst.exited:
		return false
	default:
		return true
	}
}

// waitExit blocks until the process exits or the timeout elapses. It returns
// true when exit was confirmed.
func (inst *Instance) waitExit(timeout time.Duration) bool {
	if inst.exited == nil {
		return true
	}
	select {
	case <-inst.exited:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Snapshot is an immutable copy of an instance record for callers.
type Snapshot struct {
	ID           string       `json:"id"`
	OwnerID      string       `json:"owner_id,omitempty"`
	Status       Status       `json:"status"`
	DebugPort    int          `json:"debug_port"`
	UserDataDir  string       `json:"user_data_dir"`
	Headless     bool         `json:"headless"`
	PID          int          `json:"pid,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	LastActivity time.Time    `json:"last_activity"`
	TaskCount    int          `json:"task_count"`
	Capabilities Capabilities `json:"capabilities"`
}

// snapshot copies the record. Callers must hold the registry lock.
func (inst *Instance) snapshot() Snapshot {
	snap := Snapshot{
		ID:           inst.ID,
		OwnerID:      inst.OwnerID,
		Status:       inst.status,
		DebugPort:    inst.DebugPort,
		UserDataDir:  inst.UserDataDir,
		Headless:     inst.Headless,
		CreatedAt:    inst.CreatedAt,
		LastActivity: inst.lastActivity,
		TaskCount:    inst.taskCount,
		Capabilities: inst.Capabilities,
	}
	if inst.cmd != nil && inst.cmd.Process != nil {
		snap.PID = inst.cmd.Process.Pid
	}
	return snap
}

// pid returns the OS process id, or 0 when no process is attached.
func (inst *Instance) pid() int {
	if inst.cmd == nil || inst.cmd.Process == nil {
		return 0
	}
	return inst.cmd.Process.Pid
}
