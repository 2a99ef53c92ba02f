package browser

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"helmsman/pkg/config"
	"helmsman/pkg/logx"
)

// Tier identifies a stage of the shutdown protocol.
type Tier string

// Shutdown tiers, in escalation order.
const (
	// TierNone means the process had already exited before teardown began.
	TierNone Tier = "none"
	// TierProtocol is the debug-protocol Browser.close request.
	TierProtocol Tier = "protocol"
	// TierTerm is the cooperative close signal.
	TierTerm Tier = "term"
	// TierKill is unconditional termination.
	TierKill Tier = "kill"
)

// BulkFailure describes one failed teardown within a bulk operation.
type BulkFailure struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// BulkResult reports per-instance outcomes of a bulk teardown.
type BulkResult struct {
	Succeeded []string      `json:"succeeded"`
	Failed    []BulkFailure `json:"failed"`
}

// debugCloser is the slice of DebugSession the controller needs; swappable
// for tests.
type debugCloser interface {
	CloseBrowser(ctx context.Context) error
	Close() error
}

// Controller implements the tiered shutdown protocol: protocol-level close,
// cooperative signal, forced termination. Each tier runs only when the
// previous one did not confirm exit within its own timeout, and tiers always
// run in order. A caller deadline cuts a tier's wait short and escalates
// early; it never skips a tier.
type Controller struct {
	logger    *logx.Logger
	registry  *Registry
	allocator *PortAllocator
	cfg       config.ShutdownConfig
	metrics   MetricsRecorder
	audit     AuditSink

	// dialSession is swappable for tests.
	dialSession func(ctx context.Context, port int) (debugCloser, error)

	// lockID serializes a teardown with other operations on the same
	// instance id. The manager wires this to its keyed mutex.
	lockID func(id string) (unlock func())
}

// NewController creates a lifecycle controller over the given registry and
// port allocator.
func NewController(registry *Registry, allocator *PortAllocator, cfg config.ShutdownConfig) *Controller {
	return &Controller{
		logger:    logx.NewLogger("lifecycle"),
		registry:  registry,
		allocator: allocator,
		cfg:       cfg,
		metrics:   nopMetrics{},
		audit:     nopAudit{},
		dialSession: func(ctx context.Context, port int) (debugCloser, error) {
			return DialSession(ctx, port)
		},
		lockID: func(string) func() { return func() {} },
	}
}

// Destroy tears down one instance. It returns the tier that confirmed exit.
// On success the debug port is released, an ephemeral user-data dir is
// removed, and the record is deleted. If no tier can confirm exit the record
// transitions to Failed and the error surfaces the dangling process instead
// of hiding it.
func (c *Controller) Destroy(ctx context.Context, id string) (Tier, error) {
	inst, ok := c.registry.get(id)
	if !ok {
		return TierNone, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}

	if err := c.registry.UpdateStatus(id, StatusClosing); err != nil {
		return TierNone, err
	}
	c.audit.RecordEvent(id, inst.OwnerID, "closing", "")

	start := time.Now()
	tier, err := c.shutdown(ctx, inst)
	if err != nil {
		// All tiers exhausted. Surface, don't hide: the record stays
		// registered as Failed so the dangling process is visible.
		if stErr := c.registry.UpdateStatus(id, StatusFailed); stErr != nil {
			c.logger.Error("Instance %s: failed to mark Failed: %v", id, stErr)
		}
		c.metrics.ObserveShutdown(string(tier), time.Since(start), false)
		c.audit.RecordEvent(id, inst.OwnerID, "shutdown_failed", err.Error())
		return tier, err
	}

	c.finalize(inst)

	if err := c.registry.UpdateStatus(id, StatusClosed); err != nil {
		c.logger.Warn("Instance %s: close transition: %v", id, err)
	}
	if err := c.registry.Remove(id); err != nil {
		c.logger.Warn("Instance %s: remove after close: %v", id, err)
	}

	c.metrics.ObserveShutdown(string(tier), time.Since(start), true)
	c.audit.RecordEvent(id, inst.OwnerID, "closed", string(tier))
	c.logger.Info("Instance %s closed (tier %s, %v)", id, tier, time.Since(start).Round(time.Millisecond))
	return tier, nil
}

// shutdown walks the tiers until exit is confirmed. It returns the last tier
// attempted together with ErrShutdownTimeout when even the kill tier could
// not confirm exit.
func (c *Controller) shutdown(ctx context.Context, inst *Instance) (Tier, error) {
	if !inst.processAlive() {
		c.logger.Debug("Instance %s process already exited", inst.ID)
		return TierNone, nil
	}

	// Tier 1: protocol-level close. The only tier that reliably persists
	// session/restore state.
	if c.protocolClose(ctx, inst) {
		return TierProtocol, nil
	}

	// Tier 2: cooperative close signal.
	pid := inst.pid()
	c.logger.Info("Instance %s: escalating to cooperative signal (pid %d)", inst.ID, pid)
	if err := terminatePID(pid); err != nil {
		c.logger.Warn("Instance %s: cooperative signal failed: %v", inst.ID, err)
	}
	if waitExitOrCtx(ctx, inst, c.cfg.TermTimeout) {
		return TierTerm, nil
	}

	// Tier 3: forced termination. May leave a "did not close cleanly" marker
	// on next launch; accepted and logged, never silent.
	c.logger.Warn("Instance %s: escalating to forced kill (pid %d)", inst.ID, pid)
	if err := killPID(pid); err != nil {
		c.logger.Error("Instance %s: kill signal failed: %v", inst.ID, err)
	}
	if waitExitOrCtx(ctx, inst, c.cfg.KillTimeout) {
		return TierKill, nil
	}

	return TierKill, fmt.Errorf("instance %s (pid %d): %w", inst.ID, pid, ErrShutdownTimeout)
}

// protocolClose runs the debug-protocol close tier and reports whether exit
// was confirmed within the tier timeout.
func (c *Controller) protocolClose(ctx context.Context, inst *Instance) bool {
	tierCtx, cancel := context.WithTimeout(ctx, c.cfg.ProtocolTimeout)
	defer cancel()

	session, err := c.dialSession(tierCtx, inst.DebugPort)
	if err != nil {
		c.logger.Debug("Instance %s: protocol close unavailable: %v", inst.ID, err)
		return false
	}
	defer func() { _ = session.Close() }()

	if err := session.CloseBrowser(tierCtx); err != nil {
		c.logger.Debug("Instance %s: Browser.close failed: %v", inst.ID, err)
		return false
	}

	return waitExitOrCtx(ctx, inst, c.cfg.ProtocolTimeout)
}

// finalize releases the resources of a confirmed-exited instance: the debug
// port goes back to the allocator and ephemeral profiles are removed.
// Persistent user-data dirs are never touched.
func (c *Controller) finalize(inst *Instance) {
	c.allocator.Release(inst.DebugPort)

	if inst.EphemeralDataDir && inst.UserDataDir != "" {
		if err := os.RemoveAll(inst.UserDataDir); err != nil {
			c.logger.Warn("Instance %s: failed to remove ephemeral profile %s: %v",
				inst.ID, inst.UserDataDir, err)
		}
	}
}

// DestroyAll fans out individual destroys concurrently. One instance's
// failure never aborts the others; outcomes are collected independently.
// When ownerID is non-empty only that owner's instances are torn down.
func (c *Controller) DestroyAll(ctx context.Context, ownerID string) BulkResult {
	var snaps []Snapshot
	if ownerID == "" {
		snaps = c.registry.List()
	} else {
		snaps = c.registry.ListByOwner(ownerID)
	}

	var (
		mu     sync.Mutex
		result BulkResult
		wg     sync.WaitGroup
	)
	result.Succeeded = make([]string, 0, len(snaps))

	for _, snap := range snaps {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()

			// A teardown racing an in-flight create on the same id waits for
			// the create to settle rather than failing its status transition
			// and leaving the process running.
			unlock := c.lockID(id)
			defer unlock()

			_, err := c.Destroy(ctx, id)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed = append(result.Failed, BulkFailure{ID: id, Reason: err.Error()})
			} else {
				result.Succeeded = append(result.Succeeded, id)
			}
		}(snap.ID)
	}

	wg.Wait()
	c.logger.Info("Bulk teardown (owner %q): %d succeeded, %d failed",
		ownerID, len(result.Succeeded), len(result.Failed))
	return result
}

// waitExitOrCtx waits for process exit up to the tier timeout. A canceled or
// expired caller context also ends the wait so the next tier starts early.
func waitExitOrCtx(ctx context.Context, inst *Instance, timeout time.Duration) bool {
	if inst.exited == nil {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-inst.exited:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
