package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"helmsman/pkg/config"
	"helmsman/pkg/logx"
)

// MetricsRecorder receives orchestration observations. Implemented by
// pkg/metrics; a no-op implementation is used when metrics are disabled.
type MetricsRecorder interface {
	ObserveLaunch(ownerID string, success bool, errType string)
	ObserveReadiness(d time.Duration, success bool)
	ObserveShutdown(tier string, d time.Duration, success bool)
	SetActiveInstances(n int)
}

// AuditSink receives lifecycle events for durable auditing. Implemented by
// pkg/persistence.
type AuditSink interface {
	RecordEvent(instanceID, ownerID, event, detail string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveLaunch(string, bool, string)          {}
func (nopMetrics) ObserveReadiness(time.Duration, bool)        {}
func (nopMetrics) ObserveShutdown(string, time.Duration, bool) {}
func (nopMetrics) SetActiveInstances(int)                      {}

type nopAudit struct{}

func (nopAudit) RecordEvent(string, string, string, string) {}

// CreateOptions describes one instance creation request.
type CreateOptions struct {
	// ID is optional; a UUID is generated when empty.
	ID      string
	OwnerID string

	Headless     bool
	WindowWidth  int
	WindowHeight int
	UserAgent    string
	// UserDataDir selects a persistent profile; empty means an ephemeral one.
	UserDataDir string
	// ExtraArgs are appended after all built-in flags.
	ExtraArgs []string
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics wires a metrics recorder into the orchestrator.
func WithMetrics(m MetricsRecorder) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithAudit wires a lifecycle audit sink into the orchestrator.
func WithAudit(a AuditSink) Option {
	return func(mgr *Manager) { mgr.audit = a }
}

// Manager is the orchestrator's public surface: create, destroy, and query
// managed browser instances. Operations on the same instance id are
// serialized; operations on different ids proceed independently.
type Manager struct {
	logger       *logx.Logger
	cfg          *config.Config
	registry     *Registry
	allocator    *PortAllocator
	launcher     *Launcher
	verifier     *Verifier
	controller   *Controller
	metrics      MetricsRecorder
	audit        AuditSink
	maxInstances int

	idLocks keyedMutex

	// slotMu guards pending, the count of admitted creates whose records are
	// not yet inserted. Len()+pending makes the instance cap atomic across
	// concurrent creates of different ids.
	slotMu  sync.Mutex
	pending int
}

// NewManager wires the orchestration components from configuration.
func NewManager(cfg *config.Config, opts ...Option) *Manager {
	registry := NewRegistry()
	allocator := NewPortAllocator(cfg.Ports.Base, cfg.Ports.Count)

	m := &Manager{
		logger:       logx.NewLogger("browser"),
		cfg:          cfg,
		registry:     registry,
		allocator:    allocator,
		launcher:     NewLauncher(cfg.Browser),
		verifier:     NewVerifier(cfg.Readiness),
		controller:   NewController(registry, allocator, cfg.Shutdown),
		metrics:      nopMetrics{},
		audit:        nopAudit{},
		maxInstances: cfg.Browser.MaxInstances,
	}

	for _, opt := range opts {
		opt(m)
	}
	m.controller.metrics = m.metrics
	m.controller.audit = m.audit
	m.controller.lockID = m.idLocks.lock
	return m
}

// Create launches a new instance and blocks until it is Ready or has failed.
// Allocation and launch errors abort creation and leave no partial registry
// entry; a readiness timeout kills the underlying process before reporting
// failure so a Failed result never corresponds to a running process.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (Snapshot, error) {
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}

	unlock := m.idLocks.lock(id)
	defer unlock()

	if err := m.reserveSlot(); err != nil {
		return Snapshot{}, fmt.Errorf("instance %s: %w", id, err)
	}

	port, err := m.allocator.Allocate()
	if err != nil {
		m.releaseSlot()
		m.metrics.ObserveLaunch(opts.OwnerID, false, "ports_exhausted")
		return Snapshot{}, fmt.Errorf("instance %s: %w", id, err)
	}

	inst, err := m.launcher.Launch(LaunchConfig{
		ID:           id,
		OwnerID:      opts.OwnerID,
		DebugPort:    port,
		Headless:     opts.Headless,
		UserDataDir:  opts.UserDataDir,
		WindowWidth:  opts.WindowWidth,
		WindowHeight: opts.WindowHeight,
		UserAgent:    opts.UserAgent,
		ExtraArgs:    opts.ExtraArgs,
	})
	if err != nil {
		m.releaseSlot()
		m.allocator.Release(port)
		m.metrics.ObserveLaunch(opts.OwnerID, false, "launch_failed")
		return Snapshot{}, err
	}

	if err := m.registry.Insert(inst); err != nil {
		// Impossible under the per-id lock unless a caller reuses a live id.
		m.releaseSlot()
		m.abortLaunch(inst)
		m.metrics.ObserveLaunch(opts.OwnerID, false, "duplicate_id")
		return Snapshot{}, err
	}
	// The record is registered; from here the cap is covered by Len().
	m.releaseSlot()
	m.audit.RecordEvent(id, opts.OwnerID, "starting", fmt.Sprintf("port=%d pid=%d", port, inst.pid()))

	verifyStart := time.Now()
	info, err := m.verifier.Verify(ctx, id, port)
	m.metrics.ObserveReadiness(time.Since(verifyStart), err == nil)
	if err != nil {
		m.failLaunch(inst, opts.OwnerID, err)
		m.metrics.ObserveLaunch(opts.OwnerID, false, "readiness_timeout")
		return Snapshot{}, err
	}

	if err := m.registry.UpdateStatus(id, StatusReady); err != nil {
		return Snapshot{}, err
	}

	m.metrics.ObserveLaunch(opts.OwnerID, true, "")
	m.metrics.SetActiveInstances(m.registry.Len())
	m.audit.RecordEvent(id, opts.OwnerID, "ready", info.Browser)
	return m.registry.Get(id)
}

// reserveSlot admits one creation against the instance cap. The reservation
// is handed back once the record is inserted or the launch is abandoned.
func (m *Manager) reserveSlot() error {
	m.slotMu.Lock()
	defer m.slotMu.Unlock()

	occupied := m.registry.Len() + m.pending
	if occupied >= m.maxInstances {
		return fmt.Errorf("%d instances already running: %w", occupied, ErrTooManyInstances)
	}
	m.pending++
	return nil
}

func (m *Manager) releaseSlot() {
	m.slotMu.Lock()
	m.pending--
	m.slotMu.Unlock()
}

// failLaunch marks a failed launch and reclaims its resources. When the
// process cannot be confirmed dead the Failed record is retained so the
// dangling process stays visible, matching the destroy path.
func (m *Manager) failLaunch(inst *Instance, ownerID string, cause error) {
	if stErr := m.registry.UpdateStatus(inst.ID, StatusFailed); stErr != nil {
		m.logger.Error("Instance %s: failed transition: %v", inst.ID, stErr)
	}
	m.audit.RecordEvent(inst.ID, ownerID, "failed", cause.Error())

	if !m.killAndReap(inst) {
		m.logger.Error("Instance %s: process %d unconfirmed after kill, retaining failed record",
			inst.ID, inst.pid())
		return
	}
	m.finalizeFailed(inst)
}

// abortLaunch kills a process whose record never made it into the registry.
func (m *Manager) abortLaunch(inst *Instance) {
	if m.killAndReap(inst) {
		m.finalizeFailed(inst)
	}
}

// killAndReap force-kills the process and reports whether exit was
// confirmed.
func (m *Manager) killAndReap(inst *Instance) bool {
	if !inst.processAlive() {
		return true
	}
	if err := killPID(inst.pid()); err != nil {
		m.logger.Warn("Instance %s: kill failed: %v", inst.ID, err)
	}
	if !inst.waitExit(m.cfg.Shutdown.KillTimeout) {
		m.logger.Error("Instance %s: process %d did not exit after kill", inst.ID, inst.pid())
		return false
	}
	return true
}

// finalizeFailed releases the port and ephemeral profile of a failed launch
// and drops the record if it was registered.
func (m *Manager) finalizeFailed(inst *Instance) {
	m.controller.finalize(inst)
	if err := m.registry.Remove(inst.ID); err == nil {
		m.metrics.SetActiveInstances(m.registry.Len())
	}
}

// Destroy tears down one instance through the tiered shutdown protocol.
// It reports whether the instance ended closed.
func (m *Manager) Destroy(ctx context.Context, id string) (bool, error) {
	unlock := m.idLocks.lock(id)
	defer unlock()

	_, err := m.controller.Destroy(ctx, id)
	m.metrics.SetActiveInstances(m.registry.Len())
	return err == nil, err
}

// DestroyAll tears down every instance, or only an owner's instances when
// ownerID is non-empty. Per-instance failures are collected, not thrown.
func (m *Manager) DestroyAll(ctx context.Context, ownerID string) BulkResult {
	result := m.controller.DestroyAll(ctx, ownerID)
	m.metrics.SetActiveInstances(m.registry.Len())
	return result
}

// Status returns a snapshot of the instance record.
func (m *Manager) Status(id string) (Snapshot, error) {
	return m.registry.Get(id)
}

// List returns snapshots of all managed instances.
func (m *Manager) List() []Snapshot {
	return m.registry.List()
}

// ListByOwner returns snapshots of one owner's instances.
func (m *Manager) ListByOwner(ownerID string) []Snapshot {
	return m.registry.ListByOwner(ownerID)
}

// BeginTask marks an instance Busy and bumps its task bookkeeping.
func (m *Manager) BeginTask(id string) error {
	if err := m.registry.UpdateStatus(id, StatusBusy); err != nil {
		return err
	}
	return m.registry.TouchActivity(id)
}

// EndTask returns a Busy instance to Ready.
func (m *Manager) EndTask(id string) error {
	return m.registry.UpdateStatus(id, StatusReady)
}

// SetCapability records an optional feature flag on an instance.
func (m *Manager) SetCapability(id string, set func(*Capabilities)) error {
	return m.registry.SetCapability(id, set)
}

// CloseIdle destroys Ready instances whose last activity is older than
// maxIdle. It returns the ids that were torn down.
func (m *Manager) CloseIdle(ctx context.Context, maxIdle time.Duration) []string {
	cutoff := nowFunc().Add(-maxIdle)

	var idle []string
	for _, snap := range m.registry.List() {
		if snap.Status == StatusReady && snap.LastActivity.Before(cutoff) {
			idle = append(idle, snap.ID)
		}
	}

	closed := make([]string, 0, len(idle))
	for _, id := range idle {
		if ok, err := m.Destroy(ctx, id); ok {
			closed = append(closed, id)
		} else if err != nil {
			m.logger.Warn("Idle cleanup of %s failed: %v", id, err)
		}
	}
	if len(closed) > 0 {
		m.logger.Info("Closed %d idle instances", len(closed))
	}
	return closed
}

// Shutdown destroys all instances. Called on orchestrator exit.
func (m *Manager) Shutdown(ctx context.Context) BulkResult {
	return m.DestroyAll(ctx, "")
}

// keyedMutex serializes operations per instance id without blocking
// unrelated ids. Entries are reference counted and removed when idle.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*idLock
}

type idLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(id string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*idLock)
	}
	l, ok := k.locks[id]
	if !ok {
		l = &idLock{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
