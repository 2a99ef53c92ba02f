package browser

import (
	"fmt"
	"sync"

	"helmsman/pkg/logx"
)

// Registry is the single source of truth for instance existence, status, and
// ownership. All mutation is funneled through it so status transitions stay
// consistent under concurrent callers. The lock covers map and record mutation
// only, never network calls or sleeps.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	logger    *logx.Logger
}

// NewRegistry creates an empty instance registry.
func NewRegistry() *Registry {
	return &Registry{
		instances: make(map[string]*Instance),
		logger:    logx.NewLogger("registry"),
	}
}

// Insert registers a new instance record.
func (r *Registry) Insert(inst *Instance) error {
	if inst == nil {
		return fmt.Errorf("instance cannot be nil")
	}
	if inst.ID == "" {
		return fmt.Errorf("instance id cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instances[inst.ID]; exists {
		return fmt.Errorf("instance %s: %w", inst.ID, ErrInstanceExists)
	}

	r.instances[inst.ID] = inst
	r.logger.Debug("Registered instance %s (port %d, owner %q)", inst.ID, inst.DebugPort, inst.OwnerID)
	return nil
}

// Get returns a snapshot of the instance with the given id.
func (r *Registry) Get(id string) (Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, exists := r.instances[id]
	if !exists {
		return Snapshot{}, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	return inst.snapshot(), nil
}

// UpdateStatus moves an instance along the transition graph. Transitions not
// allowed by the graph fail with ErrInvalidTransition; this is checked, not
// trusted, even though well-behaved callers never violate it.
func (r *Registry) UpdateStatus(id string, next Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, exists := r.instances[id]
	if !exists {
		return fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}

	if !inst.status.CanTransitionTo(next) {
		return fmt.Errorf("instance %s: %s -> %s: %w", id, inst.status, next, ErrInvalidTransition)
	}

	r.logger.Debug("Instance %s: %s -> %s", id, inst.status, next)
	inst.status = next
	return nil
}

// Remove deletes an instance record. The lifecycle controller calls this only
// after the process has been confirmed exited.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instances[id]; !exists {
		return fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}

	delete(r.instances, id)
	r.logger.Debug("Removed instance %s", id)
	return nil
}

// List returns snapshots of all registered instances.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(r.instances))
	for _, inst := range r.instances {
		snaps = append(snaps, inst.snapshot())
	}
	return snaps
}

// ListByOwner returns snapshots of all live instances grouped under an owner.
func (r *Registry) ListByOwner(ownerID string) []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snaps := make([]Snapshot, 0)
	for _, inst := range r.instances {
		if inst.OwnerID == ownerID {
			snaps = append(snaps, inst.snapshot())
		}
	}
	return snaps
}

// Len returns the number of registered (non-removed) instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

// TouchActivity bumps the task counter and last-activity timestamp.
func (r *Registry) TouchActivity(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, exists := r.instances[id]
	if !exists {
		return fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}

	inst.taskCount++
	inst.lastActivity = nowFunc()
	return nil
}

// SetCapability records an optional feature flag on the instance.
func (r *Registry) SetCapability(id string, set func(*Capabilities)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, exists := r.instances[id]
	if !exists {
		return fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}

	set(&inst.Capabilities)
	return nil
}

// get returns the live record for intra-package use. The lifecycle controller
// needs the process handle; external callers only ever see snapshots.
func (r *Registry) get(id string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, exists := r.instances[id]
	return inst, exists
}
