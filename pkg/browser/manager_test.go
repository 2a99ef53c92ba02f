package browser

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"helmsman/pkg/config"
)

// newReadyEndpoint serves debug version metadata the way a live browser would.
func newReadyEndpoint(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"Browser":"Chrome/126.0.6478.62","Protocol-Version":"1.3"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// newTestManager wires a manager around a fake browser script, with readiness
// pointed at the given endpoint and the protocol tier disabled.
func newTestManager(t *testing.T, script, endpoint string) *Manager {
	t.Helper()

	cfg := config.Default()
	cfg.Browser.ExecPath = writeFakeBrowser(t, script)
	cfg.Browser.DataDir = t.TempDir()
	cfg.Browser.MaxInstances = 8
	cfg.Ports = config.PortsConfig{Base: 9222, Count: 10}
	cfg.Readiness = config.ReadinessConfig{ProbeInterval: 10 * time.Millisecond, Timeout: 2 * time.Second}
	cfg.Shutdown = shortShutdownConfig()

	m := NewManager(cfg)
	m.verifier.endpointFor = func(int) string { return endpoint }
	m.controller.dialSession = func(context.Context, int) (debugCloser, error) {
		return nil, errors.New("debug endpoint unavailable")
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m
}

func TestManagerCreateReady(t *testing.T) {
	m := newTestManager(t, sleeperScript, newReadyEndpoint(t).URL)

	snap, err := m.Create(context.Background(), CreateOptions{OwnerID: "agent-7", Headless: true})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if snap.Status != StatusReady {
		t.Errorf("Expected ready, got %s", snap.Status)
	}
	if snap.DebugPort != 9222 {
		t.Errorf("Expected first port 9222, got %d", snap.DebugPort)
	}
	if snap.OwnerID != "agent-7" {
		t.Errorf("Expected owner agent-7, got %s", snap.OwnerID)
	}
	if snap.PID == 0 {
		t.Error("Expected a live pid in the snapshot")
	}
	if snap.ID == "" {
		t.Error("Expected a generated instance id")
	}
}

func TestManagerCreatePortExhaustion(t *testing.T) {
	m := newTestManager(t, sleeperScript, newReadyEndpoint(t).URL)
	m.allocator = NewPortAllocator(9222, 1)
	m.controller.allocator = m.allocator

	if _, err := m.Create(context.Background(), CreateOptions{}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	_, err := m.Create(context.Background(), CreateOptions{})
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("Expected ErrResourceExhausted, got %v", err)
	}
	// The failed creation left nothing behind.
	if got := len(m.List()); got != 1 {
		t.Errorf("Expected 1 registered instance, got %d", got)
	}
}

func TestManagerCreateTooManyInstances(t *testing.T) {
	m := newTestManager(t, sleeperScript, newReadyEndpoint(t).URL)
	m.maxInstances = 1

	if _, err := m.Create(context.Background(), CreateOptions{}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	_, err := m.Create(context.Background(), CreateOptions{})
	if !errors.Is(err, ErrTooManyInstances) {
		t.Errorf("Expected ErrTooManyInstances, got %v", err)
	}
}

func TestManagerCreateReadinessFailureLeavesNoOrphan(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	// The fake browser records its pid so the test can confirm it was killed.
	pidFile := filepath.Join(t.TempDir(), "pid")
	script := "#!/bin/sh\necho $$ > " + pidFile + "\nexec sleep 60\n"

	m := newTestManager(t, script, srv.URL)
	m.cfg.Readiness.Timeout = 100 * time.Millisecond
	m.verifier = NewVerifier(m.cfg.Readiness)
	m.verifier.endpointFor = func(int) string { return srv.URL }

	_, err := m.Create(context.Background(), CreateOptions{})
	if !errors.Is(err, ErrReadinessTimeout) {
		t.Fatalf("Expected ErrReadinessTimeout, got %v", err)
	}

	// No record, no held port, no running process.
	if got := len(m.List()); got != 0 {
		t.Errorf("Expected empty registry, got %d instances", got)
	}
	if m.allocator.InUse() != 0 {
		t.Errorf("Expected no ports in use, got %d", m.allocator.InUse())
	}

	raw, readErr := os.ReadFile(pidFile)
	if readErr != nil {
		t.Fatalf("Fake browser never started: %v", readErr)
	}
	pid, _ := strconv.Atoi(strings.TrimSpace(string(raw)))
	if pid == 0 {
		t.Fatalf("Bad pid file contents: %q", raw)
	}
	if pidAlive(pid) {
		t.Errorf("Process %d should be dead after readiness failure", pid)
	}
}

func TestManagerConcurrentCreatesUniquePorts(t *testing.T) {
	m := newTestManager(t, sleeperScript, newReadyEndpoint(t).URL)

	const n = 3
	var (
		mu    sync.Mutex
		ports = make(map[int]bool)
		wg    sync.WaitGroup
	)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := m.Create(context.Background(), CreateOptions{})
			if err != nil {
				t.Errorf("Unexpected error: %v", err)
				return
			}

			mu.Lock()
			defer mu.Unlock()
			if ports[snap.DebugPort] {
				t.Errorf("Port %d assigned twice", snap.DebugPort)
			}
			ports[snap.DebugPort] = true
		}()
	}
	wg.Wait()

	if len(m.List()) != n {
		t.Errorf("Expected %d instances, got %d", n, len(m.List()))
	}
}

func TestManagerDestroyAllWaitsForInFlightCreate(t *testing.T) {
	// The version endpoint stays dark until released, pinning the create in
	// its readiness poll with the record still Starting.
	var live atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if !live.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"Browser":"Chrome/126"}`))
	}))
	defer srv.Close()

	m := newTestManager(t, sleeperScript, srv.URL)

	type createResult struct {
		snap Snapshot
		err  error
	}
	createCh := make(chan createResult, 1)
	go func() {
		snap, err := m.Create(context.Background(), CreateOptions{ID: "inst-race"})
		createCh <- createResult{snap, err}
	}()

	// Wait until the launch has registered its Starting record.
	deadline := time.Now().Add(5 * time.Second)
	for len(m.List()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Create never registered an instance")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resultCh := make(chan BulkResult, 1)
	go func() {
		resultCh <- m.DestroyAll(context.Background(), "")
	}()

	// Give the bulk teardown time to reach the per-id lock, then let the
	// create finish.
	time.Sleep(50 * time.Millisecond)
	live.Store(true)

	created := <-createCh
	if created.err != nil {
		t.Fatalf("Create failed: %v", created.err)
	}

	result := <-resultCh
	if len(result.Failed) != 0 {
		t.Fatalf("Bulk teardown must not race the create: %+v", result.Failed)
	}
	if len(result.Succeeded) != 1 || result.Succeeded[0] != "inst-race" {
		t.Fatalf("Expected inst-race torn down, got %+v", result)
	}

	// Nothing survives: no record, no port, no process.
	if got := len(m.List()); got != 0 {
		t.Errorf("Expected empty registry, got %d instances", got)
	}
	if created.snap.PID != 0 && pidAlive(created.snap.PID) {
		t.Errorf("Process %d still alive after bulk teardown", created.snap.PID)
	}
}

func TestManagerConcurrentCreatesHonorCap(t *testing.T) {
	m := newTestManager(t, sleeperScript, newReadyEndpoint(t).URL)
	m.maxInstances = 2

	const n = 4
	var (
		created atomic.Int32
		capped  atomic.Int32
		wg      sync.WaitGroup
	)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Create(context.Background(), CreateOptions{})
			switch {
			case err == nil:
				created.Add(1)
			case errors.Is(err, ErrTooManyInstances):
				capped.Add(1)
			default:
				t.Errorf("Unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if created.Load() != 2 || capped.Load() != 2 {
		t.Errorf("Expected 2 created and 2 capped, got %d/%d", created.Load(), capped.Load())
	}
	if got := len(m.List()); got != 2 {
		t.Errorf("Expected 2 registered instances, got %d", got)
	}
}

func TestFailLaunchRetainsRecordWhenExitUnconfirmed(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake browser scripts require a POSIX shell")
	}

	m := newTestManager(t, sleeperScript, newReadyEndpoint(t).URL)
	m.cfg.Shutdown.KillTimeout = 100 * time.Millisecond

	// An exit channel that never closes simulates a process whose death
	// cannot be confirmed.
	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start process: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	})

	port, err := m.allocator.Allocate()
	if err != nil {
		t.Fatalf("Failed to allocate port: %v", err)
	}
	inst := &Instance{
		ID:        "inst-stuck",
		DebugPort: port,
		CreatedAt: time.Now(),
		status:    StatusStarting,
		cmd:       cmd,
		exited:    make(chan struct{}),
	}
	if err := m.registry.Insert(inst); err != nil {
		t.Fatalf("Failed to register instance: %v", err)
	}

	m.failLaunch(inst, "", errors.New("debug port never came up"))

	// The Failed record and its port stay held so the possibly-live process
	// remains visible.
	snap, err := m.Status("inst-stuck")
	if err != nil {
		t.Fatalf("Record must be retained: %v", err)
	}
	if snap.Status != StatusFailed {
		t.Errorf("Expected failed status, got %s", snap.Status)
	}
	if m.allocator.InUse() != 1 {
		t.Errorf("Port must stay held, %d in use", m.allocator.InUse())
	}
}

func TestFailLaunchReleasesConfirmedDeadProcess(t *testing.T) {
	m := newTestManager(t, sleeperScript, newReadyEndpoint(t).URL)

	registry := m.registry
	allocator := m.allocator
	inst := launchTestInstance(t, registry, allocator, sleeperScript, "")
	registry.mu.Lock()
	inst.status = StatusStarting
	registry.mu.Unlock()

	m.failLaunch(inst, "", errors.New("debug port never came up"))

	if _, err := m.Status(inst.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Record should be removed once exit is confirmed, got %v", err)
	}
	if allocator.InUse() != 0 {
		t.Errorf("Port should be released, %d in use", allocator.InUse())
	}
	if inst.processAlive() {
		t.Error("Process should be dead")
	}
}

func TestManagerDestroy(t *testing.T) {
	m := newTestManager(t, sleeperScript, newReadyEndpoint(t).URL)

	snap, err := m.Create(context.Background(), CreateOptions{})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	ok, err := m.Destroy(context.Background(), snap.ID)
	if err != nil || !ok {
		t.Fatalf("Destroy failed: ok=%v err=%v", ok, err)
	}
	if _, err := m.Status(snap.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after destroy, got %v", err)
	}
	if m.allocator.InUse() != 0 {
		t.Errorf("Expected port released, %d in use", m.allocator.InUse())
	}
}

func TestManagerDestroyAllByOwner(t *testing.T) {
	m := newTestManager(t, sleeperScript, newReadyEndpoint(t).URL)

	for i := 0; i < 2; i++ {
		if _, err := m.Create(context.Background(), CreateOptions{OwnerID: "agent-7"}); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}
	keep, err := m.Create(context.Background(), CreateOptions{OwnerID: "agent-9"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	result := m.DestroyAll(context.Background(), "agent-7")
	if len(result.Succeeded) != 2 || len(result.Failed) != 0 {
		t.Fatalf("Expected 2 successes, got %+v", result)
	}
	if len(m.ListByOwner("agent-7")) != 0 {
		t.Error("Expected no instances left for agent-7")
	}
	if _, err := m.Status(keep.ID); err != nil {
		t.Errorf("Other owner's instance should survive: %v", err)
	}
}

func TestManagerTaskLifecycle(t *testing.T) {
	m := newTestManager(t, sleeperScript, newReadyEndpoint(t).URL)

	snap, err := m.Create(context.Background(), CreateOptions{})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if err := m.BeginTask(snap.ID); err != nil {
		t.Fatalf("BeginTask failed: %v", err)
	}
	busy, _ := m.Status(snap.ID)
	if busy.Status != StatusBusy {
		t.Errorf("Expected busy, got %s", busy.Status)
	}
	if busy.TaskCount != 1 {
		t.Errorf("Expected task count 1, got %d", busy.TaskCount)
	}

	if err := m.EndTask(snap.ID); err != nil {
		t.Fatalf("EndTask failed: %v", err)
	}
	ready, _ := m.Status(snap.ID)
	if ready.Status != StatusReady {
		t.Errorf("Expected ready, got %s", ready.Status)
	}

	// Busy instances cannot begin another task.
	if err := m.BeginTask(snap.ID); err != nil {
		t.Fatalf("BeginTask failed: %v", err)
	}
	if err := m.BeginTask(snap.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition for double begin, got %v", err)
	}
}

func TestManagerCloseIdle(t *testing.T) {
	m := newTestManager(t, sleeperScript, newReadyEndpoint(t).URL)

	stale, err := m.Create(context.Background(), CreateOptions{})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	fresh, err := m.Create(context.Background(), CreateOptions{})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// Age the first instance's activity past the idle cutoff.
	inst, _ := m.registry.get(stale.ID)
	m.registry.mu.Lock()
	inst.lastActivity = time.Now().Add(-time.Hour)
	m.registry.mu.Unlock()

	closed := m.CloseIdle(context.Background(), 30*time.Minute)
	if len(closed) != 1 || closed[0] != stale.ID {
		t.Fatalf("Expected %s closed, got %v", stale.ID, closed)
	}
	if _, err := m.Status(fresh.ID); err != nil {
		t.Errorf("Fresh instance should survive idle cleanup: %v", err)
	}
}
