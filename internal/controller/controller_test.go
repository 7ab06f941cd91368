package controller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/runnerctl/runnerctl/internal/config"
	"github.com/runnerctl/runnerctl/internal/eventlog"
	"github.com/runnerctl/runnerctl/internal/github"
	"github.com/runnerctl/runnerctl/internal/metrics"
	"github.com/runnerctl/runnerctl/internal/provider"

	"github.com/prometheus/client_golang/prometheus"
)

// fakeRegistry is a hand-rolled fake implementing registryAdapter, in the
// style of the example repos' table-driven adapter tests: a test sets up
// the slice of workers and pending-work counts it wants observed, rather
// than standing up an httptest server (internal/github already covers the
// wire format against a real server).
type fakeRegistry struct {
	mu sync.Mutex

	workers []github.Runner
	pending github.PendingWork
	nextID  int64

	listErr  error
	tokenErr error

	deleted []int64
}

func (f *fakeRegistry) ListWorkers(ctx context.Context) ([]github.Runner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]github.Runner, len(f.workers))
	copy(out, f.workers)
	return out, nil
}

func (f *fakeRegistry) FetchRegistrationToken(ctx context.Context) (github.RegistrationToken, error) {
	if f.tokenErr != nil {
		return github.RegistrationToken{}, f.tokenErr
	}
	return github.RegistrationToken{Token: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeRegistry) DeleteWorker(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	filtered := f.workers[:0]
	for _, w := range f.workers {
		if w.ID != id {
			filtered = append(filtered, w)
		}
	}
	f.workers = filtered
	return nil
}

func (f *fakeRegistry) ListPendingWork(ctx context.Context) (github.PendingWork, error) {
	return f.pending, nil
}

func (f *fakeRegistry) ValidateToken(ctx context.Context) error { return nil }

func (f *fakeRegistry) addOnline(name string, busy bool) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.workers = append(f.workers, github.Runner{ID: id, Name: name, Status: "online", Busy: busy})
	return id
}

// fakeProvider is a hand-rolled fake implementing provider.Provider.
type fakeProvider struct {
	mu      sync.Mutex
	runners map[string]*provider.Runner
	nextID  int

	createErr error
	removeErr error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{runners: make(map[string]*provider.Runner)}
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) ListRunners(ctx context.Context) ([]*provider.Runner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*provider.Runner, 0, len(f.runners))
	for _, r := range f.runners {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeProvider) GetRunner(ctx context.Context, id string) (*provider.Runner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.runners[id]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, errors.New("not found")
}

func (f *fakeProvider) CreateRunner(ctx context.Context, req *provider.CreateRunnerRequest) (*provider.Runner, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := time.Now().Format("150405.000000000") + "-" + req.Name
	r := &provider.Runner{
		ID:         id,
		Name:       req.Name,
		WorkerName: req.Name,
		Status:     provider.StatusRunning,
		CreatedAt:  time.Now(),
	}
	f.runners[id] = r
	return r, nil
}

func (f *fakeProvider) RemoveRunner(ctx context.Context, id string, graceful bool) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.runners, id)
	return nil
}

func (f *fakeProvider) ReapDead(ctx context.Context) ([]string, error) { return nil, nil }

func (f *fakeProvider) GetLogs(ctx context.Context, id string, opts provider.LogOptions) (string, error) {
	return "", nil
}

func (f *fakeProvider) EnsureNetwork(ctx context.Context, name string) error { return nil }

func (f *fakeProvider) ListVolumes(ctx context.Context) ([]string, error) { return nil, nil }

func (f *fakeProvider) HealthCheck(ctx context.Context) error { return nil }

func (f *fakeProvider) Close() error { return nil }

func (f *fakeProvider) addExisting(name string, age time.Duration) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "existing-" + name
	f.runners[id] = &provider.Runner{
		ID:         id,
		Name:       name,
		WorkerName: name,
		Status:     provider.StatusRunning,
		CreatedAt:  time.Now().Add(-age),
	}
	return id
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.GitHub.Org = "acme"
	cfg.Scaling = config.ScalingConfig{
		MinRunners:         2,
		MaxRunners:         10,
		ScaleUpThreshold:   3,
		ScaleDownThreshold: 1,
		ScaleUpBatch:       2,
		CircuitBreakerTrip: 3,
		UtilHighWatermark:  0.8,
		UtilLowWatermark:   0.2,
	}
	cfg.Timing = config.TimingConfig{
		PollInterval:        time.Hour,
		MinMaintainInterval: time.Hour,
		RuntimeSyncInterval: time.Hour,
		ReconcileInterval:   time.Hour,
		DeadCleanInterval:   time.Hour,
		UtilInterval:        time.Hour,
		RegistrationGrace:   2 * time.Minute,
		ScaleUpCooldown:     time.Minute,
	}
	cfg.Identity = config.IdentityConfig{
		RunnerPrefix:     "orchestrated",
		RunnerNamePrefix: "github-runner",
		ControllerID:     "test-controller",
	}
	cfg.Runtime.Type = "docker"
	return cfg
}

func newTestController(t *testing.T) (*Controller, *fakeRegistry, *fakeProvider) {
	t.Helper()
	reg := &fakeRegistry{}
	rt := newFakeProvider()
	met := metrics.NewMetrics(prometheus.NewRegistry())
	events := eventlog.New(10)
	logger := slog.New(slog.NewTextHandler(testLogWriter{t}, nil))

	ctrl, err := New(testConfig(t), reg, rt, met, events, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ctrl, reg, rt
}

type testLogWriter struct{ t *testing.T }

func (w testLogWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestNewRequiresAdapters(t *testing.T) {
	cfg := testConfig(t)
	met := metrics.NewMetrics(prometheus.NewRegistry())
	events := eventlog.New(10)
	logger := slog.Default()

	if _, err := New(cfg, nil, newFakeProvider(), met, events, logger); err == nil {
		t.Fatal("expected error with nil registry")
	}
	if _, err := New(cfg, &fakeRegistry{}, nil, met, events, logger); err == nil {
		t.Fatal("expected error with nil runtime")
	}
}

func TestTickMinMaintainerProvisionsToFloor(t *testing.T) {
	ctrl, reg, rt := newTestController(t)
	ctx := context.Background()

	ctrl.mu.Lock()
	ctrl.adoptExistingLocked(ctx)
	ctrl.mu.Unlock()

	ctrl.tickMinMaintainer(ctx)

	runners, _ := rt.ListRunners(ctx)
	if len(runners) != 2 {
		t.Fatalf("expected 2 runners provisioned to reach floor, got %d", len(runners))
	}

	st := ctrl.Status(ctx)
	if st.TotalCreated != 2 {
		t.Fatalf("expected total_created=2, got %d", st.TotalCreated)
	}
	_ = reg
}

// Containers that exist but have not yet registered must not be
// re-requested: repeated ticks before registration catches up would
// otherwise overshoot the floor.
func TestMinMaintainerDoesNotReprovisionWhileRegistrationPending(t *testing.T) {
	ctrl, _, rt := newTestController(t)
	ctx := context.Background()

	ctrl.tickMinMaintainer(ctx)

	runners, _ := rt.ListRunners(ctx)
	if len(runners) != 2 {
		t.Fatalf("expected 2 runners after first tick, got %d", len(runners))
	}

	// Still zero online: the containers are registering. Further ticks of
	// any deciding task must not provision more.
	ctrl.tickMinMaintainer(ctx)
	ctrl.tickQueueMonitor(ctx)
	ctrl.tickUtilizationMonitor(ctx)

	runners, _ = rt.ListRunners(ctx)
	if len(runners) != 2 {
		t.Fatalf("expected still 2 runners while registration is pending, got %d", len(runners))
	}
	st := ctrl.Status(ctx)
	if st.TotalCreated != 2 {
		t.Fatalf("expected total_created=2, got %d", st.TotalCreated)
	}
}

func TestTickQueueMonitorScalesUpOnPressure(t *testing.T) {
	ctrl, reg, rt := newTestController(t)
	ctx := context.Background()

	// Start at the floor already.
	rt.addExisting("orchestrated-a", time.Minute)
	rt.addExisting("orchestrated-b", time.Minute)
	reg.addOnline("orchestrated-a", false)
	reg.addOnline("orchestrated-b", false)
	reg.pending = github.PendingWork{Queued: 5, InProgress: 0}

	ctrl.mu.Lock()
	ctrl.adoptExistingLocked(ctx)
	ctrl.mu.Unlock()

	ctrl.tickQueueMonitor(ctx)

	runners, _ := rt.ListRunners(ctx)
	if len(runners) != 4 {
		t.Fatalf("expected scale-up batch of 2 on top of 2 existing, got %d", len(runners))
	}
}

func TestTickQueueMonitorScalesDownWhenIdle(t *testing.T) {
	ctrl, reg, rt := newTestController(t)
	ctx := context.Background()

	names := []string{"orchestrated-a", "orchestrated-b", "orchestrated-c"}
	for i, name := range names {
		rt.addExisting(name, time.Duration(i+1)*time.Minute)
		reg.addOnline(name, false)
	}
	reg.pending = github.PendingWork{Queued: 0, InProgress: 0}

	ctrl.mu.Lock()
	ctrl.adoptExistingLocked(ctx)
	ctrl.mu.Unlock()

	ctrl.tickQueueMonitor(ctx)

	runners, _ := rt.ListRunners(ctx)
	if len(runners) != 2 {
		t.Fatalf("expected scale-down by 1 from 3, got %d", len(runners))
	}
}

func TestScaleDownNeverPicksBusyWorker(t *testing.T) {
	ctrl, reg, rt := newTestController(t)
	ctx := context.Background()

	rt.addExisting("orchestrated-a", 2*time.Minute)
	rt.addExisting("orchestrated-b", time.Minute)
	rt.addExisting("orchestrated-c", 30*time.Second)
	reg.addOnline("orchestrated-a", true) // oldest, but busy
	reg.addOnline("orchestrated-b", false)
	reg.addOnline("orchestrated-c", false)
	reg.pending = github.PendingWork{Queued: 0, InProgress: 0}

	ctrl.mu.Lock()
	ctrl.adoptExistingLocked(ctx)
	ctrl.mu.Unlock()

	ctrl.tickQueueMonitor(ctx)

	runners, _ := rt.ListRunners(ctx)
	names := map[string]bool{}
	for _, r := range runners {
		names[r.WorkerName] = true
	}
	if !names["orchestrated-a"] {
		t.Fatal("busy worker orchestrated-a should never be torn down")
	}
	if len(runners) != 2 {
		t.Fatalf("expected exactly one scale-down, got %d runners remaining", len(runners))
	}
}

func TestStartupAdoptsExistingWorkersWithoutCreating(t *testing.T) {
	ctrl, reg, rt := newTestController(t)
	ctx := context.Background()

	rt.addExisting("orchestrated-a", time.Minute)
	rt.addExisting("orchestrated-b", time.Minute)
	reg.addOnline("orchestrated-a", false)
	reg.addOnline("orchestrated-b", false)

	ctrl.mu.Lock()
	ctrl.adoptExistingLocked(ctx)
	st := ctrl.st
	ctrl.mu.Unlock()

	if st.totalCreated != 0 {
		t.Fatalf("expected no creations on adoption, got %d", st.totalCreated)
	}
	if st.ignoredExisting != 2 {
		t.Fatalf("expected ignored_existing=2, got %d", st.ignoredExisting)
	}
	if len(st.workers) != 2 {
		t.Fatalf("expected 2 workers tracked after adoption, got %d", len(st.workers))
	}
}

func TestReconcilerDeletesOfflineOrphanRegistration(t *testing.T) {
	ctrl, reg, _ := newTestController(t)
	ctx := context.Background()

	id := reg.addOnline("orchestrated-ghost", false)
	reg.mu.Lock()
	for i := range reg.workers {
		if reg.workers[i].ID == id {
			reg.workers[i].Status = "offline"
		}
	}
	reg.mu.Unlock()

	ctrl.tickReconciler(ctx)

	workers, _ := reg.ListWorkers(ctx)
	if len(workers) != 0 {
		t.Fatalf("expected offline orphan registration deleted, got %d remaining", len(workers))
	}
}

func TestReconcilerTearsDownUnregisteredContainerPastGrace(t *testing.T) {
	ctrl, _, rt := newTestController(t)
	ctx := context.Background()

	rt.addExisting("orchestrated-stuck", 10*time.Minute) // older than RegistrationGrace=2m

	ctrl.tickReconciler(ctx)

	runners, _ := rt.ListRunners(ctx)
	if len(runners) != 0 {
		t.Fatalf("expected unregistered container past grace torn down, got %d remaining", len(runners))
	}
}

func TestReconcilerLeavesRecentUnregisteredContainerAlone(t *testing.T) {
	ctrl, _, rt := newTestController(t)
	ctx := context.Background()

	rt.addExisting("orchestrated-fresh", 5*time.Second)

	ctrl.tickReconciler(ctx)

	runners, _ := rt.ListRunners(ctx)
	if len(runners) != 1 {
		t.Fatalf("expected fresh unregistered container left alone within grace, got %d remaining", len(runners))
	}
}

func TestRuntimeManagerDropsDisappearedWorkers(t *testing.T) {
	ctrl, _, rt := newTestController(t)
	ctx := context.Background()

	id := rt.addExisting("orchestrated-a", time.Minute)

	ctrl.mu.Lock()
	ctrl.adoptExistingLocked(ctx)
	ctrl.mu.Unlock()

	rt.mu.Lock()
	delete(rt.runners, id)
	rt.mu.Unlock()

	ctrl.tickRuntimeManager(ctx)

	ctrl.mu.Lock()
	_, tracked := ctrl.st.workers["orchestrated-a"]
	ctrl.mu.Unlock()
	if tracked {
		t.Fatal("expected worker removed from tracked state once its container disappeared")
	}
}

func TestScaleUpNeverExceedsMaxRunners(t *testing.T) {
	ctrl, reg, rt := newTestController(t)
	ctx := context.Background()

	ctrl.cfg.Scaling.MaxRunners = 2

	rt.addExisting("orchestrated-a", time.Minute)
	rt.addExisting("orchestrated-b", time.Minute)
	reg.addOnline("orchestrated-a", false)
	reg.addOnline("orchestrated-b", false)
	reg.pending = github.PendingWork{Queued: 10, InProgress: 0}

	ctrl.mu.Lock()
	ctrl.adoptExistingLocked(ctx)
	ctrl.mu.Unlock()

	for i := 0; i < 3; i++ {
		ctrl.tickQueueMonitor(ctx)
	}

	runners, _ := rt.ListRunners(ctx)
	if len(runners) > 2 {
		t.Fatalf("runtime count must never exceed MaxRunners, got %d", len(runners))
	}
}

func TestCapacityDenialsIncrementFailedAttemptsAndTripBreaker(t *testing.T) {
	ctrl, reg, rt := newTestController(t)
	ctx := context.Background()

	ctrl.cfg.Scaling.MaxRunners = 1

	rt.addExisting("orchestrated-a", time.Minute)
	reg.addOnline("orchestrated-a", true)
	reg.pending = github.PendingWork{Queued: 10, InProgress: 0}

	ctrl.mu.Lock()
	ctrl.adoptExistingLocked(ctx)
	ctrl.mu.Unlock()

	for i := 0; i < 3; i++ {
		ctrl.tickQueueMonitor(ctx)
	}

	st := ctrl.Status(ctx)
	if st.FailedScaleAttempts != 3 {
		t.Fatalf("expected 3 capacity-denied attempts recorded, got %d", st.FailedScaleAttempts)
	}
	if !st.CircuitBreakerActive {
		t.Fatal("expected circuit breaker tripped after consecutive capacity denials")
	}

	runners, _ := rt.ListRunners(ctx)
	if len(runners) != 1 {
		t.Fatalf("expected no provisioning past max, got %d runners", len(runners))
	}
}

func TestManualScaleUpRespectsMaxRunners(t *testing.T) {
	ctrl, _, rt := newTestController(t)
	ctx := context.Background()
	ctrl.cfg.Scaling.MaxRunners = 3

	created, err := ctrl.ManualScaleUp(ctx, 10)
	if err != nil {
		t.Fatalf("ManualScaleUp: %v", err)
	}
	if created != 3 {
		t.Fatalf("expected clamp to MaxRunners=3, got %d", created)
	}

	runners, _ := rt.ListRunners(ctx)
	if len(runners) != 3 {
		t.Fatalf("expected 3 runners, got %d", len(runners))
	}

	if _, err := ctrl.ManualScaleUp(ctx, 1); !errors.Is(err, ErrAtCapacity) {
		t.Fatalf("expected ErrAtCapacity once at max, got %v", err)
	}
}

func TestManualDeleteRefusesBusyWorker(t *testing.T) {
	ctrl, reg, rt := newTestController(t)
	ctx := context.Background()

	rt.addExisting("orchestrated-busy", time.Minute)
	reg.addOnline("orchestrated-busy", true)

	if err := ctrl.ManualDelete(ctx, "orchestrated-busy"); !errors.Is(err, ErrWorkerBusy) {
		t.Fatalf("expected ErrWorkerBusy, got %v", err)
	}

	runners, _ := rt.ListRunners(ctx)
	if len(runners) != 1 {
		t.Fatal("busy worker should not have been torn down")
	}
}

func TestManualDeleteNotFound(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	ctx := context.Background()

	if err := ctrl.ManualDelete(ctx, "does-not-exist"); !errors.Is(err, ErrWorkerNotFound) {
		t.Fatalf("expected ErrWorkerNotFound, got %v", err)
	}
}

func TestManualDeleteTearsDownIdleWorker(t *testing.T) {
	ctrl, reg, rt := newTestController(t)
	ctx := context.Background()

	rt.addExisting("orchestrated-idle", time.Minute)
	reg.addOnline("orchestrated-idle", false)

	if err := ctrl.ManualDelete(ctx, "orchestrated-idle"); err != nil {
		t.Fatalf("ManualDelete: %v", err)
	}

	runners, _ := rt.ListRunners(ctx)
	if len(runners) != 0 {
		t.Fatalf("expected worker torn down, got %d remaining", len(runners))
	}
}

func TestJoinedWorkersPairsRegistryAndRuntime(t *testing.T) {
	ctrl, reg, rt := newTestController(t)
	ctx := context.Background()

	rt.addExisting("orchestrated-a", time.Minute)
	reg.addOnline("orchestrated-a", false)

	views, err := ctrl.JoinedWorkers(ctx)
	if err != nil {
		t.Fatalf("JoinedWorkers: %v", err)
	}
	if len(views) != 1 || !views[0].Paired {
		t.Fatalf("expected one paired worker view, got %+v", views)
	}
}

func TestStatusReportsDegradedOnAdapterFailure(t *testing.T) {
	ctrl, reg, _ := newTestController(t)
	ctx := context.Background()

	reg.listErr = errors.New("boom")

	st := ctrl.Status(ctx)
	if !st.Degraded || st.DegradedAdapter != "github" {
		t.Fatalf("expected degraded status reporting github adapter, got %+v", st)
	}
}

func TestStatusReportsDegradedQueueSignalAtOrgScope(t *testing.T) {
	ctrl, reg, _ := newTestController(t)
	ctx := context.Background()

	reg.pending = github.PendingWork{Queued: github.QueuedUnsupported, InProgress: 2}

	st := ctrl.Status(ctx)
	if !st.DegradedQueueSignal {
		t.Fatal("expected degraded_queue_signal when registry reports no queue count")
	}
}
