// Package controller implements the control loop: it owns the single
// mutex-guarded state, schedules the six periodic tasks that drive
// scaling, and arbitrates every scaling action and reconciliation decision
// that touches the registry or the runtime.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/runnerctl/runnerctl/internal/config"
	"github.com/runnerctl/runnerctl/internal/eventlog"
	"github.com/runnerctl/runnerctl/internal/github"
	"github.com/runnerctl/runnerctl/internal/metrics"
	"github.com/runnerctl/runnerctl/internal/policy"
	"github.com/runnerctl/runnerctl/internal/provider"
)

// Sentinel errors surfaced through the manual control surface, mapped onto
// HTTP status codes by internal/api.
var (
	ErrAtCapacity     = errors.New("controller: at max runners")
	ErrWorkerBusy     = errors.New("controller: worker is busy")
	ErrWorkerNotFound = errors.New("controller: worker not found")
)

// registryAdapter is the subset of the github.Client the controller needs;
// declared as an interface so tests can substitute a fake without spinning
// up an httptest server for every scenario.
type registryAdapter interface {
	ListWorkers(ctx context.Context) ([]github.Runner, error)
	FetchRegistrationToken(ctx context.Context) (github.RegistrationToken, error)
	DeleteWorker(ctx context.Context, id int64) error
	ListPendingWork(ctx context.Context) (github.PendingWork, error)
	ValidateToken(ctx context.Context) error
}

// workerRecord is the controller's own index entry for a worker it created
// or adopted.
type workerRecord struct {
	CreatedAt time.Time
	Adopted   bool
}

// state is the single mutex-guarded controller state. Every field here is
// read or written only while holding Controller.mu.
type state struct {
	workers map[string]workerRecord

	lastScaleUpAt       time.Time
	breaker             policy.CircuitBreaker
	ignoredExisting     int
	totalCreated        int
	totalDestroyed      int
	failedScaleAttempts int

	lastScaleAction string
	lastPollAt      time.Time
	queueLength     int

	degradedAdapter     string // "" when healthy, else "github" or "runtime"
	degradedQueueSignal bool   // true when the registry has no cheap queued-job count (org scope)

	adopted bool // true once startup adoption has run
}

// Controller owns the control loop. It is created once per process; Run
// blocks until ctx is canceled.
type Controller struct {
	cfg          *config.Config
	registry     registryAdapter
	runtime      provider.Provider
	metrics      *metrics.Metrics
	events       *eventlog.Log
	logger       *slog.Logger
	controllerID string

	mu sync.Mutex
	st state
}

// New builds a Controller over the given adapters. The registry and
// runtime adapters are leaves: they know nothing about the Controller, per
// keeping the adapters free of any reference back to the controller.
func New(cfg *config.Config, registry registryAdapter, rt provider.Provider, met *metrics.Metrics, events *eventlog.Log, logger *slog.Logger) (*Controller, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if registry == nil || rt == nil {
		return nil, fmt.Errorf("registry and runtime adapters are required")
	}

	return &Controller{
		cfg:          cfg,
		registry:     registry,
		runtime:      rt,
		metrics:      met,
		events:       events,
		logger:       logger.With("component", "controller"),
		controllerID: cfg.Identity.ControllerID,
		st: state{
			workers: make(map[string]workerRecord),
			breaker: policy.CircuitBreaker{Trip: cfg.Scaling.CircuitBreakerTrip},
		},
	}, nil
}

// Run launches the six periodic tasks and blocks until ctx is canceled.
// On shutdown it does not tear down workers: they are expected to survive
// a controller restart and be re-adopted.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info("controller starting", "controller_id", c.controllerID)

	// Adopt pre-existing matching workers before the periodic tasks start,
	// so a restart with N existing containers is reflected immediately
	// rather than waiting for the first runtime-manager tick.
	c.mu.Lock()
	c.adoptExistingLocked(ctx)
	c.mu.Unlock()

	var wg sync.WaitGroup
	tasks := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context)
	}{
		{"queue-monitor", c.cfg.Timing.PollInterval, c.tickQueueMonitor},
		{"min-maintainer", c.cfg.Timing.MinMaintainInterval, c.tickMinMaintainer},
		{"runtime-manager", c.cfg.Timing.RuntimeSyncInterval, c.tickRuntimeManager},
		{"reconciler", c.cfg.Timing.ReconcileInterval, c.tickReconciler},
		{"dead-cleaner", c.cfg.Timing.DeadCleanInterval, c.tickDeadCleaner},
		{"utilization-monitor", c.cfg.Timing.UtilInterval, c.tickUtilizationMonitor},
	}

	for _, task := range tasks {
		wg.Add(1)
		go func(name string, interval time.Duration, fn func(context.Context)) {
			defer wg.Done()
			c.runPeriodic(ctx, name, interval, fn)
		}(task.name, task.interval, task.fn)
	}

	wg.Wait()
	c.logger.Info("controller stopped")
	return nil
}

// runPeriodic runs fn on every tick of interval until ctx is canceled,
// guarding each tick against panics so one bad tick never kills the task.
func (c *Controller) runPeriodic(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.safeTick(ctx, name, fn)
		}
	}
}

func (c *Controller) safeTick(ctx context.Context, name string, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("task panicked, recovering", "task", name, "panic", r)
		}
	}()

	start := time.Now()
	fn(ctx)
	c.logger.Debug("tick complete", "task", name, "duration", time.Since(start))
}

// --- snapshotting -----------------------------------------------------

// observation is the joined, counted view of the world a tick's decision
// is made from.
type observation struct {
	registryWorkers []github.Runner
	runtimeWorkers  []*provider.Runner
	pending         github.PendingWork

	online int
	busy   int

	runtimeCount int // count enforced against MaxRunners

	registryOK bool
	runtimeOK  bool
}

// observe gathers both adapters' current views. It must be called while
// c.mu is held: it is the "snapshot" half of snapshot -> decide -> execute
// -> update.
func (c *Controller) observe(ctx context.Context) observation {
	var obs observation

	registryWorkers, err := c.registry.ListWorkers(ctx)
	if err != nil {
		c.recordAdapterFailureLocked("github", err)
	} else {
		obs.registryWorkers = registryWorkers
		obs.registryOK = true
	}

	runtimeWorkers, err := c.runtime.ListRunners(ctx)
	if err != nil {
		c.recordAdapterFailureLocked("runtime", err)
	} else {
		obs.runtimeWorkers = runtimeWorkers
		obs.runtimeOK = true
		obs.runtimeCount = countActive(runtimeWorkers)
	}

	if obs.registryOK {
		for _, r := range obs.registryWorkers {
			if r.Status == "online" {
				obs.online++
				if r.Busy {
					obs.busy++
				}
			}
		}
	}

	pending, err := c.registry.ListPendingWork(ctx)
	if err != nil {
		c.recordAdapterFailureLocked("github", err)
		pending = github.PendingWork{Queued: github.QueuedUnsupported}
	}
	obs.pending = pending

	if obs.registryOK && obs.runtimeOK {
		c.clearAdapterFailureLocked()
	}

	c.st.degradedQueueSignal = pending.Queued == github.QueuedUnsupported
	if c.st.degradedQueueSignal {
		c.st.queueLength = pending.InProgress
	} else {
		c.st.queueLength = pending.Queued + pending.InProgress
	}
	c.st.lastPollAt = time.Now()

	return obs
}

func countActive(runtimeWorkers []*provider.Runner) int {
	n := 0
	for _, w := range runtimeWorkers {
		if w.Status != provider.StatusTerminated && w.Status != provider.StatusTerminating {
			n++
		}
	}
	return n
}

func (c *Controller) recordAdapterFailureLocked(name string, err error) {
	c.st.degradedAdapter = name
	c.logger.Error("adapter call failed", "adapter", name, "error", err)
}

func (c *Controller) clearAdapterFailureLocked() {
	c.st.degradedAdapter = ""
}

func (c *Controller) thresholds() policy.Thresholds {
	return policy.Thresholds{
		ScaleUpThreshold:   c.cfg.Scaling.ScaleUpThreshold,
		ScaleDownThreshold: c.cfg.Scaling.ScaleDownThreshold,
		ScaleUpBatch:       c.cfg.Scaling.ScaleUpBatch,
		ScaleUpCooldown:    c.cfg.Timing.ScaleUpCooldown,
		MinRunners:         c.cfg.Scaling.MinRunners,
		MaxRunners:         c.cfg.Scaling.MaxRunners,
		UtilHigh:           c.cfg.Scaling.UtilHighWatermark,
		UtilLow:            c.cfg.Scaling.UtilLowWatermark,
	}
}

func (c *Controller) snapshotValue(obs observation) policy.Snapshot {
	return policy.Snapshot{
		Queued:        obs.pending.Queued,
		InProgress:    obs.pending.InProgress,
		Online:        obs.online,
		Busy:          obs.busy,
		RuntimeCount:  obs.runtimeCount,
		Now:           time.Now(),
		LastScaleUpAt: c.st.lastScaleUpAt,
	}
}

// --- gating and execution ------------------------------------------------

// gateAndExecuteLocked applies the circuit-breaker/capacity gate to a
// single task's decision and executes the result. Each of the three
// deciding tasks runs exactly one policy function per tick; sharing this
// gate keeps capacity enforced identically no matter which ticker fired.
// Must be called with c.mu held.
func (c *Controller) gateAndExecuteLocked(ctx context.Context, d policy.Decision, obs observation) {
	t := c.thresholds()

	if c.st.breaker.Active() && obs.runtimeCount < t.MaxRunners {
		c.st.breaker.Clear()
		c.metrics.CircuitBreakerActive.Set(0)
	}

	gated := c.st.breaker.Gate(d, obs.runtimeCount, t.MaxRunners)
	if gated.Action == policy.ActionNone && (d.Action == policy.ActionScaleUp || d.Action == policy.ActionProvision) {
		c.st.failedScaleAttempts++
		c.metrics.FailedScaleAttempts.Inc()
		if c.st.breaker.Active() {
			c.metrics.CircuitBreakerActive.Set(1)
		}
		c.logger.Warn("scaling decision denied by capacity gate",
			"action", string(d.Action), "count", d.Count, "reason", gated.Reason)
	}

	c.executeLocked(ctx, gated, obs)
}

func (c *Controller) executeLocked(ctx context.Context, d policy.Decision, obs observation) {
	switch d.Action {
	case policy.ActionScaleUp, policy.ActionProvision:
		c.scaleUpLocked(ctx, d, obs)
	case policy.ActionScaleDown:
		c.scaleDownLocked(ctx, d, obs)
	default:
		// no-op; nothing to record beyond the snapshot already taken.
	}
}

// scaleUpLocked runs the provision procedure up to d.Count times,
// aborting after two consecutive creation failures within this tick.
func (c *Controller) scaleUpLocked(ctx context.Context, d policy.Decision, obs observation) {
	runtimeCount := obs.runtimeCount
	consecutiveFailures := 0
	created := 0

	for i := 0; i < d.Count; i++ {
		// Re-check before every single creation, not just before the batch.
		if runtimeCount >= c.cfg.Scaling.MaxRunners {
			c.logger.Warn("scale-up stopped short: at max runners", "runtime_count", runtimeCount)
			break
		}

		if err := c.provisionOneLocked(ctx); err != nil {
			c.st.failedScaleAttempts++
			c.metrics.FailedScaleAttempts.Inc()
			consecutiveFailures++
			c.logger.Error("provision failed", "error", err, "consecutive_failures", consecutiveFailures)
			if consecutiveFailures >= 2 {
				break
			}
			continue
		}

		consecutiveFailures = 0
		created++
		runtimeCount++
		c.st.breaker.RecordSucceeded()
	}

	if created > 0 {
		c.st.lastScaleUpAt = time.Now()
		action := fmt.Sprintf("%s(%d)", d.Action, created)
		c.st.lastScaleAction = action
		c.recordEventLocked(string(d.Action), d.Reason, created, obs.runtimeCount, obs.runtimeCount+created)
	}
}

// provisionOneLocked provisions a single worker: token, identity,
// container, bookkeeping. Must be called with c.mu held.
func (c *Controller) provisionOneLocked(ctx context.Context) error {
	if c.cfg.DryRun {
		c.logger.Info("dry-run: would provision worker")
		return nil
	}

	tok, err := c.registry.FetchRegistrationToken(ctx)
	if err != nil {
		return fmt.Errorf("fetch registration token: %w", err)
	}

	name := c.newWorkerName()

	runner, err := c.runtime.CreateRunner(ctx, &provider.CreateRunnerRequest{
		Name:           name,
		NamePrefix:     c.cfg.Identity.RunnerNamePrefix,
		Labels:         c.cfg.Runtime.RunnerLabels,
		ScopeURL:       c.scopeURL(),
		RegistrationID: tok.Token,
	})
	if err != nil {
		return fmt.Errorf("create runner: %w", err)
	}

	createdAt := runner.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	c.st.workers[name] = workerRecord{CreatedAt: createdAt}
	c.st.totalCreated++
	c.metrics.TotalCreated.Inc()

	c.logger.Info("provisioned worker", "worker_name", name)
	return nil
}

func (c *Controller) newWorkerName() string {
	return fmt.Sprintf("%s-%s", c.cfg.Identity.RunnerPrefix, uuid.New().String()[:8])
}

func (c *Controller) scopeURL() string {
	if c.cfg.GitHub.Org != "" {
		return "https://github.com/" + c.cfg.GitHub.Org
	}
	return "https://github.com/" + c.cfg.GitHub.Repo
}

// scaleDownLocked selects d.Count online-and-not-busy workers by FIFO
// (oldest first) and tears each down. A busy worker is never a candidate:
// candidates are only ever built from workers with Busy == false.
func (c *Controller) scaleDownLocked(ctx context.Context, d policy.Decision, obs observation) {
	candidates := c.scaleDownCandidatesLocked(obs)
	picked := policy.SelectScaleDown(candidates, d.Count)

	before := obs.runtimeCount
	removed := 0
	for _, p := range picked {
		if err := c.teardownLocked(ctx, p.WorkerName, obs); err != nil {
			c.logger.Error("teardown failed during scale-down", "worker_name", p.WorkerName, "error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		c.st.lastScaleAction = fmt.Sprintf("scale_down(%d)", removed)
		c.recordEventLocked("scale_down", d.Reason, removed, before, before-removed)
	}
}

// scaleDownCandidatesLocked builds the FIFO candidate list: online and not
// busy per the registry, paired to a runtime container for its CreatedAt.
func (c *Controller) scaleDownCandidatesLocked(obs observation) []policy.Candidate {
	runtimeByName := indexRuntimeByWorkerName(obs.runtimeWorkers)

	now := time.Now()
	var candidates []policy.Candidate
	for _, r := range obs.registryWorkers {
		if r.Status != "online" || r.Busy {
			continue
		}
		rt, ok := runtimeByName[r.Name]
		if !ok {
			continue
		}
		createdAt := rt.CreatedAt
		if rec, ok := c.st.workers[r.Name]; ok {
			createdAt = rec.CreatedAt
		}
		// Let a worker live out the idle timeout before it becomes eligible.
		if now.Sub(createdAt) < c.cfg.Scaling.IdleTimeout {
			continue
		}
		candidates = append(candidates, policy.Candidate{WorkerName: r.Name, CreatedAt: createdAt})
	}
	return candidates
}

// teardownLocked implements the teardown procedure: graceful
// runtime stop+remove (the worker's own shutdown hook deregisters within
// the grace window), then an idempotent registry delete in case it
// didn't, then bookkeeping.
func (c *Controller) teardownLocked(ctx context.Context, workerName string, obs observation) error {
	if c.cfg.DryRun {
		c.logger.Info("dry-run: would tear down worker", "worker_name", workerName)
		return nil
	}

	rt := indexRuntimeByWorkerName(obs.runtimeWorkers)[workerName]
	if rt != nil {
		if err := c.runtime.RemoveRunner(ctx, rt.ID, true); err != nil {
			return fmt.Errorf("remove runner: %w", err)
		}
	}

	if reg := findRegistryByName(obs.registryWorkers, workerName); reg != nil {
		if err := c.registry.DeleteWorker(ctx, reg.ID); err != nil {
			c.logger.Warn("failed to delete registry entry after teardown", "worker_name", workerName, "error", err)
		}
	}

	delete(c.st.workers, workerName)
	c.st.totalDestroyed++
	c.metrics.TotalDestroyed.Inc()
	return nil
}

func (c *Controller) recordEventLocked(action, reason string, count, before, after int) {
	if c.events == nil {
		return
	}
	c.events.Record(eventlog.Event{
		Timestamp:     time.Now(),
		Action:        action,
		Reason:        reason,
		Count:         count,
		RuntimeBefore: before,
		RuntimeAfter:  after,
	})
}

func indexRuntimeByWorkerName(runtimeWorkers []*provider.Runner) map[string]*provider.Runner {
	m := make(map[string]*provider.Runner, len(runtimeWorkers))
	for _, w := range runtimeWorkers {
		if w.WorkerName != "" {
			m[w.WorkerName] = w
		}
	}
	return m
}

func findRegistryByName(registryWorkers []github.Runner, name string) *github.Runner {
	for i := range registryWorkers {
		if registryWorkers[i].Name == name {
			return &registryWorkers[i]
		}
	}
	return nil
}

// --- queue-monitor -----------------------------------------------------

// tickQueueMonitor snapshots both views and applies the queue-pressure
// decision, holding the mutex across snapshot -> decide -> execute.
func (c *Controller) tickQueueMonitor(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obs := c.observe(ctx)
	if !obs.registryOK || !obs.runtimeOK {
		return
	}
	c.gateAndExecuteLocked(ctx, policy.DecideQueue(c.snapshotValue(obs), c.thresholds()), obs)
}

// --- min-maintainer ----------------------------------------------------

// tickMinMaintainer tops the pool up to the configured floor.
func (c *Controller) tickMinMaintainer(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obs := c.observe(ctx)
	if !obs.registryOK || !obs.runtimeOK {
		return
	}
	d, capped := policy.DecideMin(c.snapshotValue(obs), c.thresholds())
	if capped {
		c.logger.Warn("cannot reach minimum runners: capped by max runners",
			"min_runners", c.cfg.Scaling.MinRunners,
			"max_runners", c.cfg.Scaling.MaxRunners,
			"runtime_count", obs.runtimeCount,
		)
	}
	c.gateAndExecuteLocked(ctx, d, obs)
}

// --- utilization-monitor -----------------------------------------------

// tickUtilizationMonitor applies the utilization-band decision.
func (c *Controller) tickUtilizationMonitor(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obs := c.observe(ctx)
	if !obs.registryOK || !obs.runtimeOK {
		return
	}
	c.gateAndExecuteLocked(ctx, policy.DecideUtil(c.snapshotValue(obs), c.thresholds()), obs)
}

// --- runtime-manager ---------------------------------------------------

// tickRuntimeManager refreshes the runtime view into state: newly seen
// matching containers are adopted, and workers tracked in state that no
// longer have a backing container are dropped (their container is already
// gone; nothing further to destroy).
func (c *Controller) tickRuntimeManager(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	runtimeWorkers, err := c.runtime.ListRunners(ctx)
	if err != nil {
		c.recordAdapterFailureLocked("runtime", err)
		return
	}
	c.clearAdapterFailureLocked()

	present := make(map[string]bool, len(runtimeWorkers))
	for _, w := range runtimeWorkers {
		if w.WorkerName == "" {
			continue
		}
		present[w.WorkerName] = true
		if _, tracked := c.st.workers[w.WorkerName]; !tracked {
			c.adoptLocked(w)
		}
	}

	for name := range c.st.workers {
		if !present[name] {
			delete(c.st.workers, name)
		}
	}
}

func (c *Controller) adoptLocked(w *provider.Runner) {
	c.st.workers[w.WorkerName] = workerRecord{CreatedAt: w.CreatedAt, Adopted: true}
	c.st.ignoredExisting++
	c.metrics.IgnoredExisting.Set(float64(c.st.ignoredExisting))
	c.logger.Info("adopted pre-existing worker", "worker_name", w.WorkerName)
}

// adoptExistingLocked is the startup variant of tickRuntimeManager's
// adoption logic, run once before the periodic tasks start so a restart
// with pre-existing matching containers reflects them immediately.
func (c *Controller) adoptExistingLocked(ctx context.Context) {
	if c.st.adopted {
		return
	}
	c.st.adopted = true

	runtimeWorkers, err := c.runtime.ListRunners(ctx)
	if err != nil {
		c.recordAdapterFailureLocked("runtime", err)
		return
	}
	for _, w := range runtimeWorkers {
		if w.WorkerName == "" {
			continue
		}
		if _, tracked := c.st.workers[w.WorkerName]; !tracked {
			c.adoptLocked(w)
		}
	}
}

// --- reconciler --------------------------------------------------------

// tickReconciler implements the reconciliation rules: delete offline
// registry-only orphans, and tear down runtime-only orphans older than
// the registration grace period.
func (c *Controller) tickReconciler(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	registryWorkers, err := c.registry.ListWorkers(ctx)
	if err != nil {
		c.recordAdapterFailureLocked("github", err)
		return
	}
	runtimeWorkers, err := c.runtime.ListRunners(ctx)
	if err != nil {
		c.recordAdapterFailureLocked("runtime", err)
		return
	}
	c.clearAdapterFailureLocked()

	runtimeByName := indexRuntimeByWorkerName(runtimeWorkers)
	runtimeNames := make(map[string]bool, len(runtimeWorkers))
	for name := range runtimeByName {
		runtimeNames[name] = true
	}

	// Registry entries with no paired container, offline.
	for _, r := range registryWorkers {
		if runtimeNames[r.Name] {
			continue
		}
		if r.Status != "offline" {
			continue
		}
		if err := c.registry.DeleteWorker(ctx, r.ID); err != nil {
			c.logger.Error("failed to delete orphaned registry worker", "name", r.Name, "error", err)
			continue
		}
		c.logger.Info("reaped orphaned registry entry", "name", r.Name)
	}

	registryNames := make(map[string]bool, len(registryWorkers))
	for _, r := range registryWorkers {
		registryNames[r.Name] = true
	}

	// Runtime containers with no paired registration, older than grace.
	now := time.Now()
	for name, rt := range runtimeByName {
		if registryNames[name] {
			continue
		}
		if now.Sub(rt.CreatedAt) <= c.cfg.Timing.RegistrationGrace {
			continue
		}
		if err := c.runtime.RemoveRunner(ctx, rt.ID, true); err != nil {
			c.logger.Error("failed to tear down orphaned runtime worker", "name", name, "error", err)
			continue
		}
		delete(c.st.workers, name)
		c.st.totalDestroyed++
		c.metrics.TotalDestroyed.Inc()
		c.logger.Info("reaped orphaned runtime worker (never registered)", "name", name)
	}
}

// --- dead-cleaner ------------------------------------------------------

func (c *Controller) tickDeadCleaner(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed, err := c.runtime.ReapDead(ctx)
	if err != nil {
		c.recordAdapterFailureLocked("runtime", err)
		return
	}
	c.clearAdapterFailureLocked()

	for _, name := range removed {
		if name == "" {
			continue
		}
		delete(c.st.workers, name)
		c.st.totalDestroyed++
		c.metrics.TotalDestroyed.Inc()
	}
	if len(removed) > 0 {
		c.logger.Info("reaped dead containers", "count", len(removed))
	}
}

// --- Status/control surface support --------------------------------------

// Status is the read-only snapshot exposed at /api/v1/status.
type Status struct {
	Timestamp time.Time

	RuntimeCount int
	OnlineCount  int
	BusyCount    int

	MinRunners int
	MaxRunners int

	TotalCreated         int
	TotalDestroyed       int
	FailedScaleAttempts  int
	CircuitBreakerActive bool
	IgnoredExisting      int
	LastScaleAction      string
	LastPollAt           time.Time
	QueueLength          int

	Degraded            bool
	DegradedAdapter     string
	DegradedQueueSignal bool
}

// Status returns the current controller state. It takes its own fresh
// snapshot so the numbers it reports are never more than one round-trip
// stale.
func (c *Controller) Status(ctx context.Context) Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	obs := c.observe(ctx)

	return Status{
		Timestamp:            time.Now(),
		RuntimeCount:         obs.runtimeCount,
		OnlineCount:          obs.online,
		BusyCount:            obs.busy,
		MinRunners:           c.cfg.Scaling.MinRunners,
		MaxRunners:           c.cfg.Scaling.MaxRunners,
		TotalCreated:         c.st.totalCreated,
		TotalDestroyed:       c.st.totalDestroyed,
		FailedScaleAttempts:  c.st.failedScaleAttempts,
		CircuitBreakerActive: c.st.breaker.Active(),
		IgnoredExisting:      c.st.ignoredExisting,
		LastScaleAction:      c.st.lastScaleAction,
		LastPollAt:           c.st.lastPollAt,
		QueueLength:          c.st.queueLength,
		Degraded:             c.st.degradedAdapter != "",
		DegradedAdapter:      c.st.degradedAdapter,
		DegradedQueueSignal:  c.st.degradedQueueSignal,
	}
}

// WorkerView is one row of the joined registry+runtime view exposed at
// /api/v1/workers.
type WorkerView struct {
	WorkerName     string
	RegistryID     int64
	RegistryStatus string
	Busy           bool
	RuntimeID      string
	RuntimeStatus  string
	Paired         bool
	CreatedAt      time.Time
}

// JoinedWorkers returns both adapters' views joined by worker name.
func (c *Controller) JoinedWorkers(ctx context.Context) ([]WorkerView, error) {
	registryWorkers, err := c.registry.ListWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list registry workers: %w", err)
	}
	runtimeWorkers, err := c.runtime.ListRunners(ctx)
	if err != nil {
		return nil, fmt.Errorf("list runtime workers: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	runtimeByName := indexRuntimeByWorkerName(runtimeWorkers)
	seen := make(map[string]bool)

	var views []WorkerView
	for _, r := range registryWorkers {
		v := WorkerView{WorkerName: r.Name, RegistryID: r.ID, RegistryStatus: r.Status, Busy: r.Busy}
		if rt, ok := runtimeByName[r.Name]; ok {
			v.RuntimeID = rt.ID
			v.RuntimeStatus = string(rt.Status)
			v.Paired = true
			v.CreatedAt = rt.CreatedAt
		} else if rec, ok := c.st.workers[r.Name]; ok {
			v.CreatedAt = rec.CreatedAt
		}
		seen[r.Name] = true
		views = append(views, v)
	}
	for name, rt := range runtimeByName {
		if seen[name] {
			continue
		}
		views = append(views, WorkerView{
			WorkerName:    name,
			RuntimeID:     rt.ID,
			RuntimeStatus: string(rt.Status),
			CreatedAt:     rt.CreatedAt,
		})
	}

	return views, nil
}

// ManualScaleUp implements the POST /workers/scale-up endpoint: it
// provisions up to count workers, bypassing the scale-up cooldown (manual
// triggers are operator-initiated) but still respecting MaxRunners.
func (c *Controller) ManualScaleUp(ctx context.Context, count int) (int, error) {
	if count <= 0 {
		count = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	runtimeWorkers, err := c.runtime.ListRunners(ctx)
	if err != nil {
		return 0, fmt.Errorf("list runtime workers: %w", err)
	}
	runtimeCount := countActive(runtimeWorkers)

	allowed := count
	if runtimeCount+allowed > c.cfg.Scaling.MaxRunners {
		allowed = c.cfg.Scaling.MaxRunners - runtimeCount
	}
	if allowed <= 0 {
		return 0, ErrAtCapacity
	}

	created := 0
	for i := 0; i < allowed; i++ {
		if runtimeCount+created >= c.cfg.Scaling.MaxRunners {
			break
		}
		if err := c.provisionOneLocked(ctx); err != nil {
			c.st.failedScaleAttempts++
			c.metrics.FailedScaleAttempts.Inc()
			break
		}
		created++
	}

	if created > 0 {
		c.st.lastScaleUpAt = time.Now()
		c.st.lastScaleAction = fmt.Sprintf("manual_scale_up(%d)", created)
		c.recordEventLocked("manual_scale_up", "operator request", created, runtimeCount, runtimeCount+created)
	}

	return created, nil
}

// ManualScaleDown implements the POST /workers/scale-down endpoint: it
// tears down up to count online-and-not-busy workers, FIFO, same as an
// automatic scale-down.
func (c *Controller) ManualScaleDown(ctx context.Context, count int) (int, error) {
	if count <= 0 {
		count = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	obs := c.observe(ctx)
	if !obs.registryOK || !obs.runtimeOK {
		return 0, fmt.Errorf("adapters unavailable")
	}

	candidates := c.scaleDownCandidatesLocked(obs)
	picked := policy.SelectScaleDown(candidates, count)

	removed := 0
	for _, p := range picked {
		if err := c.teardownLocked(ctx, p.WorkerName, obs); err != nil {
			c.logger.Error("manual teardown failed", "worker_name", p.WorkerName, "error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		c.st.lastScaleAction = fmt.Sprintf("manual_scale_down(%d)", removed)
		c.recordEventLocked("manual_scale_down", "operator request", removed, obs.runtimeCount, obs.runtimeCount-removed)
	}

	return removed, nil
}

// ManualDelete implements DELETE /workers/{name}: tears down one worker by
// name, refusing if the registry reports it busy.
func (c *Controller) ManualDelete(ctx context.Context, workerName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	obs := c.observe(ctx)
	if !obs.registryOK || !obs.runtimeOK {
		return fmt.Errorf("adapters unavailable")
	}

	reg := findRegistryByName(obs.registryWorkers, workerName)
	rt := indexRuntimeByWorkerName(obs.runtimeWorkers)[workerName]
	if reg == nil && rt == nil {
		return ErrWorkerNotFound
	}
	if reg != nil && reg.Busy {
		return ErrWorkerBusy
	}

	if err := c.teardownLocked(ctx, workerName, obs); err != nil {
		return err
	}
	c.st.lastScaleAction = fmt.Sprintf("manual_delete(%s)", workerName)
	c.recordEventLocked("manual_delete", "operator request", 1, obs.runtimeCount, obs.runtimeCount-1)
	return nil
}

// RecentEvents returns the most recent scaling actions, newest last.
func (c *Controller) RecentEvents(n int) []eventlog.Event {
	if c.events == nil {
		return nil
	}
	return c.events.Recent(n)
}

// GetLogs proxies to the runtime adapter for GET /workers/{id}/logs.
func (c *Controller) GetLogs(ctx context.Context, workerName string, tail int) (string, error) {
	runtimeWorkers, err := c.runtime.ListRunners(ctx)
	if err != nil {
		return "", fmt.Errorf("list runtime workers: %w", err)
	}
	rt := indexRuntimeByWorkerName(runtimeWorkers)[workerName]
	if rt == nil {
		return "", ErrWorkerNotFound
	}
	return c.runtime.GetLogs(ctx, rt.ID, provider.LogOptions{Tail: tail})
}
