package policy

import (
	"testing"
	"time"
)

func thresholds() Thresholds {
	return Thresholds{
		ScaleUpThreshold:   3,
		ScaleDownThreshold: 1,
		ScaleUpBatch:       2,
		ScaleUpCooldown:    60 * time.Second,
		MinRunners:         2,
		MaxRunners:         10,
		UtilHigh:           0.80,
		UtilLow:            0.20,
	}
}

func TestDecideQueueScalesUpOnPressure(t *testing.T) {
	now := time.Now()
	s := Snapshot{Queued: 4, InProgress: 1, Online: 2, Busy: 2, RuntimeCount: 2, Now: now, LastScaleUpAt: now.Add(-time.Hour)}
	d := DecideQueue(s, thresholds())
	if d.Action != ActionScaleUp {
		t.Fatalf("expected scale up, got %+v", d)
	}
	// E = 5 - 0 = 5; batch = min(5, 2, 10-2=8) = 2
	if d.Count != 2 {
		t.Fatalf("expected batch 2, got %d", d.Count)
	}
}

func TestDecideQueueRespectsCooldown(t *testing.T) {
	now := time.Now()
	s := Snapshot{Queued: 10, Online: 1, Busy: 0, RuntimeCount: 2, Now: now, LastScaleUpAt: now.Add(-10 * time.Second)}
	d := DecideQueue(s, thresholds())
	if d.Action != ActionNone {
		t.Fatalf("expected no-op during cooldown, got %+v", d)
	}
}

func TestDecideQueueCapsAtMaxRunners(t *testing.T) {
	now := time.Now()
	s := Snapshot{Queued: 10, Online: 1, Busy: 0, RuntimeCount: 9, Now: now, LastScaleUpAt: now.Add(-time.Hour)}
	tt := thresholds()
	d := DecideQueue(s, tt)
	if d.Action != ActionScaleUp || d.Count != 1 {
		t.Fatalf("expected capped batch of 1, got %+v", d)
	}
}

func TestDecideQueueKeepsIntentAtMax(t *testing.T) {
	now := time.Now()
	s := Snapshot{Queued: 10, Online: 2, Busy: 2, RuntimeCount: 10, Now: now, LastScaleUpAt: now.Add(-time.Hour)}
	d := DecideQueue(s, thresholds())
	// At the ceiling the decision still expresses scale-up intent; the
	// capacity gate coerces it and records the denial.
	if d.Action != ActionScaleUp {
		t.Fatalf("expected scale-up intent at the ceiling, got %+v", d)
	}
}

func TestDecideQueueScalesDownOnLowPressure(t *testing.T) {
	now := time.Now()
	s := Snapshot{Queued: 0, InProgress: 0, Online: 3, Busy: 0, RuntimeCount: 3, Now: now}
	d := DecideQueue(s, thresholds())
	if d.Action != ActionScaleDown || d.Count != 1 {
		t.Fatalf("expected scale down by 1, got %+v", d)
	}
}

func TestDecideQueueNeverScalesDownBelowMin(t *testing.T) {
	now := time.Now()
	s := Snapshot{Queued: 0, Online: 2, Busy: 0, RuntimeCount: 2, Now: now}
	d := DecideQueue(s, thresholds())
	if d.Action != ActionNone {
		t.Fatalf("expected no-op at minimum, got %+v", d)
	}
}

func TestDecideQueueNoSignalFallsBackToNoOp(t *testing.T) {
	s := Snapshot{Queued: -1, Online: 2, Busy: 0, RuntimeCount: 2}
	d := DecideQueue(s, thresholds())
	if d.Action != ActionNone {
		t.Fatalf("expected no queue signal to no-op, got %+v", d)
	}
}

func TestDecideUtilScalesUpOnHighUtilization(t *testing.T) {
	s := Snapshot{Online: 5, Busy: 5, InProgress: 1, RuntimeCount: 5}
	d := DecideUtil(s, thresholds())
	if d.Action != ActionScaleUp || d.Count != 1 {
		t.Fatalf("expected scale up by 1, got %+v", d)
	}
}

func TestDecideUtilDoesNotScaleUpWithoutQueue(t *testing.T) {
	s := Snapshot{Online: 5, Busy: 5, InProgress: 0, Queued: 0, RuntimeCount: 5}
	d := DecideUtil(s, thresholds())
	if d.Action != ActionNone {
		t.Fatalf("expected no-op with empty queue, got %+v", d)
	}
}

func TestDecideUtilScalesDownOnLowUtilization(t *testing.T) {
	s := Snapshot{Online: 5, Busy: 0, RuntimeCount: 5}
	d := DecideUtil(s, thresholds())
	if d.Action != ActionScaleDown {
		t.Fatalf("expected scale down, got %+v", d)
	}
}

func TestDecideMinProvisionsToFloor(t *testing.T) {
	s := Snapshot{Online: 0, RuntimeCount: 0}
	d, capped := DecideMin(s, thresholds())
	if d.Action != ActionProvision || d.Count != 2 {
		t.Fatalf("expected provision 2, got %+v", d)
	}
	if capped {
		t.Fatalf("did not expect capped=true")
	}
}

func TestDecideMinCountsPendingRegistrations(t *testing.T) {
	tt := thresholds()
	tt.MinRunners = 5

	// Two online plus two containers still registering: only one more is
	// needed, not three.
	s := Snapshot{Online: 2, RuntimeCount: 4}
	d, capped := DecideMin(s, tt)
	if d.Action != ActionProvision || d.Count != 1 {
		t.Fatalf("expected provision 1 on top of pending registrations, got %+v", d)
	}
	if capped {
		t.Fatalf("did not expect capped=true")
	}

	// The floor already covered by not-yet-registered containers: no-op.
	s = Snapshot{Online: 0, RuntimeCount: 5}
	d, _ = DecideMin(s, tt)
	if d.Action != ActionNone {
		t.Fatalf("expected no-op while registrations catch up, got %+v", d)
	}
}

func TestDecideMinCapsAtMax(t *testing.T) {
	tt := thresholds()
	tt.MinRunners = 12
	s := Snapshot{Online: 0, RuntimeCount: 9}
	d, capped := DecideMin(s, tt)
	if d.Action != ActionProvision || d.Count != 1 {
		t.Fatalf("expected capped provision of 1, got %+v", d)
	}
	if !capped {
		t.Fatalf("expected capped=true")
	}
}

func TestDecideMinNoOpWhenAtFloor(t *testing.T) {
	s := Snapshot{Online: 2, RuntimeCount: 2}
	d, capped := DecideMin(s, thresholds())
	if d.Action != ActionNone || capped {
		t.Fatalf("expected no-op, got %+v capped=%v", d, capped)
	}
}

func TestCircuitBreakerTripsAfterConsecutiveDenials(t *testing.T) {
	b := &CircuitBreaker{Trip: 5}
	for i := 0; i < 4; i++ {
		d := b.Gate(Decision{Action: ActionScaleUp, Count: 1}, 10, 10)
		if d.Action != ActionNone {
			t.Fatalf("attempt %d: expected denial, got %+v", i, d)
		}
		if b.Active() {
			t.Fatalf("attempt %d: breaker tripped too early", i)
		}
	}
	d := b.Gate(Decision{Action: ActionScaleUp, Count: 1}, 10, 10)
	if d.Action != ActionNone || !b.Active() {
		t.Fatalf("expected breaker tripped on 5th denial, got %+v active=%v", d, b.Active())
	}

	// Once tripped, even a decision that would fit under max is denied.
	d = b.Gate(Decision{Action: ActionScaleUp, Count: 1}, 2, 10)
	if d.Action != ActionNone {
		t.Fatalf("expected breaker to block provisioning, got %+v", d)
	}
}

func TestCircuitBreakerClearReleases(t *testing.T) {
	b := &CircuitBreaker{Trip: 1}
	b.Gate(Decision{Action: ActionScaleUp, Count: 1}, 10, 10)
	if !b.Active() {
		t.Fatal("expected breaker active")
	}
	b.Clear()
	if b.Active() {
		t.Fatal("expected breaker cleared")
	}
	d := b.Gate(Decision{Action: ActionScaleUp, Count: 1}, 1, 10)
	if d.Action != ActionScaleUp {
		t.Fatalf("expected decision to pass after clear, got %+v", d)
	}
}

func TestGatePassesThroughNonProvisioningDecisions(t *testing.T) {
	b := &CircuitBreaker{Trip: 5}
	d := b.Gate(Decision{Action: ActionScaleDown, Count: 1}, 100, 10)
	if d.Action != ActionScaleDown {
		t.Fatalf("expected scale-down to pass through ungated, got %+v", d)
	}
}

func TestSelectScaleDownPicksOldestFIFO(t *testing.T) {
	now := time.Now()
	candidates := []Candidate{
		{WorkerName: "c", CreatedAt: now},
		{WorkerName: "a", CreatedAt: now.Add(-2 * time.Hour)},
		{WorkerName: "b", CreatedAt: now.Add(-1 * time.Hour)},
	}
	picked := SelectScaleDown(candidates, 2)
	if len(picked) != 2 || picked[0].WorkerName != "a" || picked[1].WorkerName != "b" {
		t.Fatalf("unexpected selection order: %+v", picked)
	}
}

func TestSelectScaleDownClampsCount(t *testing.T) {
	candidates := []Candidate{{WorkerName: "a", CreatedAt: time.Now()}}
	if got := SelectScaleDown(candidates, 5); len(got) != 1 {
		t.Fatalf("expected clamp to 1, got %d", len(got))
	}
	if got := SelectScaleDown(candidates, -1); len(got) != 0 {
		t.Fatalf("expected clamp to 0, got %d", len(got))
	}
}

