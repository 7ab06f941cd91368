// Package policy implements the scaling policy: pure functions that turn
// an observed snapshot of registry/runtime state into a scaling decision.
// Nothing here calls an adapter, holds a mutex, or sleeps; every function
// is total over its inputs.
package policy

import "time"

// Action is the kind of scaling decision a policy function produced.
type Action string

const (
	ActionNone      Action = "none"
	ActionScaleUp   Action = "scale_up"
	ActionScaleDown Action = "scale_down"
	ActionProvision Action = "provision"
)

// Decision is the result of one policy function: do nothing, or change the
// worker count by Count in the direction Action implies.
type Decision struct {
	Action Action
	Count  int
	Reason string
}

func noop(reason string) Decision { return Decision{Action: ActionNone, Reason: reason} }

// Snapshot is everything a policy function needs to know about the current
// world. Queued == QueuedUnsupported (-1) signals the registry adapter
// could not produce a cheap queued-job count at this scope (org scope);
// policy functions treat that as "no queue signal".
type Snapshot struct {
	Queued        int
	InProgress    int
	Online        int
	Busy          int
	RuntimeCount  int
	Now           time.Time
	LastScaleUpAt time.Time
}

func (s Snapshot) hasQueueSignal() bool { return s.Queued >= 0 }

func (s Snapshot) available() int {
	a := s.Online - s.Busy
	if a < 0 {
		return 0
	}
	return a
}

// Thresholds carries the configured scaling knobs. Field names mirror the
// config package's ScalingConfig/TimingConfig so callers can build one
// directly from loaded configuration.
type Thresholds struct {
	ScaleUpThreshold   int
	ScaleDownThreshold int
	ScaleUpBatch       int
	ScaleUpCooldown    time.Duration
	MinRunners         int
	MaxRunners         int
	UtilHigh           float64
	UtilLow            float64
}

// DecideQueue implements decide_queue: effective pressure E = queue -
// available online-and-not-busy workers.
func DecideQueue(s Snapshot, t Thresholds) Decision {
	if !s.hasQueueSignal() {
		return noop("no queue signal at this scope")
	}

	queue := s.Queued + s.InProgress
	e := queue - s.available()

	if e >= t.ScaleUpThreshold {
		if s.Now.Sub(s.LastScaleUpAt) < t.ScaleUpCooldown {
			return noop("scale-up cooldown active")
		}
		batch := e
		if t.ScaleUpBatch < batch {
			batch = t.ScaleUpBatch
		}
		// Clamp to remaining headroom when there is some. At or over the
		// ceiling the decision keeps its intent: the capacity gate coerces
		// it to no-op and records the denial.
		if headroom := t.MaxRunners - s.RuntimeCount; headroom > 0 && batch > headroom {
			batch = headroom
		}
		return Decision{Action: ActionScaleUp, Count: batch, Reason: "queue pressure"}
	}

	if e <= t.ScaleDownThreshold && s.RuntimeCount > t.MinRunners {
		return Decision{Action: ActionScaleDown, Count: 1, Reason: "queue pressure low"}
	}

	return noop("queue pressure within band")
}

// DecideUtil implements decide_util: utilization U = busy / max(online, 1).
func DecideUtil(s Snapshot, t Thresholds) Decision {
	onlineForRatio := s.Online
	if onlineForRatio < 1 {
		onlineForRatio = 1
	}
	u := float64(s.Busy) / float64(onlineForRatio)

	queue := s.Queued + s.InProgress
	if !s.hasQueueSignal() {
		queue = s.InProgress // org-scope: no Queued signal, fall back to InProgress only
	}

	if u >= t.UtilHigh && queue > 0 {
		return Decision{Action: ActionScaleUp, Count: 1, Reason: "high utilization"}
	}
	if u <= t.UtilLow && s.Online > t.MinRunners {
		return Decision{Action: ActionScaleDown, Count: 1, Reason: "low utilization"}
	}
	return noop("utilization within band")
}

// DecideMin implements decide_min: top up to the configured floor, capped
// by MaxRunners. Containers that exist but have not yet registered count
// toward the floor: registration takes tens of seconds, and re-requesting
// the same headroom on every tick until it completes would overshoot the
// floor. Returns ActionProvision (never ActionScaleUp) so the controller
// can tell "topping up the floor" apart from "queue/util asked for more"
// in logs and metrics. The second return reports whether the floor cannot
// be reached because MaxRunners caps it.
func DecideMin(s Snapshot, t Thresholds) (Decision, bool) {
	covered := s.Online
	if s.RuntimeCount > covered {
		covered = s.RuntimeCount
	}
	need := t.MinRunners - covered
	if need <= 0 {
		return noop("at or above minimum"), false
	}

	if s.RuntimeCount+need > t.MaxRunners {
		headroom := t.MaxRunners - s.RuntimeCount
		if headroom <= 0 {
			// No room at all: keep the intent so the capacity gate records
			// the denial.
			return Decision{Action: ActionProvision, Count: need, Reason: "below minimum"}, true
		}
		return Decision{Action: ActionProvision, Count: headroom, Reason: "minimum capped by max runners"}, true
	}

	return Decision{Action: ActionProvision, Count: need, Reason: "below minimum"}, false
}

// CircuitBreaker tracks consecutive capacity-denied creation attempts and
// latches provisioning off after Trip consecutive denials. It is not safe
// for concurrent use; callers hold it behind the same mutex the controller
// already uses to serialize ticks.
type CircuitBreaker struct {
	Trip int

	consecutiveFailures int
	active              bool
}

// Active reports whether the breaker currently blocks provisioning.
func (b *CircuitBreaker) Active() bool { return b.active }

// RecordDenied records one capacity-denied attempt and trips the breaker
// once Trip consecutive denials have accumulated.
func (b *CircuitBreaker) RecordDenied() {
	b.consecutiveFailures++
	if b.Trip > 0 && b.consecutiveFailures >= b.Trip {
		b.active = true
	}
}

// RecordSucceeded resets the consecutive-failure streak on any successful
// provisioning action; it does not by itself clear an already-tripped
// breaker (that requires capacity to free up, see Clear).
func (b *CircuitBreaker) RecordSucceeded() {
	b.consecutiveFailures = 0
}

// Clear releases the breaker once capacity has freed up.
func (b *CircuitBreaker) Clear() {
	b.active = false
	b.consecutiveFailures = 0
}

// Gate coerces any decision that would push RuntimeCount over MaxRunners
// (or that is blocked by an already-tripped breaker) to NoOp, recording
// the denial. This is the sole place capacity is enforced across all three
// decision functions.
func (b *CircuitBreaker) Gate(d Decision, runtimeCount, maxRunners int) Decision {
	if d.Action != ActionScaleUp && d.Action != ActionProvision {
		return d
	}

	if b.active {
		b.RecordDenied()
		return noop("circuit breaker active")
	}

	if runtimeCount+d.Count > maxRunners {
		b.RecordDenied()
		return noop("would exceed max runners")
	}

	return d
}

// Candidate is a worker eligible for scale-down consideration: online,
// not busy. FIFO selection (oldest CreatedAt first) guarantees a busy
// worker is never torn down, by construction - busy workers are never
// passed in.
type Candidate struct {
	WorkerName string
	CreatedAt  time.Time
}

// SelectScaleDown implements the FIFO scale-down rule: among
// online-and-not-busy workers, pick the oldest n by CreatedAt.
func SelectScaleDown(candidates []Candidate, n int) []Candidate {
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].CreatedAt.Before(sorted[j-1].CreatedAt); j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	if n > len(sorted) {
		n = len(sorted)
	}
	if n < 0 {
		n = 0
	}
	return sorted[:n]
}
