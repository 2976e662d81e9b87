package monitor

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"audit-core/internal/events"
)

// FaultKind classifies operator-facing faults.
type FaultKind string

const (
	PersistenceFault       FaultKind = "persistence_fault"
	EvaluationFault        FaultKind = "evaluation_fault"
	QueueOverflow          FaultKind = "queue_overflow"
	ReconciliationMismatch FaultKind = "reconciliation_mismatch"
)

// latching reports whether a fault of kind k keeps the system degraded
// until it is explicitly recovered. Evaluation faults are per decision.
func (k FaultKind) latching() bool {
	return k != EvaluationFault
}

// Fault is one reported problem.
type Fault struct {
	Kind      FaultKind `json:"kind"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

func (f Fault) String() string {
	return fmt.Sprintf("%s/%s: %s", f.Kind, f.Component, f.Message)
}

// Recovery is published on the bus when a latched fault clears.
type Recovery struct {
	Kind FaultKind `json:"kind"`
	At   time.Time `json:"at"`
}

// Snapshot is the state served on the health endpoints.
type Snapshot struct {
	Status    string               `json:"status"`
	Degraded  bool                 `json:"degraded"`
	Active    []FaultKind          `json:"active_faults"`
	Counts    map[FaultKind]uint64 `json:"fault_counts"`
	LastFault *Fault               `json:"last_fault,omitempty"`
	StartedAt time.Time            `json:"started_at"`
	Uptime    string               `json:"uptime"`
}

// Health tracks faults by kind and whether the pipeline is degraded.
// It implements persistence.FaultReporter.
type Health struct {
	mu       sync.RWMutex
	bus      *events.Bus
	counts   map[FaultKind]uint64
	active   map[FaultKind]bool
	last     *Fault
	started  time.Time
	watchers []func(degraded bool)
	now      func() time.Time
}

// NewHealth creates a health tracker publishing on bus (may be nil).
func NewHealth(bus *events.Bus) *Health {
	return &Health{
		bus:     bus,
		counts:  make(map[FaultKind]uint64),
		active:  make(map[FaultKind]bool),
		started: time.Now(),
		now:     time.Now,
	}
}

// Watch registers fn to be called whenever the degraded flag flips.
func (h *Health) Watch(fn func(degraded bool)) {
	h.mu.Lock()
	h.watchers = append(h.watchers, fn)
	degraded := len(h.active) > 0
	h.mu.Unlock()
	fn(degraded)
}

// Report records f, logs it and publishes it on the bus.
func (h *Health) Report(f Fault) {
	if f.At.IsZero() {
		f.At = h.now().UTC()
	}

	h.mu.Lock()
	was := len(h.active) > 0
	h.counts[f.Kind]++
	if f.Kind.latching() {
		h.active[f.Kind] = true
	}
	last := f
	h.last = &last
	is := len(h.active) > 0
	watchers := h.watchers
	h.mu.Unlock()

	switch f.Kind {
	case EvaluationFault:
		log.Printf("[EVAL FAULT] %s: %s", f.Component, f.Message)
	case QueueOverflow:
		log.Printf("⚠️ [AUDIT QUEUE FULL] %s", f.Message)
	default:
		log.Printf("❌ [%s] %s: %s", f.Kind, f.Component, f.Message)
	}

	h.bus.Publish(events.TopicFault, f)
	if was != is {
		for _, fn := range watchers {
			fn(is)
		}
	}
}

// Recovered clears a latched fault kind.
func (h *Health) Recovered(kind FaultKind) {
	h.mu.Lock()
	if !h.active[kind] {
		h.mu.Unlock()
		return
	}
	delete(h.active, kind)
	is := len(h.active) > 0
	watchers := h.watchers
	h.mu.Unlock()

	log.Printf("✓ %s recovered", kind)
	h.bus.Publish(events.TopicRecovered, Recovery{Kind: kind, At: h.now().UTC()})
	if !is {
		for _, fn := range watchers {
			fn(false)
		}
	}
}

// Degraded reports whether any latched fault is outstanding.
func (h *Health) Degraded() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active) > 0
}

// Count returns how many faults of kind were reported.
func (h *Health) Count(kind FaultKind) uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.counts[kind]
}

// Snapshot returns a copy of the current state.
func (h *Health) Snapshot() Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s := Snapshot{
		Status:    "ok",
		Degraded:  len(h.active) > 0,
		Counts:    make(map[FaultKind]uint64, len(h.counts)),
		StartedAt: h.started,
		Uptime:    time.Since(h.started).Round(time.Second).String(),
	}
	if s.Degraded {
		s.Status = "degraded"
	}
	for k, v := range h.counts {
		s.Counts[k] = v
	}
	for k := range h.active {
		s.Active = append(s.Active, k)
	}
	sort.Slice(s.Active, func(i, j int) bool { return s.Active[i] < s.Active[j] })
	if h.last != nil {
		last := *h.last
		s.LastFault = &last
	}
	return s
}

// PersistenceFault implements persistence.FaultReporter.
func (h *Health) PersistenceFault(err error, attempt int, exhausted bool) {
	msg := fmt.Sprintf("attempt %d: %v", attempt, err)
	if exhausted {
		msg += " (retries exhausted, still retrying at max backoff)"
	}
	h.Report(Fault{Kind: PersistenceFault, Component: "audit_store", Message: msg})
}

// QueueOverflow implements persistence.FaultReporter.
func (h *Health) QueueOverflow(pending int) {
	h.Report(Fault{Kind: QueueOverflow, Component: "audit_store", Message: fmt.Sprintf("%d events pending", pending)})
}

// PersistenceRecovered implements persistence.FaultReporter.
func (h *Health) PersistenceRecovered() {
	h.Recovered(PersistenceFault)
	h.Recovered(QueueOverflow)
}
