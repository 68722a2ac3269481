// Package backend tracks per-upstream liveness: state, consecutive
// error/success streaks, latency EWMA, and request counters, per spec.md §3/§4.3.
package backend

import (
	"sync"
	"time"
)

// State is a backend's current health classification.
type State string

const (
	Healthy  State = "Healthy"
	Degraded State = "Degraded"
	Down     State = "Down"
)

// downThreshold is the number of consecutive errors that demotes a backend
// to Down, per spec.md §3.
const downThreshold = 3

// ewmaWeight is the weight given to a new latency sample in the EWMA,
// per spec.md's glossary: new = 0.8*old + 0.2*sample.
const ewmaWeight = 0.2

// Status is a single backend's shared, mutable health record. It is reached
// concurrently from the Upstream Manager (on every request) and the Health
// Supervisor (on every sweep); both mutate it under mu, which is held only
// for the duration of the state transition — never across network I/O
// (spec.md §5).
type Status struct {
	mu sync.RWMutex

	url      string
	priority int

	state State

	consecutiveErrors    int
	consecutiveSuccesses int

	lastErrorAt   *time.Time
	lastSuccessAt *time.Time

	latestBlock *uint64

	avgLatencyMS float64
	hasLatency   bool

	totalRequests uint64
	totalErrors   uint64

	startedAt time.Time
}

func NewStatus(url string, priority int) *Status {
	return &Status{
		url:       url,
		priority:  priority,
		state:     Healthy,
		startedAt: time.Now(),
	}
}

func (s *Status) URL() string { return s.url }

func (s *Status) Priority() int { return s.priority }

// RecordSuccess applies the success transition of spec.md §4.3's state
// table and updates the latency EWMA. latencyMS should be 0 for health
// probes, whose latency is bounded by the probe timeout and not meaningful
// for user-request pacing (spec.md §4.3).
func (s *Status) RecordSuccess(latencyMS float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.lastSuccessAt = &now

	s.totalRequests++
	s.consecutiveErrors = 0
	s.consecutiveSuccesses++
	s.state = Healthy

	if !s.hasLatency {
		s.avgLatencyMS = latencyMS
		s.hasLatency = true
	} else {
		s.avgLatencyMS = (1-ewmaWeight)*s.avgLatencyMS + ewmaWeight*latencyMS
	}
}

// RecordError applies the error transition of spec.md §4.3's state table:
// Healthy -> Degraded(1); Degraded -> Degraded until 3 consecutive errors,
// then Down; Down stays Down, counting further errors but not transitioning
// again until a success arrives.
func (s *Status) RecordError() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.lastErrorAt = &now

	s.totalRequests++
	s.totalErrors++
	s.consecutiveSuccesses = 0
	s.consecutiveErrors++

	if s.consecutiveErrors >= downThreshold {
		s.state = Down
	} else if s.state != Down {
		s.state = Degraded
	}
}

// SetLatestBlock records the head block observed by a successful probe.
func (s *Status) SetLatestBlock(block uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.latestBlock = &block
}

// Demote forces state to Degraded without touching counters. Used by the
// Health Supervisor to demote a Healthy-but-stale backend (spec.md §3/§4.5);
// it is a no-op if the backend is already Degraded or Down.
func (s *Status) Demote() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Healthy {
		s.state = Degraded
	}
}

// State returns the current health state.
func (s *Status) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.state
}

// IsDown reports whether the backend should currently be skipped by dispatch.
func (s *Status) IsDown() bool {
	return s.State() == Down
}

// LatestBlock returns the last-observed head block and whether one has ever
// been recorded.
func (s *Status) LatestBlock() (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.latestBlock == nil {
		return 0, false
	}

	return *s.latestBlock, true
}

// Snapshot is an immutable, point-in-time copy of a Status's fields, safe to
// read and serialize without holding any lock.
type Snapshot struct {
	URL           string
	State         State
	LatestBlock   *uint64
	AvgLatencyMS  float64
	TotalRequests uint64
	TotalErrors   uint64
	UptimeSecs    float64
	Priority      int
}

func (s *Status) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var block *uint64
	if s.latestBlock != nil {
		b := *s.latestBlock
		block = &b
	}

	return Snapshot{
		URL:           s.url,
		Priority:      s.priority,
		State:         s.state,
		LatestBlock:   block,
		AvgLatencyMS:  s.avgLatencyMS,
		TotalRequests: s.totalRequests,
		TotalErrors:   s.totalErrors,
		UptimeSecs:    time.Since(s.startedAt).Seconds(),
	}
}
