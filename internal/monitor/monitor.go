// Package monitor aggregates per-run observable state for the coordinator:
// numeric run ids, phase, per-agent status, the parallel-running counter,
// and a compact status token suitable for a host status line.
package monitor

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Phase is a run's coarse lifecycle stage.
type Phase string

const (
	PhaseRunning Phase = "running"
	PhaseDone    Phase = "done"
	PhaseError   Phase = "error"
)

const (
	defaultMaxTokens        = 3
	defaultCompletionWindow = 5 * time.Second
	defaultMaxFinishedKept  = 20
	defaultMaxFinishedAge   = 10 * time.Minute
)

// RunStatus is one run's observable snapshot.
type RunStatus struct {
	ID                 int
	Phase              Phase
	AgentStatuses      map[string]string
	RunningCount       int
	TotalCount         int
	GovernanceSnapshot string
	Err                error
	FinishedAt         time.Time
}

// Monitor tracks zero or more runs. All methods are safe for concurrent
// use, but per the orchestrator's single-writer rule, only the
// orchestrator goroutine is expected to call the mutating methods for any
// given run.
type Monitor struct {
	mu     sync.Mutex
	runs   map[int]*RunStatus
	order  []int
	nextID int
	now    func() time.Time
	store  *Store
}

// Option configures a Monitor at construction.
type Option func(*Monitor)

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithStore attaches optional sqlite persistence for finished-run snapshots.
func WithStore(s *Store) Option {
	return func(m *Monitor) { m.store = s }
}

// New creates an empty Monitor.
func New(opts ...Option) *Monitor {
	m := &Monitor{
		runs: make(map[int]*RunStatus),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartRun registers a new run with the given total agent count and
// returns its assigned numeric id.
func (m *Monitor) StartRun(total int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	m.runs[id] = &RunStatus{
		ID:            id,
		Phase:         PhaseRunning,
		AgentStatuses: make(map[string]string),
		TotalCount:    total,
	}
	m.order = append(m.order, id)
	return id
}

// UpdateAgent records the latest status string for one agent in a run.
func (m *Monitor) UpdateAgent(id int, agent, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[id]; ok {
		r.AgentStatuses[agent] = status
	}
}

// SetRunning updates the parallel-running counter for a run.
func (m *Monitor) SetRunning(id int, running int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[id]; ok {
		r.RunningCount = running
	}
}

// SetGovernanceSnapshot records a short free-text governance summary
// (e.g. remaining tokens, depth) for display.
func (m *Monitor) SetGovernanceSnapshot(id int, snapshot string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[id]; ok {
		r.GovernanceSnapshot = snapshot
	}
}

// Finish marks a run complete, successfully if err is nil.
func (m *Monitor) Finish(id int, err error) {
	m.mu.Lock()
	r, ok := m.runs[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	r.FinishedAt = m.now()
	if err != nil {
		r.Phase = PhaseError
		r.Err = err
	} else {
		r.Phase = PhaseDone
	}
	snapshot := *r
	m.mu.Unlock()

	if m.store != nil {
		_ = m.store.SaveFinishedRun(snapshot)
	}
}

// StatusTokens builds the compact status line described in the external
// interface: while any run is active, up to the last defaultMaxTokens
// active runs render as "c<id>:a<total>[:p<running>]"; when idle but a run
// finished within the completion window, it renders as "c<id>:done" or
// "c<id>:err"; beyond the window the status clears.
func (m *Monitor) StatusTokens() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	var active []*RunStatus
	var recentlyFinished []*RunStatus
	for _, id := range m.order {
		r := m.runs[id]
		if r.Phase == PhaseRunning {
			active = append(active, r)
			continue
		}
		if now.Sub(r.FinishedAt) <= defaultCompletionWindow {
			recentlyFinished = append(recentlyFinished, r)
		}
	}

	if len(active) > 0 {
		return joinTokens(lastN(active, defaultMaxTokens), func(r *RunStatus) string {
			if r.RunningCount > 0 {
				return fmt.Sprintf("c%d:a%d:p%d", r.ID, r.TotalCount, r.RunningCount)
			}
			return fmt.Sprintf("c%d:a%d", r.ID, r.TotalCount)
		})
	}

	if len(recentlyFinished) > 0 {
		return joinTokens(lastN(recentlyFinished, defaultMaxTokens), func(r *RunStatus) string {
			if r.Phase == PhaseError {
				return fmt.Sprintf("c%d:err", r.ID)
			}
			return fmt.Sprintf("c%d:done", r.ID)
		})
	}

	return ""
}

func lastN(runs []*RunStatus, n int) []*RunStatus {
	if len(runs) <= n {
		return runs
	}
	return runs[len(runs)-n:]
}

func joinTokens(runs []*RunStatus, render func(*RunStatus) string) string {
	tokens := make([]string, 0, len(runs))
	for _, r := range runs {
		tokens = append(tokens, render(r))
	}
	return strings.Join(tokens, " | ")
}

// Prune removes every finished run older than maxAge, then, if more than
// maxKept finished runs remain, removes the oldest of them until maxKept
// remain.
func (m *Monitor) Prune(maxAge time.Duration, maxKept int) {
	if maxAge <= 0 {
		maxAge = defaultMaxFinishedAge
	}
	if maxKept <= 0 {
		maxKept = defaultMaxFinishedKept
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var finishedIDs []int
	for _, id := range m.order {
		if m.runs[id].Phase != PhaseRunning {
			finishedIDs = append(finishedIDs, id)
		}
	}

	toRemove := make(map[int]bool)
	for _, id := range finishedIDs {
		if now.Sub(m.runs[id].FinishedAt) > maxAge {
			toRemove[id] = true
		}
	}
	if excess := len(finishedIDs) - len(toRemove) - maxKept; excess > 0 {
		for _, id := range finishedIDs {
			if toRemove[id] {
				continue
			}
			toRemove[id] = true
			excess--
			if excess == 0 {
				break
			}
		}
	}

	if len(toRemove) == 0 {
		return
	}
	newOrder := m.order[:0:0]
	for _, id := range m.order {
		if toRemove[id] {
			delete(m.runs, id)
			continue
		}
		newOrder = append(newOrder, id)
	}
	m.order = newOrder
}
