package runner

import (
	"sync"
	"time"

	"sprintd/internal/events"
)

// slotOwner identifies the run currently holding an issue slot.
type slotOwner struct {
	runID string
	role  string
}

// issueGate serializes agent work per issue. The planner can emit a reviewer
// intent while an executor run is still finishing its PR updates; the gate
// makes the reviewer wait instead of racing it.
type issueGate struct {
	mu      sync.Mutex
	byIssue map[int]slotOwner
	changed chan struct{}
}

func newIssueGate() *issueGate {
	return &issueGate{
		byIssue: map[int]slotOwner{},
		changed: make(chan struct{}),
	}
}

const gateWaitStep = 500 * time.Millisecond

// reserve blocks until the slot for issueNumber is free or stop fires, then
// claims it. Re-entry by the same run is a no-op. Waits longer than five
// seconds surface as WORKER_WAITING events.
func (g *issueGate) reserve(issueNumber int, runID, role string, stop <-chan struct{}, emitter *events.Emitter) {
	if issueNumber <= 0 || runID == "" {
		return
	}

	waited := time.Duration(0)
	for {
		g.mu.Lock()
		current, busy := g.byIssue[issueNumber]
		if !busy {
			g.byIssue[issueNumber] = slotOwner{runID: runID, role: role}
			g.mu.Unlock()
			return
		}
		if current.runID == runID {
			g.mu.Unlock()
			return
		}
		changed := g.changed
		g.mu.Unlock()

		if waited >= 5*time.Second && int(waited.Seconds())%5 == 0 && waited%time.Second == 0 {
			emitter.Event("WORKER_WAITING", map[string]any{
				"issue_number":      issueNumber,
				"run_id":            runID,
				"role":              role,
				"blocked_by_role":   current.role,
				"blocked_by_run_id": current.runID,
				"waited_s":          int(waited.Seconds()),
			})
		}

		select {
		case <-stop:
			return
		case <-changed:
		case <-time.After(gateWaitStep):
		}
		waited += gateWaitStep
	}
}

// release frees the slot if runID still owns it and wakes all waiters.
func (g *issueGate) release(issueNumber int, runID string) {
	if issueNumber <= 0 || runID == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	current, ok := g.byIssue[issueNumber]
	if !ok || current.runID != runID {
		return
	}
	delete(g.byIssue, issueNumber)
	close(g.changed)
	g.changed = make(chan struct{})
}
