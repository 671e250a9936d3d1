package hub

import (
	"context"
	"errors"
	"relayhub/internal/agent"
	"relayhub/internal/model"
	"sync"
)

// fakeAgent is an in-process stand-in for a remote transfer agent. Tests
// script it by flipping unreachable, feeding stats, and finishing jobs.
type fakeAgent struct {
	mu          sync.Mutex
	nextID      int64
	starts      int
	stops       []int64
	active      map[int64]bool
	statuses    map[int64]agent.JobStatus
	stats       map[int64]agent.Stats
	planOps     []model.PlannedOp
	unreachable bool
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		active:   make(map[int64]bool),
		statuses: make(map[int64]agent.JobStatus),
		stats:    make(map[int64]agent.Stats),
		planOps: []model.PlannedOp{
			{Action: "copy", Path: "a.txt", Size: 10},
		},
	}
}

func (f *fakeAgent) setUnreachable(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unreachable = v
}

func (f *fakeAgent) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeAgent) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stops)
}

// finish marks an agent job terminal, as if the transfer ended.
func (f *fakeAgent) finish(id int64, success bool, errMsg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, id)
	f.statuses[id] = agent.JobStatus{Finished: true, Success: success, Error: errMsg}
}

func (f *fakeAgent) setStats(id int64, s agent.Stats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats[id] = s
}

// seed registers an agent job id as already active, for reconciliation
// tests that fabricate pre-restart state.
func (f *fakeAgent) seed(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[id] = true
	if id >= f.nextID {
		f.nextID = id
	}
}

func (f *fakeAgent) lastID() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextID
}

func (f *fakeAgent) err(node model.Node) error {
	if f.unreachable {
		return &agent.UnreachableError{Node: node.ID, Err: errors.New("connection refused")}
	}
	return nil
}

func (f *fakeAgent) ListRemotes(ctx context.Context, node model.Node) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err(node); err != nil {
		return nil, err
	}
	return []string{"local:", "s3:"}, nil
}

func (f *fakeAgent) StartOperation(ctx context.Context, node model.Node, kind model.JobKind, src, dst string, flags model.TransferFlags) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err(node); err != nil {
		return 0, err
	}

	f.nextID++
	f.starts++
	f.active[f.nextID] = true
	f.statuses[f.nextID] = agent.JobStatus{}
	return f.nextID, nil
}

func (f *fakeAgent) DryRun(ctx context.Context, node model.Node, kind model.JobKind, src, dst string, flags model.TransferFlags) ([]model.PlannedOp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err(node); err != nil {
		return nil, err
	}
	return f.planOps, nil
}

func (f *fakeAgent) StopJob(ctx context.Context, node model.Node, agentJobID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err(node); err != nil {
		return err
	}

	f.stops = append(f.stops, agentJobID)
	delete(f.active, agentJobID)
	f.statuses[agentJobID] = agent.JobStatus{Finished: true, Success: false, Error: "stopped"}
	return nil
}

func (f *fakeAgent) Stats(ctx context.Context, node model.Node, agentJobID int64) (agent.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err(node); err != nil {
		return agent.Stats{}, err
	}
	return f.stats[agentJobID], nil
}

func (f *fakeAgent) ActiveJobs(ctx context.Context, node model.Node) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err(node); err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(f.active))
	for id := range f.active {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeAgent) JobStatus(ctx context.Context, node model.Node, agentJobID int64) (agent.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err(node); err != nil {
		return agent.JobStatus{}, err
	}
	return f.statuses[agentJobID], nil
}

func (f *fakeAgent) CoreStats(ctx context.Context, node model.Node) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err(node); err != nil {
		return nil, err
	}
	return map[string]any{"bytes": 0}, nil
}
