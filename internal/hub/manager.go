package hub

import (
	"context"
	"errors"
	"relayhub/internal/agent"
	"relayhub/internal/config"
	"relayhub/internal/logger"
	"relayhub/internal/model"
	"relayhub/internal/registry"
	"relayhub/internal/repository"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Manager is the hub's orchestration core. It owns one queue actor per
// node, one monitor per running job, the dry-run planner, and the event
// streamer. All API-facing job operations go through here.
type Manager struct {
	cfg      *config.Config
	reg      *registry.Registry
	agents   agent.Caller
	jobs     *repository.JobRepository
	idem     *repository.IdempotencyRepository
	plans    *repository.PlanRepository
	ckpts    *repository.CheckpointRepository
	planner  *Planner
	streamer *Streamer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	queues   map[string]*nodeQueue
	monitors map[string]*monitor
}

func NewManager(cfg *config.Config, reg *registry.Registry, agents agent.Caller) *Manager {
	m := &Manager{
		cfg:      cfg,
		reg:      reg,
		agents:   agents,
		jobs:     repository.NewJobRepository(),
		idem:     repository.NewIdempotencyRepository(cfg.IdempotencyRetention),
		plans:    repository.NewPlanRepository(),
		ckpts:    repository.NewCheckpointRepository(),
		queues:   make(map[string]*nodeQueue),
		monitors: make(map[string]*monitor),
	}

	m.planner = NewPlanner(agents, reg, m.plans, cfg.PlanTTL)
	m.streamer = NewStreamer(m.snapshotEvents)

	return m
}

func (m *Manager) Streamer() *Streamer {
	return m.streamer
}

func (m *Manager) Registry() *registry.Registry {
	return m.reg
}

func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)

	for _, node := range m.reg.All() {
		m.queueFor(node)
	}

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.reconcile(m.ctx)
	}()
	go func() {
		defer m.wg.Done()
		m.healthLoop(m.ctx)
	}()

	logger.Log.Info("hub manager started",
		zap.Int("nodes", len(m.reg.All())))
}

func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// queueFor returns the node's queue actor, creating and starting it on
// first use. Nodes added by a registry reload get their queue lazily.
func (m *Manager) queueFor(node model.Node) *nodeQueue {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.queues[node.ID]; ok {
		return q
	}

	q := newNodeQueue(m, node, m.cfg.NodeLimit(node.ID))
	m.queues[node.ID] = q

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		q.run(m.ctx)
	}()

	return q
}

type CreateRequest struct {
	IdempotencyKey string
	Node           string
	Kind           model.JobKind
	Src            string
	Dst            string
	Flags          model.TransferFlags
	DryRunToken    string
}

type CreateResult struct {
	UID     string
	Created bool
}

// CreateJob is the admission path: idempotency reservation, dry-run gate,
// queue admission. The job row is persisted before the reservation becomes
// visible, so any UID a concurrent replay is answered with resolves to a
// real job. A failure after the reservation releases the key so the client
// can retry it once the request is corrected; the failed attempt stays
// behind as a terminal FAILED row.
func (m *Manager) CreateJob(ctx context.Context, req CreateRequest) (CreateResult, error) {
	node, ok := m.reg.Get(req.Node)
	if !ok {
		return CreateResult{}, model.ErrNodeNotFound
	}

	uid := uuid.NewString()
	job := &model.Job{
		UID:    uid,
		Node:   req.Node,
		Kind:   req.Kind,
		Src:    req.Src,
		Dst:    req.Dst,
		Flags:  req.Flags.Encode(),
		Status: model.JobStatusPending,
	}
	if err := m.jobs.Create(job); err != nil {
		return CreateResult{}, err
	}

	fingerprint := model.Fingerprint(req.Node, req.Kind, req.Src, req.Dst, req.Flags)
	winner, created, err := m.idem.Reserve(req.IdempotencyKey, fingerprint, uid)
	if err != nil {
		_ = m.jobs.Delete(uid)
		return CreateResult{}, err
	}
	if !created {
		// replay: drop the provisional row, which was never exposed
		_ = m.jobs.Delete(uid)
		return CreateResult{UID: winner, Created: false}, nil
	}

	fail := func(err error) (CreateResult, error) {
		if releaseErr := m.idem.Release(req.IdempotencyKey); releaseErr != nil {
			logger.Log.Warn("failed to release idempotency key",
				zap.String("key", req.IdempotencyKey),
				zap.Error(releaseErr))
		}
		return CreateResult{}, err
	}

	q := m.queueFor(node)
	if q.Full() {
		_ = m.jobs.Transition(uid, model.JobStatusPending, model.JobStatusFailed,
			map[string]any{"last_error": "queue full"})
		return fail(model.ErrQueueFull)
	}

	planned := false
	if req.Kind.Destructive() || req.DryRunToken != "" {
		if err := m.jobs.Transition(uid, model.JobStatusPending, model.JobStatusDryRunPending, nil); err != nil {
			return fail(err)
		}

		if err := m.planner.Consume(req.DryRunToken, req.Node, req.Kind, req.Src, req.Dst, req.Flags); err != nil {
			_ = m.jobs.Transition(uid, model.JobStatusDryRunPending, model.JobStatusFailed,
				map[string]any{"last_error": "invalid dry-run token"})
			return fail(err)
		}
		planned = true

		if err := m.jobs.Transition(uid, model.JobStatusDryRunPending, model.JobStatusQueued,
			map[string]any{"planned": true}); err != nil {
			return fail(err)
		}
	} else {
		if err := m.jobs.Transition(uid, model.JobStatusPending, model.JobStatusQueued, nil); err != nil {
			return fail(err)
		}
	}

	if err := q.Enqueue(uid, planned, false); err != nil {
		_ = m.jobs.Transition(uid, model.JobStatusQueued, model.JobStatusFailed,
			map[string]any{"last_error": "queue full"})
		return fail(err)
	}

	logger.Log.Info("job created",
		zap.String("uid", uid),
		zap.String("node", req.Node),
		zap.String("kind", string(req.Kind)),
		zap.Bool("planned", planned))

	return CreateResult{UID: uid, Created: true}, nil
}

func (m *Manager) PlanJob(ctx context.Context, nodeID string, kind model.JobKind, src, dst string, flags model.TransferFlags) (string, []model.PlannedOp, error) {
	return m.planner.Plan(ctx, nodeID, kind, src, dst, flags)
}

func (m *Manager) GetJob(uid string) (model.JobSnapshot, error) {
	job, err := m.jobs.GetByUID(uid)
	if err != nil {
		return model.JobSnapshot{}, err
	}
	return job.Snapshot(), nil
}

func (m *Manager) ListJobs(node string, status model.JobStatus) ([]model.JobSnapshot, error) {
	jobs, err := m.jobs.List(node, status)
	if err != nil {
		return nil, err
	}

	snaps := make([]model.JobSnapshot, 0, len(jobs))
	for i := range jobs {
		snaps = append(snaps, jobs[i].Snapshot())
	}
	return snaps, nil
}

// RecentCheckpoints returns the newest progress checkpoints for a job,
// newest first.
func (m *Manager) RecentCheckpoints(uid string, n int) ([]model.Checkpoint, error) {
	if _, err := m.jobs.GetByUID(uid); err != nil {
		return nil, err
	}
	return m.ckpts.Recent(uid, n)
}

func (m *Manager) ListRemotes(ctx context.Context, nodeID string) ([]string, error) {
	node, ok := m.reg.Get(nodeID)
	if !ok {
		return nil, model.ErrNodeNotFound
	}
	return m.agents.ListRemotes(ctx, node)
}

// StopJob requests cancellation. A job that never reached the agent is
// stopped locally; a running job is stopped on the agent first and marked
// unconfirmed when the agent cannot be reached, for reconciliation to
// correct after the next restart.
func (m *Manager) StopJob(ctx context.Context, uid string) (bool, error) {
	job, err := m.jobs.GetByUID(uid)
	if err != nil {
		return false, err
	}

	switch job.Status {
	case model.JobStatusCompleted, model.JobStatusFailed, model.JobStatusStopped:
		return false, nil

	case model.JobStatusPending, model.JobStatusDryRunPending:
		if err := m.jobs.Transition(uid, job.Status, model.JobStatusStopped, nil); err != nil {
			return false, err
		}
		m.publishTerminal(uid, job.Node, model.JobStatusStopped, "")
		return true, nil

	case model.JobStatusQueued:
		if node, ok := m.reg.Get(job.Node); ok {
			m.queueFor(node).Remove(uid)
		}
		if err := m.jobs.Transition(uid, model.JobStatusQueued, model.JobStatusStopped, nil); err != nil {
			// the queue actor dispatched it in the meantime
			job, err = m.jobs.GetByUID(uid)
			if err != nil || job.Status != model.JobStatusRunning {
				return false, err
			}
			return m.stopRunning(ctx, job)
		}
		m.publishTerminal(uid, job.Node, model.JobStatusStopped, "")
		return true, nil

	case model.JobStatusRunning:
		return m.stopRunning(ctx, job)
	}

	return false, nil
}

func (m *Manager) stopRunning(ctx context.Context, job model.Job) (bool, error) {
	node, ok := m.reg.Get(job.Node)
	if !ok || job.AgentJobID == nil {
		m.markTerminal(job.UID, job.Node, model.JobStatusRunning, model.JobStatusStopped,
			"", map[string]any{"stop_unconfirmed": true})
		m.cancelMonitor(job.UID)
		return true, nil
	}

	fields := map[string]any{}
	reason := ""
	if err := m.agents.StopJob(ctx, node, *job.AgentJobID); err != nil {
		logger.Log.Warn("agent did not confirm stop",
			zap.String("uid", job.UID),
			zap.String("node", job.Node),
			zap.Error(err))
		fields["stop_unconfirmed"] = true
		reason = "stop unconfirmed: " + err.Error()
	}

	m.markTerminal(job.UID, job.Node, model.JobStatusRunning, model.JobStatusStopped, reason, fields)
	m.cancelMonitor(job.UID)
	return true, nil
}

func (m *Manager) cancelMonitor(uid string) {
	m.mu.Lock()
	mon, ok := m.monitors[uid]
	m.mu.Unlock()

	if ok {
		mon.cancel()
	}
}

// markTerminal performs a guarded terminal transition and publishes the
// terminal event. Losing the transition race is not an error: some other
// worker already settled the job.
func (m *Manager) markTerminal(uid, nodeID string, from, to model.JobStatus, reason string, fields map[string]any) {
	updates := map[string]any{}
	for k, v := range fields {
		updates[k] = v
	}
	if reason != "" {
		updates["last_error"] = reason
	}

	if err := m.jobs.Transition(uid, from, to, updates); err != nil {
		logger.Log.Debug("terminal transition lost",
			zap.String("uid", uid),
			zap.String("to", string(to)),
			zap.Error(err))
		return
	}

	logger.Log.Info("job finished",
		zap.String("uid", uid),
		zap.String("node", nodeID),
		zap.String("status", string(to)),
		zap.String("reason", reason))

	m.publishTerminal(uid, nodeID, to, reason)
}

func (m *Manager) publishTerminal(uid, nodeID string, status model.JobStatus, reason string) {
	payload := map[string]any{"status": status}
	if reason != "" {
		payload["error"] = reason
	}

	m.streamer.Publish(model.Event{
		JobUID:  uid,
		Node:    nodeID,
		Kind:    model.EventTerminal,
		Payload: payload,
	})
}

func (m *Manager) snapshotEvents() []model.Event {
	jobs, err := m.jobs.ListByStatus(
		model.JobStatusPending,
		model.JobStatusDryRunPending,
		model.JobStatusQueued,
		model.JobStatusRunning,
	)
	if err != nil {
		logger.Log.Warn("failed to build snapshot", zap.Error(err))
		return nil
	}

	events := make([]model.Event, 0, len(jobs))
	now := time.Now().Unix()
	for i := range jobs {
		events = append(events, model.Event{
			Ts:      now,
			JobUID:  jobs[i].UID,
			Node:    jobs[i].Node,
			Kind:    model.EventSnapshot,
			Payload: jobs[i].Snapshot(),
		})
	}
	return events
}

// healthLoop keeps per-node reachability fresh and surfaces node failures
// on the event stream. One slow or dead node never affects the others'
// polling beyond its own bounded timeout.
func (m *Manager) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, node := range m.reg.All() {
			if _, err := m.agents.CoreStats(ctx, node); err != nil {
				m.reg.MarkReachable(node.ID, false)

				var unreachable *agent.UnreachableError
				if errors.As(err, &unreachable) {
					m.streamer.Publish(model.Event{
						Node:    node.ID,
						Kind:    model.EventError,
						Payload: map[string]any{"error": "node unreachable"},
					})
				}
				continue
			}
			m.reg.MarkReachable(node.ID, true)
		}
	}
}
