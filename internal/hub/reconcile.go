package hub

import (
	"context"
	"relayhub/internal/logger"
	"relayhub/internal/model"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	reconcileInitialBackoff = 2 * time.Second
	reconcileMaxBackoff     = time.Minute
)

// reconcile runs once at startup and re-attaches the hub's job records to
// whatever the agents are still doing. No job that was RUNNING before a
// restart is ever left without a monitor: it either gets one back, or it
// is settled as completed/failed.
func (m *Manager) reconcile(ctx context.Context) {
	// Jobs interrupted mid-admission cannot make progress: their request
	// path is gone along with the process that was driving it.
	stale, err := m.jobs.ListByStatus(model.JobStatusPending, model.JobStatusDryRunPending)
	if err != nil {
		logger.Log.Error("reconciliation failed to list stale jobs", zap.Error(err))
	}
	for i := range stale {
		m.markTerminal(stale[i].UID, stale[i].Node, stale[i].Status, model.JobStatusFailed,
			"interrupted during admission", nil)
	}

	// Queued jobs were admitted but never dispatched; put them back on
	// their node's queue in creation order, bypassing the depth bound.
	queued, err := m.jobs.ListByStatus(model.JobStatusQueued)
	if err != nil {
		logger.Log.Error("reconciliation failed to list queued jobs", zap.Error(err))
	}
	for i := range queued {
		job := queued[i]
		node, ok := m.reg.Get(job.Node)
		if !ok {
			m.markTerminal(job.UID, job.Node, model.JobStatusQueued, model.JobStatusFailed,
				"node removed from registry", nil)
			continue
		}
		_ = m.queueFor(node).Enqueue(job.UID, job.Planned, true)
	}

	running, err := m.jobs.ListByStatus(model.JobStatusRunning)
	if err != nil {
		logger.Log.Error("reconciliation failed to list running jobs", zap.Error(err))
		return
	}

	byNode := make(map[string][]model.Job)
	for i := range running {
		byNode[running[i].Node] = append(byNode[running[i].Node], running[i])
	}

	g, gctx := errgroup.WithContext(ctx)
	for nodeID, jobs := range byNode {
		g.Go(func() error {
			m.reconcileNode(gctx, nodeID, jobs)
			return nil
		})
	}
	_ = g.Wait()

	logger.Log.Info("reconciliation complete",
		zap.Int("stale", len(stale)),
		zap.Int("requeued", len(queued)),
		zap.Int("running", len(running)))
}

func (m *Manager) reconcileNode(ctx context.Context, nodeID string, jobs []model.Job) {
	node, ok := m.reg.Get(nodeID)
	if !ok {
		for i := range jobs {
			m.markTerminal(jobs[i].UID, nodeID, model.JobStatusRunning, model.JobStatusFailed,
				"node removed from registry", nil)
		}
		return
	}

	// The agent may still be coming up after the same outage that took the
	// hub down; keep trying until it answers.
	var active []int64
	backoff := reconcileInitialBackoff
	for {
		var err error
		active, err = m.agents.ActiveJobs(ctx, node)
		if err == nil {
			break
		}

		logger.Log.Warn("reconciliation waiting for node",
			zap.String("node", nodeID),
			zap.Duration("retry_in", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > reconcileMaxBackoff {
			backoff = reconcileMaxBackoff
		}
	}

	activeSet := make(map[int64]bool, len(active))
	for _, id := range active {
		activeSet[id] = true
	}

	for i := range jobs {
		job := jobs[i]
		if job.AgentJobID != nil && activeSet[*job.AgentJobID] {
			q := m.queueFor(node)
			hasSlot := q.slots.TryAcquire(1)
			m.startMonitor(job.UID, node, *job.AgentJobID, q, hasSlot)

			logger.Log.Info("job reattached",
				zap.String("uid", job.UID),
				zap.String("node", nodeID),
				zap.Int64("agent_job_id", *job.AgentJobID))
			continue
		}

		m.settleLostJob(ctx, node, job)
	}
}

// settleLostJob decides the fate of a running job the agent no longer
// lists: completed if the agent's terminal record says it succeeded,
// failed with lost-on-restart otherwise.
func (m *Manager) settleLostJob(ctx context.Context, node model.Node, job model.Job) {
	if job.AgentJobID != nil {
		status, err := m.agents.JobStatus(ctx, node, *job.AgentJobID)
		if err == nil && status.Finished {
			if status.Success {
				m.markTerminal(job.UID, node.ID, model.JobStatusRunning, model.JobStatusCompleted, "", nil)
				return
			}
			reason := status.Error
			if reason == "" {
				reason = "lost-on-restart"
			}
			m.markTerminal(job.UID, node.ID, model.JobStatusRunning, model.JobStatusFailed, reason, nil)
			return
		}
	}

	m.markTerminal(job.UID, node.ID, model.JobStatusRunning, model.JobStatusFailed, "lost-on-restart", nil)
}
