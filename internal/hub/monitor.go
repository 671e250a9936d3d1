package hub

import (
	"context"
	"errors"
	"relayhub/internal/logger"
	"relayhub/internal/model"
	"relayhub/internal/repository"
	"time"

	"go.uber.org/zap"
)

type monitor struct {
	uid    string
	cancel context.CancelFunc
}

// startMonitor spawns the checkpoint-polling task for a running job. The
// task owns the node slot it was handed (hasSlot) and releases it exactly
// once, when it exits. Cancellation is tied to the job's terminal
// transition or a hub shutdown.
func (m *Manager) startMonitor(uid string, node model.Node, agentJobID int64, q *nodeQueue, hasSlot bool) {
	ctx, cancel := context.WithCancel(m.ctx)

	m.mu.Lock()
	m.monitors[uid] = &monitor{uid: uid, cancel: cancel}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.monitors, uid)
			m.mu.Unlock()

			if hasSlot {
				q.slots.Release(1)
				q.kick()
			}
		}()

		m.monitorJob(ctx, uid, node, agentJobID)
	}()
}

func (m *Manager) monitorJob(ctx context.Context, uid string, node model.Node, agentJobID int64) {
	ticker := time.NewTicker(m.cfg.CheckpointInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		stats, err := m.agents.Stats(ctx, node, agentJobID)
		if err != nil {
			failures++
			logger.Log.Warn("checkpoint poll failed",
				zap.String("uid", uid),
				zap.String("node", node.ID),
				zap.Int("consecutive_failures", failures),
				zap.Error(err))

			if failures >= m.cfg.StatsFailureLimit {
				m.markTerminal(uid, node.ID, model.JobStatusRunning, model.JobStatusFailed,
					"agent stats unavailable: "+err.Error(), nil)
				return
			}
			continue
		}

		// Checkpoint is durable before the event goes out: fan-out never
		// advertises progress that would not survive a crash.
		if err := m.jobs.RecordProgress(uid, stats.Bytes, stats.Files); err != nil {
			if errors.Is(err, repository.ErrNotRunning) {
				// a stop or reconcile already owns the job
				return
			}

			// A failed write is not a state change. The agent is still
			// transferring; keep the monitor alive and count the failure.
			failures++
			logger.Log.Warn("failed to persist checkpoint",
				zap.String("uid", uid),
				zap.String("node", node.ID),
				zap.Int("consecutive_failures", failures),
				zap.Error(err))

			if failures >= m.cfg.StatsFailureLimit {
				m.markTerminal(uid, node.ID, model.JobStatusRunning, model.JobStatusFailed,
					"checkpoint persistence failed: "+err.Error(), nil)
				return
			}
			continue
		}
		failures = 0
		if err := m.ckpts.Append(uid, stats.Bytes, stats.Files, stats.Speed); err != nil {
			logger.Log.Warn("failed to append checkpoint",
				zap.String("uid", uid),
				zap.Error(err))
		}

		m.streamer.Publish(model.Event{
			JobUID: uid,
			Node:   node.ID,
			Kind:   model.EventStats,
			Payload: map[string]any{
				"bytes":  stats.Bytes,
				"files":  stats.Files,
				"speed":  stats.Speed,
				"errors": stats.Errors,
			},
		})

		status, err := m.agents.JobStatus(ctx, node, agentJobID)
		if err != nil || !status.Finished {
			continue
		}

		if status.Success {
			m.markTerminal(uid, node.ID, model.JobStatusRunning, model.JobStatusCompleted, "", nil)
		} else {
			reason := status.Error
			if reason == "" {
				reason = "agent reported failure"
			}
			m.markTerminal(uid, node.ID, model.JobStatusRunning, model.JobStatusFailed, reason, nil)
		}
		return
	}
}
