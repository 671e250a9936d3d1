package hub

import (
	"context"
	"errors"
	"relayhub/internal/agent"
	"relayhub/internal/logger"
	"relayhub/internal/model"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

type queuedJob struct {
	uid      string
	planned  bool
	enqueued time.Time
}

// nodeQueue is the single owner of one node's admission state. All
// dispatches for the node happen on its actor goroutine, so per-node
// ordering needs no further locking; the waiting list mutex only guards
// against enqueue/remove from API workers.
type nodeQueue struct {
	node         model.Node
	m            *Manager
	slots        *semaphore.Weighted
	maxDepth     int
	promoteAfter time.Duration

	mu      sync.Mutex
	waiting []*queuedJob
	wake    chan struct{}
}

func newNodeQueue(m *Manager, node model.Node, limit int) *nodeQueue {
	return &nodeQueue{
		node:         node,
		m:            m,
		slots:        semaphore.NewWeighted(int64(limit)),
		maxDepth:     m.cfg.MaxQueueDepth,
		promoteAfter: m.cfg.PromoteAfter,
		wake:         make(chan struct{}, 1),
	}
}

func (q *nodeQueue) Full() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting) >= q.maxDepth
}

// Enqueue admits a job into the waiting list. force bypasses the depth
// bound and is used only when re-admitting persisted jobs at startup.
func (q *nodeQueue) Enqueue(uid string, planned, force bool) error {
	q.mu.Lock()
	if !force && len(q.waiting) >= q.maxDepth {
		q.mu.Unlock()
		return model.ErrQueueFull
	}
	q.waiting = append(q.waiting, &queuedJob{
		uid:      uid,
		planned:  planned,
		enqueued: time.Now(),
	})
	q.mu.Unlock()

	q.kick()
	return nil
}

// Remove takes a still-waiting job out of the queue. Returns false when the
// actor already picked it up.
func (q *nodeQueue) Remove(uid string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, qj := range q.waiting {
		if qj.uid == uid {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			return true
		}
	}
	return false
}

func (q *nodeQueue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pop picks the next job to dispatch. FIFO, except that a job holding a
// consumed dry-run token, or one that has waited past promoteAfter, moves
// to the head so its token cannot expire behind newer work.
func (q *nodeQueue) pop() *queuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.waiting) == 0 {
		return nil
	}

	idx := 0
	now := time.Now()
	for i, qj := range q.waiting {
		if qj.planned || now.Sub(qj.enqueued) > q.promoteAfter {
			idx = i
			break
		}
	}

	qj := q.waiting[idx]
	q.waiting = append(q.waiting[:idx], q.waiting[idx+1:]...)
	return qj
}

func (q *nodeQueue) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		}

		for {
			if err := q.slots.Acquire(ctx, 1); err != nil {
				return
			}

			qj := q.pop()
			if qj == nil {
				q.slots.Release(1)
				break
			}

			q.dispatch(ctx, qj)
		}
	}
}

// dispatch starts the job on the agent, retrying transient failures with
// backoff. The job stays QUEUED between attempts; only exhausting the
// attempt budget or an agent-side rejection marks it FAILED. On success the
// slot is handed to the job's monitor, which releases it on terminal.
const dispatchLoadMaxBackoff = 30 * time.Second

func (q *nodeQueue) dispatch(ctx context.Context, qj *queuedJob) {
	// Only a confirmed answer from the store may abandon the job: a
	// transient read error is retried so the job is never stranded in
	// QUEUED with no queue entry.
	var job model.Job
	loadBackoff := time.Second
	for {
		var err error
		job, err = q.m.jobs.GetByUID(qj.uid)
		if err == nil {
			break
		}
		if errors.Is(err, model.ErrJobNotFound) {
			q.slots.Release(1)
			return
		}

		logger.Log.Warn("failed to load queued job",
			zap.String("uid", qj.uid),
			zap.String("node", q.node.ID),
			zap.Duration("retry_in", loadBackoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			q.slots.Release(1)
			return
		case <-time.After(loadBackoff):
		}
		if loadBackoff *= 2; loadBackoff > dispatchLoadMaxBackoff {
			loadBackoff = dispatchLoadMaxBackoff
		}
	}

	if job.Status != model.JobStatusQueued {
		// stopped or already settled while waiting
		q.slots.Release(1)
		return
	}

	flags, err := job.TransferFlags()
	if err != nil {
		q.m.markTerminal(job.UID, q.node.ID, model.JobStatusQueued, model.JobStatusFailed, "corrupt flags: "+err.Error(), nil)
		q.slots.Release(1)
		return
	}

	backoff := time.Second
	for attempt := 1; ; attempt++ {
		agentJobID, err := q.m.agents.StartOperation(ctx, q.node, job.Kind, job.Src, job.Dst, flags)
		if err == nil {
			if err := q.m.jobs.RecordDispatch(job.UID, agentJobID); err != nil {
				// A concurrent stop won the race after the agent accepted;
				// undo the dispatch as best we can.
				logger.Log.Warn("dispatched job no longer queued, stopping on agent",
					zap.String("uid", job.UID),
					zap.Error(err))
				_ = q.m.agents.StopJob(ctx, q.node, agentJobID)
				q.slots.Release(1)
				return
			}

			logger.Log.Info("job dispatched",
				zap.String("uid", job.UID),
				zap.String("node", q.node.ID),
				zap.Int64("agent_job_id", agentJobID),
				zap.Int("attempt", attempt))

			q.m.startMonitor(job.UID, q.node, agentJobID, q, true)
			return
		}

		var unreachable *agent.UnreachableError
		retryable := errors.As(err, &unreachable)

		logger.Log.Warn("dispatch attempt failed",
			zap.String("uid", job.UID),
			zap.String("node", q.node.ID),
			zap.Int("attempt", attempt),
			zap.Bool("retryable", retryable),
			zap.Error(err))

		if !retryable || attempt >= q.m.cfg.DispatchAttempts {
			q.m.markTerminal(job.UID, q.node.ID, model.JobStatusQueued, model.JobStatusFailed, "dispatch failed: "+err.Error(), nil)
			q.slots.Release(1)
			return
		}

		select {
		case <-ctx.Done():
			q.slots.Release(1)
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}
