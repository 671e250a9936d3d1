package hub

import (
	"context"
	"encoding/json"
	"relayhub/internal/agent"
	"relayhub/internal/logger"
	"relayhub/internal/model"
	"relayhub/internal/registry"
	"relayhub/internal/repository"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Planner runs dry-run previews against agents and caches the result under
// a single-use token. Destructive jobs must consume such a token before
// they can be queued.
type Planner struct {
	agents agent.Caller
	reg    *registry.Registry
	plans  *repository.PlanRepository
	ttl    time.Duration
}

func NewPlanner(agents agent.Caller, reg *registry.Registry, plans *repository.PlanRepository, ttl time.Duration) *Planner {
	return &Planner{
		agents: agents,
		reg:    reg,
		plans:  plans,
		ttl:    ttl,
	}
}

func (p *Planner) Plan(ctx context.Context, nodeID string, kind model.JobKind, src, dst string, flags model.TransferFlags) (string, []model.PlannedOp, error) {
	node, ok := p.reg.Get(nodeID)
	if !ok {
		return "", nil, model.ErrNodeNotFound
	}

	ops, err := p.agents.DryRun(ctx, node, kind, src, dst, flags)
	if err != nil {
		return "", nil, err
	}

	// Lazy cleanup keeps the plans table bounded without a sweeper.
	if err := p.plans.PurgeExpired(); err != nil {
		logger.Log.Warn("failed to purge expired plans", zap.Error(err))
	}

	encoded, err := json.Marshal(ops)
	if err != nil {
		return "", nil, err
	}

	plan := &model.DryRunPlan{
		Token:      uuid.NewString(),
		Node:       nodeID,
		Kind:       kind,
		Src:        src,
		Dst:        dst,
		Flags:      flags.Encode(),
		Operations: string(encoded),
		ExpiresAt:  time.Now().Add(p.ttl),
	}
	if err := p.plans.Save(plan); err != nil {
		return "", nil, err
	}

	logger.Log.Info("dry-run plan cached",
		zap.String("token", plan.Token),
		zap.String("node", nodeID),
		zap.String("kind", string(kind)),
		zap.Int("operations", len(ops)))

	return plan.Token, ops, nil
}

// Consume burns the token after checking that it binds the exact request
// tuple. Flags edited after planning invalidate the token rather than
// being silently re-validated.
func (p *Planner) Consume(token, nodeID string, kind model.JobKind, src, dst string, flags model.TransferFlags) error {
	_, err := p.plans.Consume(token, nodeID, kind, src, dst, flags.Encode())
	return err
}
