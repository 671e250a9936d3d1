package hub

import (
	"context"
	"os"
	"path/filepath"
	"relayhub/internal/config"
	"relayhub/internal/db"
	"relayhub/internal/model"
	"relayhub/internal/registry"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		DefaultNodeLimit:     1,
		MaxQueueDepth:        32,
		CheckpointInterval:   20 * time.Millisecond,
		HealthInterval:       50 * time.Millisecond,
		PlanTTL:              time.Minute,
		IdempotencyRetention: time.Hour,
		AgentTimeout:         time.Second,
		DispatchAttempts:     2,
		PromoteAfter:         10 * time.Second,
		StatsFailureLimit:    3,
	}
}

func testRegistry(t *testing.T, nodeIDs ...string) *registry.Registry {
	t.Helper()

	content := "nodes:\n"
	for _, id := range nodeIDs {
		content += "  - id: " + id + "\n    name: " + id + "\n    addr: 127.0.0.1:5572\n"
	}

	path := filepath.Join(t.TempDir(), "nodes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	reg, err := registry.Load(path)
	require.NoError(t, err)
	return reg
}

// newTestManager builds a started Manager over a fresh database and fake
// agent. seed, when non-nil, runs after the database is up but before the
// manager starts, so reconciliation sees the seeded state as if it
// survived a restart.
func newTestManager(t *testing.T, cfg *config.Config, fa *fakeAgent, seed func(), nodeIDs ...string) *Manager {
	t.Helper()

	require.NoError(t, db.Init(filepath.Join(t.TempDir(), "hub.db")))
	if seed != nil {
		seed()
	}

	m := NewManager(cfg, testRegistry(t, nodeIDs...), fa)

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	t.Cleanup(func() {
		cancel()
		m.Stop()
	})

	return m
}

func createCopy(t *testing.T, m *Manager, key, node string) string {
	t.Helper()

	result, err := m.CreateJob(context.Background(), CreateRequest{
		IdempotencyKey: key,
		Node:           node,
		Kind:           model.KindCopy,
		Src:            "local:/src",
		Dst:            "s3:/dst",
	})
	require.NoError(t, err)
	require.True(t, result.Created)
	return result.UID
}

func jobStatus(t *testing.T, m *Manager, uid string) model.JobStatus {
	t.Helper()

	snap, err := m.GetJob(uid)
	require.NoError(t, err)
	return snap.Status
}

func waitForStatus(t *testing.T, m *Manager, uid string, want model.JobStatus) {
	t.Helper()

	require.Eventually(t, func() bool {
		return jobStatus(t, m, uid) == want
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s", uid, want)
}
