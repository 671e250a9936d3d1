package daemon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"relayhub/internal/agent"
	"relayhub/internal/config"
	"relayhub/internal/db"
	"relayhub/internal/hub"
	"relayhub/internal/model"
	"relayhub/internal/registry"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubAgent answers every call successfully and keeps started jobs running
// until a test finishes them.
type stubAgent struct {
	mu       sync.Mutex
	nextID   int64
	statuses map[int64]agent.JobStatus
}

func newStubAgent() *stubAgent {
	return &stubAgent{statuses: make(map[int64]agent.JobStatus)}
}

func (s *stubAgent) ListRemotes(ctx context.Context, node model.Node) ([]string, error) {
	return []string{"local:", "s3:"}, nil
}

func (s *stubAgent) StartOperation(ctx context.Context, node model.Node, kind model.JobKind, src, dst string, flags model.TransferFlags) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.statuses[s.nextID] = agent.JobStatus{}
	return s.nextID, nil
}

func (s *stubAgent) DryRun(ctx context.Context, node model.Node, kind model.JobKind, src, dst string, flags model.TransferFlags) ([]model.PlannedOp, error) {
	return []model.PlannedOp{{Action: "copy", Path: "a.txt", Size: 10}}, nil
}

func (s *stubAgent) StopJob(ctx context.Context, node model.Node, agentJobID int64) error {
	return nil
}

func (s *stubAgent) Stats(ctx context.Context, node model.Node, agentJobID int64) (agent.Stats, error) {
	return agent.Stats{}, nil
}

func (s *stubAgent) ActiveJobs(ctx context.Context, node model.Node) ([]int64, error) {
	return nil, nil
}

func (s *stubAgent) JobStatus(ctx context.Context, node model.Node, agentJobID int64) (agent.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[agentJobID], nil
}

func (s *stubAgent) CoreStats(ctx context.Context, node model.Node) (map[string]any, error) {
	return map[string]any{"bytes": 0}, nil
}

const testAPIKey = "test-key"

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	require.NoError(t, db.Init(filepath.Join(t.TempDir(), "hub.db")))

	nodesPath := filepath.Join(t.TempDir(), "nodes.yaml")
	content := "nodes:\n  - id: a\n    name: alpha\n    addr: 127.0.0.1:5572\n"
	require.NoError(t, os.WriteFile(nodesPath, []byte(content), 0644))

	reg, err := registry.Load(nodesPath)
	require.NoError(t, err)

	cfg := &config.Config{
		APIKey:               testAPIKey,
		DefaultNodeLimit:     1,
		MaxQueueDepth:        32,
		CheckpointInterval:   20 * time.Millisecond,
		HealthInterval:       time.Minute,
		PlanTTL:              time.Minute,
		IdempotencyRetention: time.Hour,
		AgentTimeout:         time.Second,
		DispatchAttempts:     2,
		PromoteAfter:         10 * time.Second,
		StatsFailureLimit:    3,
	}

	manager := hub.NewManager(cfg, reg, newStubAgent())
	ctx, cancel := context.WithCancel(context.Background())
	manager.Start(ctx)

	ts := httptest.NewServer(NewServer(manager, cfg).Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		manager.Stop()
	})
	return ts
}

func doRequest(t *testing.T, ts *httptest.Server, method, path string, headers map[string]string, body any) (int, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", testAPIKey)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

func createJobReq(node string) map[string]any {
	return map[string]any{"node": node, "src": "local:/src", "dst": "s3:/dst"}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	resp, err := ts.Client().Get(ts.URL + "/v1/nodes")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "auth_failure", body["code"])
}

func TestRootIsOpen(t *testing.T) {
	ts := newTestServer(t)

	resp, err := ts.Client().Get(ts.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNodes(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/nodes", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", testAPIKey)

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var nodes []model.NodeStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&nodes))
	require.Len(t, nodes, 1)
	assert.Equal(t, "a", nodes[0].ID)
	assert.Equal(t, "alpha", nodes[0].Name)
}

func TestRemotes(t *testing.T) {
	ts := newTestServer(t)

	status, body := doRequest(t, ts, http.MethodGet, "/v1/remotes?node=a", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["remotes"], 2)

	status, _ = doRequest(t, ts, http.MethodGet, "/v1/remotes", nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = doRequest(t, ts, http.MethodGet, "/v1/remotes?node=ghost", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", body["code"])
}

func TestCreateJob_Replay(t *testing.T) {
	ts := newTestServer(t)
	headers := map[string]string{"Idempotency-Key": "k1"}

	status, body := doRequest(t, ts, http.MethodPost, "/v1/jobs/copy", headers, createJobReq("a"))
	require.Equal(t, http.StatusCreated, status)
	uid := body["jobUid"].(string)
	require.NotEmpty(t, uid)

	// the retried request returns the original job without creating another
	status, body = doRequest(t, ts, http.MethodPost, "/v1/jobs/copy", headers, createJobReq("a"))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, uid, body["jobUid"])
}

func TestCreateJob_MissingIdempotencyKey(t *testing.T) {
	ts := newTestServer(t)

	status, _ := doRequest(t, ts, http.MethodPost, "/v1/jobs/copy", nil, createJobReq("a"))
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestCreateJob_InvalidKind(t *testing.T) {
	ts := newTestServer(t)
	headers := map[string]string{"Idempotency-Key": "k1"}

	status, _ := doRequest(t, ts, http.MethodPost, "/v1/jobs/teleport", headers, createJobReq("a"))
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestCreateJob_UnknownFlagRejected(t *testing.T) {
	ts := newTestServer(t)
	headers := map[string]string{"Idempotency-Key": "k1"}

	req := createJobReq("a")
	req["flags"] = map[string]any{"delete-excluded": true}
	status, _ := doRequest(t, ts, http.MethodPost, "/v1/jobs/copy", headers, req)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestCreateJob_ConflictingReuse(t *testing.T) {
	ts := newTestServer(t)
	headers := map[string]string{"Idempotency-Key": "k1"}

	status, _ := doRequest(t, ts, http.MethodPost, "/v1/jobs/copy", headers, createJobReq("a"))
	require.Equal(t, http.StatusCreated, status)

	other := createJobReq("a")
	other["src"] = "local:/elsewhere"
	status, body := doRequest(t, ts, http.MethodPost, "/v1/jobs/copy", headers, other)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "idempotency_conflict", body["code"])
}

func TestPlanThenCreateSync(t *testing.T) {
	ts := newTestServer(t)

	planReq := map[string]any{"node": "a", "kind": "sync", "src": "local:/src", "dst": "s3:/dst"}
	status, body := doRequest(t, ts, http.MethodPost, "/v1/jobs/plan", nil, planReq)
	require.Equal(t, http.StatusOK, status)
	token := body["token"].(string)
	require.NotEmpty(t, token)
	assert.NotEmpty(t, body["plannedOperations"])

	req := createJobReq("a")
	req["dryRunToken"] = token
	status, _ = doRequest(t, ts, http.MethodPost, "/v1/jobs/sync", map[string]string{"Idempotency-Key": "k1"}, req)
	require.Equal(t, http.StatusCreated, status)

	// the consumed token is dead
	status, body = doRequest(t, ts, http.MethodPost, "/v1/jobs/sync", map[string]string{"Idempotency-Key": "k2"}, req)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_dry_run_token", body["code"])
}

func TestPlanRejectsCopy(t *testing.T) {
	ts := newTestServer(t)

	planReq := map[string]any{"node": "a", "kind": "copy", "src": "local:/src", "dst": "s3:/dst"}
	status, _ := doRequest(t, ts, http.MethodPost, "/v1/jobs/plan", nil, planReq)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestSyncWithoutToken(t *testing.T) {
	ts := newTestServer(t)

	status, body := doRequest(t, ts, http.MethodPost, "/v1/jobs/sync", map[string]string{"Idempotency-Key": "k1"}, createJobReq("a"))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_dry_run_token", body["code"])
}

func TestGetAndListJobs(t *testing.T) {
	ts := newTestServer(t)

	status, body := doRequest(t, ts, http.MethodPost, "/v1/jobs/copy", map[string]string{"Idempotency-Key": "k1"}, createJobReq("a"))
	require.Equal(t, http.StatusCreated, status)
	uid := body["jobUid"].(string)

	status, body = doRequest(t, ts, http.MethodGet, "/v1/jobs/"+uid, nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, uid, body["uid"])

	status, body = doRequest(t, ts, http.MethodGet, "/v1/jobs?node=a", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["jobs"], 1)

	status, body = doRequest(t, ts, http.MethodGet, "/v1/jobs/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", body["code"])
}

func TestCheckpointsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	status, body := doRequest(t, ts, http.MethodPost, "/v1/jobs/copy", map[string]string{"Idempotency-Key": "k1"}, createJobReq("a"))
	require.Equal(t, http.StatusCreated, status)
	uid := body["jobUid"].(string)

	// the monitor polls on a short interval; at least one checkpoint lands
	require.Eventually(t, func() bool {
		s, b := doRequest(t, ts, http.MethodGet, "/v1/jobs/"+uid+"/checkpoints", nil, nil)
		ckpts, ok := b["checkpoints"].([]any)
		return s == http.StatusOK && ok && len(ckpts) > 0
	}, 5*time.Second, 50*time.Millisecond)

	status, body = doRequest(t, ts, http.MethodGet, "/v1/jobs/missing/checkpoints", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", body["code"])
}

func TestStopJobEndpoint(t *testing.T) {
	ts := newTestServer(t)

	status, body := doRequest(t, ts, http.MethodPost, "/v1/jobs/copy", map[string]string{"Idempotency-Key": "k1"}, createJobReq("a"))
	require.Equal(t, http.StatusCreated, status)
	uid := body["jobUid"].(string)

	status, body = doRequest(t, ts, http.MethodPost, "/v1/jobs/"+uid+"/stop", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, uid, body["uid"])

	status, body = doRequest(t, ts, http.MethodPost, "/v1/jobs/missing/stop", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", body["code"])
}

func TestStreamDeliversSnapshot(t *testing.T) {
	ts := newTestServer(t)

	status, body := doRequest(t, ts, http.MethodPost, "/v1/jobs/copy", map[string]string{"Idempotency-Key": "k1"}, createJobReq("a"))
	require.Equal(t, http.StatusCreated, status)
	uid := body["jobUid"].(string)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/stream", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", testAPIKey)

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	var e model.Event
	scanner := bufio.NewScanner(resp.Body)
	require.True(t, scanner.Scan())
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
	assert.Equal(t, model.EventSnapshot, e.Kind)
	assert.Equal(t, uid, e.JobUID)
}
