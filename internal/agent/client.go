package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"relayhub/internal/model"
	"time"
)

// Stats is one progress reading for a transfer on an agent.
type Stats struct {
	Bytes  int64   `json:"bytes"`
	Files  int64   `json:"transfers"`
	Speed  float64 `json:"speed"`
	Errors int64   `json:"errors"`
}

// JobStatus is the agent's terminal-status record for a dispatched job.
type JobStatus struct {
	Finished bool   `json:"finished"`
	Success  bool   `json:"success"`
	Error    string `json:"error"`
}

// UnreachableError marks a network-level failure talking to an agent. It is
// retryable; retry policy belongs to the caller, never to the client.
type UnreachableError struct {
	Node string
	Err  error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("agent %s unreachable: %v", e.Node, e.Err)
}

func (e *UnreachableError) Unwrap() error {
	return e.Err
}

// RemoteError carries an error the agent itself reported.
type RemoteError struct {
	Node       string
	Path       string
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("agent %s rejected %s (%d): %s", e.Node, e.Path, e.StatusCode, e.Message)
}

// Caller is the hub-side view of a remote agent's rc API.
type Caller interface {
	ListRemotes(ctx context.Context, node model.Node) ([]string, error)
	StartOperation(ctx context.Context, node model.Node, kind model.JobKind, src, dst string, flags model.TransferFlags) (int64, error)
	DryRun(ctx context.Context, node model.Node, kind model.JobKind, src, dst string, flags model.TransferFlags) ([]model.PlannedOp, error)
	StopJob(ctx context.Context, node model.Node, agentJobID int64) error
	Stats(ctx context.Context, node model.Node, agentJobID int64) (Stats, error)
	ActiveJobs(ctx context.Context, node model.Node) ([]int64, error)
	JobStatus(ctx context.Context, node model.Node, agentJobID int64) (JobStatus, error)
	CoreStats(ctx context.Context, node model.Node) (map[string]any, error)
}

var kindPaths = map[model.JobKind]string{
	model.KindCopy: "operations/copyfs",
	model.KindMove: "operations/movefs",
	model.KindSync: "sync/sync",
}

// Client talks to agents over their rc HTTP endpoint: every call is a POST
// of a JSON body to http://<addr>/rc/<path>.
type Client struct {
	http    *http.Client
	timeout time.Duration
}

func New(timeout time.Duration) *Client {
	return &Client{
		http:    &http.Client{},
		timeout: timeout,
	}
}

func (c *Client) call(ctx context.Context, node model.Node, path string, payload any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode rc payload: %w", err)
	}

	url := fmt.Sprintf("http://%s/rc/%s", node.Addr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build rc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &UnreachableError{Node: node.ID, Err: err}
	}

	defer func(Body io.ReadCloser) {
		_ = Body.Close()
	}(resp.Body)

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)

		var remote struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &remote)
		if remote.Error == "" {
			remote.Error = string(data)
		}

		return &RemoteError{
			Node:       node.ID,
			Path:       path,
			StatusCode: resp.StatusCode,
			Message:    remote.Error,
		}
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode rc response from %s: %w", node.ID, err)
	}

	return nil
}

func (c *Client) ListRemotes(ctx context.Context, node model.Node) ([]string, error) {
	var out struct {
		Remotes []string `json:"remotes"`
	}
	if err := c.call(ctx, node, "config/listremotes", map[string]any{}, &out); err != nil {
		return nil, err
	}
	return out.Remotes, nil
}

func (c *Client) StartOperation(ctx context.Context, node model.Node, kind model.JobKind, src, dst string, flags model.TransferFlags) (int64, error) {
	payload := flags.Payload()
	payload["_async"] = true
	payload["srcFs"] = src
	payload["dstFs"] = dst

	var out struct {
		JobID int64 `json:"jobid"`
	}
	if err := c.call(ctx, node, kindPaths[kind], payload, &out); err != nil {
		return 0, err
	}
	return out.JobID, nil
}

func (c *Client) DryRun(ctx context.Context, node model.Node, kind model.JobKind, src, dst string, flags model.TransferFlags) ([]model.PlannedOp, error) {
	payload := flags.Payload()
	payload["srcFs"] = src
	payload["dstFs"] = dst
	payload["dryRun"] = true

	var out struct {
		Operations []model.PlannedOp `json:"operations"`
	}
	if err := c.call(ctx, node, kindPaths[kind], payload, &out); err != nil {
		return nil, err
	}
	return out.Operations, nil
}

func (c *Client) StopJob(ctx context.Context, node model.Node, agentJobID int64) error {
	return c.call(ctx, node, "job/stop", map[string]any{"jobid": agentJobID}, nil)
}

func (c *Client) Stats(ctx context.Context, node model.Node, agentJobID int64) (Stats, error) {
	var out Stats
	if err := c.call(ctx, node, "core/stats", map[string]any{"jobid": agentJobID}, &out); err != nil {
		return Stats{}, err
	}
	return out, nil
}

func (c *Client) ActiveJobs(ctx context.Context, node model.Node) ([]int64, error) {
	var out struct {
		JobIDs []int64 `json:"jobids"`
	}
	if err := c.call(ctx, node, "job/list", map[string]any{}, &out); err != nil {
		return nil, err
	}
	return out.JobIDs, nil
}

func (c *Client) JobStatus(ctx context.Context, node model.Node, agentJobID int64) (JobStatus, error) {
	var out JobStatus
	if err := c.call(ctx, node, "job/status", map[string]any{"jobid": agentJobID}, &out); err != nil {
		return JobStatus{}, err
	}
	return out, nil
}

func (c *Client) CoreStats(ctx context.Context, node model.Node) (map[string]any, error) {
	var out map[string]any
	if err := c.call(ctx, node, "core/stats", map[string]any{}, &out); err != nil {
		return nil, err
	}
	return out, nil
}
