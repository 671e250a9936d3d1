package model

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

type JobKind string

const (
	KindCopy JobKind = "copy"
	KindMove JobKind = "move"
	KindSync JobKind = "sync"
)

func (k JobKind) Valid() bool {
	return k == KindCopy || k == KindMove || k == KindSync
}

// Destructive kinds may overwrite or delete data at the destination and
// must pass the dry-run gate before dispatch.
func (k JobKind) Destructive() bool {
	return k == KindMove || k == KindSync
}

type JobStatus string

const (
	JobStatusPending       JobStatus = "PENDING"
	JobStatusDryRunPending JobStatus = "DRY_RUN_PENDING"
	JobStatusQueued        JobStatus = "QUEUED"
	JobStatusRunning       JobStatus = "RUNNING"
	JobStatusCompleted     JobStatus = "COMPLETED"
	JobStatusFailed        JobStatus = "FAILED"
	JobStatusStopped       JobStatus = "STOPPED"
)

func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusStopped
}

// transitions is the job state machine. Transitions not listed here are
// rejected, which keeps every job's status history monotonic.
var transitions = map[JobStatus][]JobStatus{
	JobStatusPending:       {JobStatusDryRunPending, JobStatusQueued, JobStatusFailed, JobStatusStopped},
	JobStatusDryRunPending: {JobStatusQueued, JobStatusFailed, JobStatusStopped},
	JobStatusQueued:        {JobStatusRunning, JobStatusFailed, JobStatusStopped},
	JobStatusRunning:       {JobStatusCompleted, JobStatusFailed, JobStatusStopped},
}

func (s JobStatus) CanTransition(to JobStatus) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

type Job struct {
	gorm.Model
	UID             string  `gorm:"uniqueIndex;not null"`
	Node            string  `gorm:"not null;index"`
	Kind            JobKind `gorm:"not null"`
	Src             string  `gorm:"not null"`
	Dst             string  `gorm:"not null"`
	Flags           string
	AgentJobID      *int64
	Status          JobStatus `gorm:"not null;index"`
	Planned         bool
	BytesDone       int64
	FilesDone       int64
	LastError       string
	StopUnconfirmed bool
	DispatchedAt    *time.Time
}

func (j *Job) TransferFlags() (TransferFlags, error) {
	if j.Flags == "" {
		return TransferFlags{}, nil
	}

	var flags TransferFlags
	if err := json.Unmarshal([]byte(j.Flags), &flags); err != nil {
		return TransferFlags{}, err
	}
	return flags, nil
}

type JobSnapshot struct {
	UID             string          `json:"uid"`
	Node            string          `json:"node"`
	Kind            JobKind         `json:"kind"`
	Src             string          `json:"src"`
	Dst             string          `json:"dst"`
	Flags           TransferFlags   `json:"flags"`
	AgentJobID      *int64          `json:"agentJobId"`
	Status          JobStatus       `json:"status"`
	BytesDone       int64           `json:"bytesDone"`
	FilesDone       int64           `json:"filesDone"`
	LastError       string          `json:"lastError,omitempty"`
	StopUnconfirmed bool            `json:"stopUnconfirmed,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

func (j *Job) Snapshot() JobSnapshot {
	flags, _ := j.TransferFlags()

	return JobSnapshot{
		UID:             j.UID,
		Node:            j.Node,
		Kind:            j.Kind,
		Src:             j.Src,
		Dst:             j.Dst,
		Flags:           flags,
		AgentJobID:      j.AgentJobID,
		Status:          j.Status,
		BytesDone:       j.BytesDone,
		FilesDone:       j.FilesDone,
		LastError:       j.LastError,
		StopUnconfirmed: j.StopUnconfirmed,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
	}
}
