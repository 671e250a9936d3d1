package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags_RejectsUnknownKeys(t *testing.T) {
	_, err := ParseFlags(json.RawMessage(`{"checksum": true, "delete-excluded": true}`))
	require.Error(t, err)
}

func TestParseFlags_RejectsNegativeCounts(t *testing.T) {
	_, err := ParseFlags(json.RawMessage(`{"transfers": -1}`))
	require.Error(t, err)
}

func TestParseFlags_Empty(t *testing.T) {
	flags, err := ParseFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, TransferFlags{}, flags)
}

func TestPayload_OmitsDefaults(t *testing.T) {
	flags := TransferFlags{Checksum: true, Transfers: 4}

	payload := flags.Payload()
	assert.Equal(t, map[string]any{"checksum": true, "transfers": 4}, payload)
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("nas", KindCopy, "/src", "/dst", TransferFlags{Checksum: true})
	b := Fingerprint("nas", KindCopy, "/src", "/dst", TransferFlags{Checksum: true})
	c := Fingerprint("nas", KindCopy, "/src", "/dst", TransferFlags{})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestJobStatus_Transitions(t *testing.T) {
	assert.True(t, JobStatusPending.CanTransition(JobStatusQueued))
	assert.True(t, JobStatusDryRunPending.CanTransition(JobStatusQueued))
	assert.True(t, JobStatusQueued.CanTransition(JobStatusRunning))
	assert.True(t, JobStatusRunning.CanTransition(JobStatusCompleted))

	assert.False(t, JobStatusPending.CanTransition(JobStatusRunning))
	assert.False(t, JobStatusQueued.CanTransition(JobStatusCompleted))
	assert.False(t, JobStatusCompleted.CanTransition(JobStatusRunning))
	assert.False(t, JobStatusRunning.CanTransition(JobStatusQueued))
}

func TestJobKind(t *testing.T) {
	assert.True(t, KindMove.Destructive())
	assert.True(t, KindSync.Destructive())
	assert.False(t, KindCopy.Destructive())
	assert.False(t, JobKind("delete").Valid())
}
