package model

type EventKind string

const (
	EventSnapshot EventKind = "snapshot"
	EventStats    EventKind = "stats"
	EventTerminal EventKind = "terminal"
	EventError    EventKind = "error"
)

// Event is one line on the observer stream. Events are ephemeral and never
// persisted.
type Event struct {
	Ts     int64     `json:"ts"`
	JobUID string    `json:"jobId,omitempty"`
	Node   string    `json:"nodeId,omitempty"`
	Kind   EventKind `json:"kind"`
	Payload any      `json:"payload,omitempty"`
}
