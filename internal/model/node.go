package model

import "time"

// Node is a managed remote server running a transfer agent. Nodes are
// loaded from the nodes file and never mutated in place.
type Node struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
	Addr string `json:"addr" yaml:"addr"`
}

type NodeStatus struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Reachable bool       `json:"reachable"`
	LastSeen  *time.Time `json:"lastSeen"`
}
