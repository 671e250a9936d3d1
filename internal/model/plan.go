package model

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

type PlannedOp struct {
	Action string `json:"action"`
	Path   string `json:"path"`
	Size   int64  `json:"size"`
}

// DryRunPlan is a cached preview of a destructive operation. A plan binds
// the exact (node, kind, src, dst, flags) tuple it was produced for and is
// consumed at most once.
type DryRunPlan struct {
	gorm.Model
	Token      string  `gorm:"uniqueIndex;not null"`
	Node       string  `gorm:"not null"`
	Kind       JobKind `gorm:"not null"`
	Src        string  `gorm:"not null"`
	Dst        string  `gorm:"not null"`
	Flags      string
	Operations string
	ExpiresAt  time.Time `gorm:"not null"`
	Consumed   bool
}

func (p *DryRunPlan) PlannedOps() ([]PlannedOp, error) {
	if p.Operations == "" {
		return nil, nil
	}

	var ops []PlannedOp
	if err := json.Unmarshal([]byte(p.Operations), &ops); err != nil {
		return nil, err
	}
	return ops, nil
}
