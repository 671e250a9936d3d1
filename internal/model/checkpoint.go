package model

import "gorm.io/gorm"

// Checkpoint is one persisted progress snapshot for a running job, kept as
// an append-only audit trail alongside the live counters on the job row.
type Checkpoint struct {
	gorm.Model
	JobUID string `gorm:"not null;index"`
	Bytes  int64
	Files  int64
	Speed  float64
}
