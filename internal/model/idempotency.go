package model

import "gorm.io/gorm"

// IdempotencyRecord pins a client-supplied key to the job it created. The
// fingerprint detects key reuse across semantically different requests.
type IdempotencyRecord struct {
	gorm.Model
	Key         string `gorm:"uniqueIndex;not null"`
	Fingerprint string `gorm:"not null"`
	JobUID      string `gorm:"not null"`
}
