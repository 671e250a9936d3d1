package repository

import (
	"errors"
	"relayhub/internal/db"
	"relayhub/internal/model"
	"time"

	"gorm.io/gorm"
)

type IdempotencyRepository struct {
	retention time.Duration
}

func NewIdempotencyRepository(retention time.Duration) *IdempotencyRepository {
	return &IdempotencyRepository{retention: retention}
}

// Reserve atomically claims an idempotency key for jobUID. If the key is
// already held by an equivalent request the existing job UID is returned
// with created=false; a fingerprint mismatch is a client bug and fails with
// ErrIdempotencyConflict. Expired records are treated as unseen.
//
// Concurrent retries of the same request race on the key's unique index;
// losers resolve to the winner's record. SQLite admits one writer at a
// time, so contended attempts may need a few tries before they can even
// read the winner.
func (r *IdempotencyRepository) Reserve(key, fingerprint, jobUID string) (string, bool, error) {
	var (
		uid     string
		created bool
		err     error
	)

	for attempt := 0; attempt < 20; attempt++ {
		uid, created, err = r.reserveOnce(key, fingerprint, jobUID)
		if err == nil || errors.Is(err, model.ErrIdempotencyConflict) {
			return uid, created, err
		}
		time.Sleep(10 * time.Millisecond)
	}

	return "", false, err
}

func (r *IdempotencyRepository) reserveOnce(key, fingerprint, jobUID string) (string, bool, error) {
	cutoff := time.Now().Add(-r.retention)

	var (
		uid     string
		created bool
	)

	err := db.DB.Transaction(func(tx *gorm.DB) error {
		// Lazy expiry keeps storage bounded without a background sweeper.
		if err := tx.Where("key = ? AND created_at < ?", key, cutoff).
			Delete(&model.IdempotencyRecord{}).Error; err != nil {
			return err
		}

		var existing model.IdempotencyRecord
		err := tx.Where("key = ?", key).First(&existing).Error
		switch {
		case err == nil:
			if existing.Fingerprint != fingerprint {
				return model.ErrIdempotencyConflict
			}
			uid = existing.JobUID
			created = false
			return nil
		case errors.Is(err, gorm.ErrRecordNotFound):
			// fall through to insert
		default:
			return err
		}

		record := model.IdempotencyRecord{
			Key:         key,
			Fingerprint: fingerprint,
			JobUID:      jobUID,
		}
		if err := tx.Create(&record).Error; err != nil {
			return err
		}

		uid = jobUID
		created = true
		return nil
	})

	if err == nil {
		return uid, created, nil
	}
	if errors.Is(err, model.ErrIdempotencyConflict) {
		return "", false, err
	}

	// The insert can lose to a concurrent retry on the unique key index.
	// The winner's record is authoritative.
	var winner model.IdempotencyRecord
	if lookupErr := db.DB.Where("key = ?", key).First(&winner).Error; lookupErr == nil {
		if winner.Fingerprint != fingerprint {
			return "", false, model.ErrIdempotencyConflict
		}
		return winner.JobUID, false, nil
	}

	return "", false, err
}

// Release frees a reservation whose job creation failed, so the client can
// retry the key after correcting the request.
func (r *IdempotencyRepository) Release(key string) error {
	return db.DB.Where("key = ?", key).Delete(&model.IdempotencyRecord{}).Error
}
