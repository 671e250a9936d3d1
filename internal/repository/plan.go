package repository

import (
	"errors"
	"relayhub/internal/db"
	"relayhub/internal/model"
	"time"

	"gorm.io/gorm"
)

type PlanRepository struct{}

func NewPlanRepository() *PlanRepository {
	return &PlanRepository{}
}

func (r *PlanRepository) Save(plan *model.DryRunPlan) error {
	return db.DB.Create(plan).Error
}

// Consume validates and burns a dry-run token in one step. The token must
// exist, be unexpired, be unconsumed, and bind the exact request tuple it
// was planned for. The consuming UPDATE is guarded on consumed = 0, so two
// concurrent requests can never both use one preview; a tuple mismatch
// rejects without burning the token.
func (r *PlanRepository) Consume(token string, node string, kind model.JobKind, src, dst, flags string) (model.DryRunPlan, error) {
	var plan model.DryRunPlan

	err := db.DB.Transaction(func(tx *gorm.DB) error {
		err := tx.Where("token = ?", token).First(&plan).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.ErrInvalidDryRunToken
		}
		if err != nil {
			return err
		}

		if plan.Consumed || time.Now().After(plan.ExpiresAt) {
			return model.ErrInvalidDryRunToken
		}
		if plan.Node != node || plan.Kind != kind || plan.Src != src || plan.Dst != dst || plan.Flags != flags {
			return model.ErrInvalidDryRunToken
		}

		res := tx.Model(&model.DryRunPlan{}).
			Where("token = ? AND consumed = ?", token, false).
			Update("consumed", true)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return model.ErrInvalidDryRunToken
		}

		return nil
	})
	if err != nil {
		return model.DryRunPlan{}, err
	}

	plan.Consumed = true
	return plan, nil
}

// PurgeExpired drops unconsumed plans past their expiry.
func (r *PlanRepository) PurgeExpired() error {
	return db.DB.Where("consumed = ? AND expires_at < ?", false, time.Now()).
		Delete(&model.DryRunPlan{}).Error
}
