package repository

import (
	"relayhub/internal/db"
	"relayhub/internal/model"
)

type CheckpointRepository struct{}

func NewCheckpointRepository() *CheckpointRepository {
	return &CheckpointRepository{}
}

func (r *CheckpointRepository) Append(jobUID string, bytes, files int64, speed float64) error {
	return db.DB.Create(&model.Checkpoint{
		JobUID: jobUID,
		Bytes:  bytes,
		Files:  files,
		Speed:  speed,
	}).Error
}

func (r *CheckpointRepository) Recent(jobUID string, n int) ([]model.Checkpoint, error) {
	var checkpoints []model.Checkpoint
	return checkpoints, db.DB.Where("job_uid = ?", jobUID).
		Order("created_at DESC").
		Limit(n).
		Find(&checkpoints).Error
}
