package repository

import (
	"errors"
	"fmt"
	"relayhub/internal/db"
	"relayhub/internal/model"
	"time"

	"gorm.io/gorm"
)

// ErrNotRunning reports that a progress write found the job in some other
// status. Callers use it to tell "another owner settled the job" apart
// from a failed write.
var ErrNotRunning = errors.New("job is not running")

type JobRepository struct{}

func NewJobRepository() *JobRepository {
	return &JobRepository{}
}

func (r *JobRepository) Create(job *model.Job) error {
	return db.DB.Create(job).Error
}

func (r *JobRepository) GetByUID(uid string) (model.Job, error) {
	var job model.Job
	err := db.DB.Where("uid = ?", uid).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Job{}, model.ErrJobNotFound
	}
	return job, err
}

func (r *JobRepository) List(node string, status model.JobStatus) ([]model.Job, error) {
	q := db.DB.Order("created_at")
	if node != "" {
		q = q.Where("node = ?", node)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}

	var jobs []model.Job
	return jobs, q.Find(&jobs).Error
}

func (r *JobRepository) ListByStatus(statuses ...model.JobStatus) ([]model.Job, error) {
	var jobs []model.Job
	return jobs, db.DB.Where("status IN ?", statuses).Order("created_at").Find(&jobs).Error
}

// Transition moves a job from one status to another. The update is guarded
// on the current status, so two workers racing on the same job resolve to
// exactly one winner; the loser gets an error instead of a double
// transition. Extra fields are written in the same statement.
func (r *JobRepository) Transition(uid string, from, to model.JobStatus, fields map[string]any) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("illegal transition %s -> %s for job %s", from, to, uid)
	}

	updates := map[string]any{"status": to}
	for k, v := range fields {
		updates[k] = v
	}

	res := db.DB.Model(&model.Job{}).
		Where("uid = ? AND status = ?", uid, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("job %s is no longer %s", uid, from)
	}

	return nil
}

// RecordDispatch persists the agent job id together with the move to
// RUNNING, so a crash between dispatch and the API response is recoverable.
func (r *JobRepository) RecordDispatch(uid string, agentJobID int64) error {
	now := time.Now()
	return r.Transition(uid, model.JobStatusQueued, model.JobStatusRunning, map[string]any{
		"agent_job_id":  agentJobID,
		"dispatched_at": &now,
	})
}

// RecordProgress updates the live counters on the job row. Counters only
// ever grow: a regressing agent reading is clamped to the stored value.
func (r *JobRepository) RecordProgress(uid string, bytes, files int64) error {
	res := db.DB.Model(&model.Job{}).
		Where("uid = ? AND status = ?", uid, model.JobStatusRunning).
		Updates(map[string]any{
			"bytes_done": gorm.Expr("MAX(bytes_done, ?)", bytes),
			"files_done": gorm.Expr("MAX(files_done, ?)", files),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotRunning
	}

	return nil
}

// Delete removes a job row that was never exposed to clients, such as the
// provisional row of a lost idempotency race.
func (r *JobRepository) Delete(uid string) error {
	return db.DB.Where("uid = ?", uid).Delete(&model.Job{}).Error
}
