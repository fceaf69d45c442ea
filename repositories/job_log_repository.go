package repositories

import (
	"context"
	"time"

	"gorm.io/gorm"

	"app-hivepay/models"
)

// JobLogRepository records job-level errors and skips for operator forensics
type JobLogRepository interface {
	Create(tx *gorm.DB, entry *models.ScheduledJobLog) error
	ListByGroup(ctx context.Context, groupID uint, limit int) ([]models.ScheduledJobLog, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// JobLogRepo implements JobLogRepository
type JobLogRepo struct {
	*BaseRepo
}

// NewJobLogRepository creates a new job log repository
func NewJobLogRepository(db *gorm.DB) JobLogRepository {
	return &JobLogRepo{BaseRepo: &BaseRepo{DB: db}}
}

// Create appends a log entry
func (r *JobLogRepo) Create(tx *gorm.DB, entry *models.ScheduledJobLog) error {
	return tx.Create(entry).Error
}

// ListByGroup returns the most recent entries for a group
func (r *JobLogRepo) ListByGroup(ctx context.Context, groupID uint, limit int) ([]models.ScheduledJobLog, error) {
	var entries []models.ScheduledJobLog
	err := r.DB.WithContext(ctx).Where("group_id = ?", groupID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// PurgeOlderThan deletes entries created before cutoff and reports how many
// rows were removed. Retention is 30 days.
func (r *JobLogRepo) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.DB.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.ScheduledJobLog{})
	return result.RowsAffected, result.Error
}
