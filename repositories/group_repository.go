package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"app-hivepay/models"
)

var ErrNotFound = errors.New("record not found")

// GroupRepository defines group-related database operations
type GroupRepository interface {
	FindByID(ctx context.Context, id uint) (*models.Group, error)
	FindByIDLocked(tx *gorm.DB, id uint) (*models.Group, error)
	Save(tx *gorm.DB, group *models.Group) error
	UpdateStatus(tx *gorm.DB, id uint, status, pauseReason string) error
	UpdateSchedule(tx *gorm.DB, id uint, nextCycleDate *time.Time, futureCycles models.DateList) error
	RecomputeAggregates(tx *gorm.DB, id uint) error
}

// GroupRepo implements GroupRepository
type GroupRepo struct {
	*BaseRepo
}

// NewGroupRepository creates a new group repository
func NewGroupRepository(db *gorm.DB) GroupRepository {
	return &GroupRepo{BaseRepo: &BaseRepo{DB: db}}
}

// FindByID loads a group by id
func (r *GroupRepo) FindByID(ctx context.Context, id uint) (*models.Group, error) {
	var group models.Group
	if err := r.DB.WithContext(ctx).First(&group, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &group, nil
}

// FindByIDLocked loads a group inside tx with a row lock where the driver
// supports it. Sqlite serializes writers anyway, so the clause is skipped
// there.
func (r *GroupRepo) FindByIDLocked(tx *gorm.DB, id uint) (*models.Group, error) {
	var group models.Group
	q := tx
	if tx.Dialector.Name() != "sqlite" {
		q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := q.First(&group, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &group, nil
}

// Save persists all group fields
func (r *GroupRepo) Save(tx *gorm.DB, group *models.Group) error {
	return tx.Save(group).Error
}

// UpdateStatus sets group status and pause reason
func (r *GroupRepo) UpdateStatus(tx *gorm.DB, id uint, status, pauseReason string) error {
	return tx.Model(&models.Group{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":       status,
		"pause_reason": pauseReason,
	}).Error
}

// UpdateSchedule sets the next cycle date and future cycle list atomically
func (r *GroupRepo) UpdateSchedule(tx *gorm.DB, id uint, nextCycleDate *time.Time, futureCycles models.DateList) error {
	return tx.Model(&models.Group{}).Where("id = ?", id).Updates(map[string]interface{}{
		"next_cycle_date": nextCycleDate,
		"future_cycles":   futureCycles,
	}).Error
}

// RecomputeAggregates rebuilds the cached totals from the payments table.
// Failed payments are excluded from total_debited.
func (r *GroupRepo) RecomputeAggregates(tx *gorm.DB, id uint) error {
	type row struct {
		Status string
		Total  decimal.Decimal
	}
	var rows []row
	err := tx.Model(&models.Payment{}).
		Select("status, COALESCE(SUM(amount), 0) as total").
		Where("group_id = ?", id).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return err
	}

	debited := decimal.Zero
	pending := decimal.Zero
	success := decimal.Zero
	for _, r := range rows {
		switch r.Status {
		case models.PaymentStatusPending:
			pending = pending.Add(r.Total)
			debited = debited.Add(r.Total)
		case models.PaymentStatusSuccessful:
			success = success.Add(r.Total)
			debited = debited.Add(r.Total)
		}
	}

	return tx.Model(&models.Group{}).Where("id = ?", id).Updates(map[string]interface{}{
		"total_debited": debited,
		"total_pending": pending,
		"total_success": success,
	}).Error
}
