package repositories

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"app-hivepay/models"
)

// PayoutRepository defines payout-related database operations
type PayoutRepository interface {
	FindByCycle(tx *gorm.DB, groupID uint, cycleNumber int) (*models.Payout, error)
	FindByTransferID(tx *gorm.DB, transferID string) (*models.Payout, error)
	LastByGroup(tx *gorm.DB, groupID uint) (*models.Payout, error)
	ListByGroup(ctx context.Context, groupID uint) ([]models.Payout, error)
	CreateIfAbsent(tx *gorm.DB, payout *models.Payout) (bool, error)
	Update(tx *gorm.DB, payout *models.Payout) error
}

// PayoutRepo implements PayoutRepository
type PayoutRepo struct {
	*BaseRepo
}

// NewPayoutRepository creates a new payout repository
func NewPayoutRepository(db *gorm.DB) PayoutRepository {
	return &PayoutRepo{BaseRepo: &BaseRepo{DB: db}}
}

// FindByCycle loads the payout of one (group, cycle), if any
func (r *PayoutRepo) FindByCycle(tx *gorm.DB, groupID uint, cycleNumber int) (*models.Payout, error) {
	var payout models.Payout
	err := tx.Where("group_id = ? AND cycle_number = ?", groupID, cycleNumber).
		First(&payout).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &payout, nil
}

// FindByTransferID locates the payout that owns a gateway transfer
func (r *PayoutRepo) FindByTransferID(tx *gorm.DB, transferID string) (*models.Payout, error) {
	var payout models.Payout
	err := tx.Where("gateway_transfer_id = ?", transferID).First(&payout).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &payout, nil
}

// LastByGroup returns the payout with the highest cycle number, or
// ErrNotFound when the group has none yet. The cycle processor derives the
// current cycle number from this.
func (r *PayoutRepo) LastByGroup(tx *gorm.DB, groupID uint) (*models.Payout, error) {
	var payout models.Payout
	err := tx.Where("group_id = ?", groupID).
		Order("cycle_number DESC").
		First(&payout).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &payout, nil
}

// ListByGroup returns all payouts of a group ordered by cycle number
func (r *PayoutRepo) ListByGroup(ctx context.Context, groupID uint) ([]models.Payout, error) {
	var payouts []models.Payout
	err := r.DB.WithContext(ctx).Where("group_id = ?", groupID).
		Order("cycle_number ASC").
		Find(&payouts).Error
	return payouts, err
}

// CreateIfAbsent inserts the payout unless one already exists for the same
// (group, cycle). Returns whether a row was created; a duplicate webhook
// delivery racing with itself loses here and no-ops.
func (r *PayoutRepo) CreateIfAbsent(tx *gorm.DB, payout *models.Payout) (bool, error) {
	result := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "group_id"}, {Name: "cycle_number"}},
		DoNothing: true,
	}).Create(payout)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Update persists all payout fields
func (r *PayoutRepo) Update(tx *gorm.DB, payout *models.Payout) error {
	return tx.Save(payout).Error
}
