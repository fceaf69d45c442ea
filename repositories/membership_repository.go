package repositories

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"app-hivepay/models"
)

// MembershipRepository defines membership-related database operations
type MembershipRepository interface {
	FindByID(ctx context.Context, id uint) (*models.Membership, error)
	ListActive(tx *gorm.DB, groupID uint) ([]models.Membership, error)
	ListActiveUnpaid(tx *gorm.DB, groupID uint) ([]models.Membership, error)
	ListByGroup(ctx context.Context, groupID uint) ([]models.Membership, error)
	SetPaid(tx *gorm.DB, id uint) error
}

// MembershipRepo implements MembershipRepository
type MembershipRepo struct {
	*BaseRepo
}

// NewMembershipRepository creates a new membership repository
func NewMembershipRepository(db *gorm.DB) MembershipRepository {
	return &MembershipRepo{BaseRepo: &BaseRepo{DB: db}}
}

// FindByID loads a membership by id
func (r *MembershipRepo) FindByID(ctx context.Context, id uint) (*models.Membership, error) {
	var membership models.Membership
	if err := r.DB.WithContext(ctx).First(&membership, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &membership, nil
}

// ListActive returns all active members ordered by payout order. Past
// payees stay in this list: every non-payee contributes every cycle.
func (r *MembershipRepo) ListActive(tx *gorm.DB, groupID uint) ([]models.Membership, error) {
	var memberships []models.Membership
	err := tx.Where("group_id = ? AND status = ?",
		groupID, models.MembershipStatusActive).
		Order("payout_order ASC").
		Find(&memberships).Error
	return memberships, err
}

// ListActiveUnpaid returns active members that have not yet received a
// payout, ordered by payout order.
func (r *MembershipRepo) ListActiveUnpaid(tx *gorm.DB, groupID uint) ([]models.Membership, error) {
	var memberships []models.Membership
	err := tx.Where("group_id = ? AND status = ? AND has_been_paid = ?",
		groupID, models.MembershipStatusActive, false).
		Order("payout_order ASC").
		Find(&memberships).Error
	return memberships, err
}

// ListByGroup returns all memberships of a group ordered by payout order
func (r *MembershipRepo) ListByGroup(ctx context.Context, groupID uint) ([]models.Membership, error) {
	var memberships []models.Membership
	err := r.DB.WithContext(ctx).Where("group_id = ?", groupID).
		Order("payout_order ASC").
		Find(&memberships).Error
	return memberships, err
}

// SetPaid marks a member as having received their payout. The flag is
// monotonic; there is no write path back to false.
func (r *MembershipRepo) SetPaid(tx *gorm.DB, id uint) error {
	return tx.Model(&models.Membership{}).Where("id = ?", id).
		Update("has_been_paid", true).Error
}
