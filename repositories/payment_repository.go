package repositories

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"app-hivepay/models"
)

// PaymentRepository defines payment-related database operations
type PaymentRepository interface {
	FindByID(ctx context.Context, id uint) (*models.Payment, error)
	FindByIntentID(tx *gorm.DB, intentID string) (*models.Payment, error)
	ListByCycle(tx *gorm.DB, groupID uint, cycleNumber int) ([]models.Payment, error)
	CreateIfAbsent(tx *gorm.DB, payment *models.Payment) (bool, error)
	UpdateStatus(tx *gorm.DB, id uint, status string) error
	Update(tx *gorm.DB, payment *models.Payment) error
}

// PaymentRepo implements PaymentRepository
type PaymentRepo struct {
	*BaseRepo
}

// NewPaymentRepository creates a new payment repository
func NewPaymentRepository(db *gorm.DB) PaymentRepository {
	return &PaymentRepo{BaseRepo: &BaseRepo{DB: db}}
}

// FindByID loads a payment by id
func (r *PaymentRepo) FindByID(ctx context.Context, id uint) (*models.Payment, error) {
	var payment models.Payment
	if err := r.DB.WithContext(ctx).First(&payment, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &payment, nil
}

// FindByIntentID locates the payment that owns a gateway intent
func (r *PaymentRepo) FindByIntentID(tx *gorm.DB, intentID string) (*models.Payment, error) {
	var payment models.Payment
	if err := tx.Where("gateway_intent_id = ?", intentID).First(&payment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &payment, nil
}

// ListByCycle returns all payments of one (group, cycle)
func (r *PaymentRepo) ListByCycle(tx *gorm.DB, groupID uint, cycleNumber int) ([]models.Payment, error) {
	var payments []models.Payment
	err := tx.Where("group_id = ? AND cycle_number = ?", groupID, cycleNumber).
		Find(&payments).Error
	return payments, err
}

// CreateIfAbsent inserts the payment unless a row for the same
// (group, cycle, member) already exists. Returns whether a row was created.
// The unique index makes this safe under concurrent cycle ticks.
func (r *PaymentRepo) CreateIfAbsent(tx *gorm.DB, payment *models.Payment) (bool, error) {
	result := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "group_id"}, {Name: "cycle_number"}, {Name: "membership_id"},
		},
		DoNothing: true,
	}).Create(payment)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// UpdateStatus sets the payment status
func (r *PaymentRepo) UpdateStatus(tx *gorm.DB, id uint, status string) error {
	return tx.Model(&models.Payment{}).Where("id = ?", id).
		Update("status", status).Error
}

// Update persists all payment fields
func (r *PaymentRepo) Update(tx *gorm.DB, payment *models.Payment) error {
	return tx.Save(payment).Error
}
