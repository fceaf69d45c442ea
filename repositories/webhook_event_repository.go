package repositories

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"app-hivepay/models"
)

// WebhookEventRepository stores the audit trail of gateway callbacks
type WebhookEventRepository interface {
	Record(ctx context.Context, event *models.WebhookEvent) error
	FindByProviderEventID(ctx context.Context, providerEventID string) (*models.WebhookEvent, error)
	MarkProcessed(ctx context.Context, id uint, processErr string) error
}

// WebhookEventRepo implements WebhookEventRepository
type WebhookEventRepo struct {
	*BaseRepo
}

// NewWebhookEventRepository creates a new webhook event repository
func NewWebhookEventRepository(db *gorm.DB) WebhookEventRepository {
	return &WebhookEventRepo{BaseRepo: &BaseRepo{DB: db}}
}

// Record stores the raw delivery. Re-deliveries of the same provider event
// id keep the first row; processing is still re-run because idempotency
// lives in the status guards, not here.
func (r *WebhookEventRepo) Record(ctx context.Context, event *models.WebhookEvent) error {
	return r.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider_event_id"}},
		DoNothing: true,
	}).Create(event).Error
}

// FindByProviderEventID loads a stored delivery for replay
func (r *WebhookEventRepo) FindByProviderEventID(ctx context.Context, providerEventID string) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	err := r.DB.WithContext(ctx).
		Where("provider_event_id = ?", providerEventID).
		First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &event, nil
}

// MarkProcessed stamps the delivery with its processing outcome
func (r *WebhookEventRepo) MarkProcessed(ctx context.Context, id uint, processErr string) error {
	now := time.Now().UTC()
	return r.DB.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"processed_at":  &now,
			"process_error": processErr,
		}).Error
}
