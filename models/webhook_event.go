package models

import (
	"time"
)

// WebhookEvent is the audit record of every gateway callback we accepted.
// Idempotency of event processing is enforced by status guards on the
// payment/payout rows, not by this table; it exists for audit and replay.
type WebhookEvent struct {
	ID              uint       `json:"id" gorm:"primaryKey"`
	ProviderEventID string     `json:"provider_event_id" gorm:"size:100;uniqueIndex"`
	Kind            string     `json:"kind" gorm:"size:50;index"`
	Payload         string     `json:"payload" gorm:"type:text"`
	ProcessedAt     *time.Time `json:"processed_at"`
	ProcessError    string     `json:"process_error" gorm:"size:500"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Webhook Event Kind Constants
const (
	EventIntentSucceeded  = "intent_succeeded"
	EventIntentFailed     = "intent_failed"
	EventTransferReversed = "transfer_reversed"
	EventMandateConfirmed = "mandate_confirmed"
	EventAccountSuspended = "account_suspended"
)
