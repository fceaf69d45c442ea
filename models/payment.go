package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Payment is one member's contribution debit for one cycle. The composite
// unique index is the serialization point for concurrent cycle ticks: a
// second insert for the same (group, cycle, member) is rejected by the
// database regardless of which worker got there first.
type Payment struct {
	ID              uint            `json:"id" gorm:"primaryKey"`
	GroupID         uint            `json:"group_id" gorm:"not null;uniqueIndex:idx_group_cycle_member,priority:1"`
	CycleNumber     int             `json:"cycle_number" gorm:"not null;uniqueIndex:idx_group_cycle_member,priority:2"`
	MembershipID    uint            `json:"membership_id" gorm:"not null;uniqueIndex:idx_group_cycle_member,priority:3"`
	Amount          decimal.Decimal `json:"amount" gorm:"type:decimal(15,2);not null"`
	Fee             decimal.Decimal `json:"fee" gorm:"type:decimal(15,2);default:0"`
	Status          string          `json:"status" gorm:"size:20;index"` // PENDING, SUCCESSFUL, FAILED
	RetryCount      int             `json:"retry_count" gorm:"default:0"`
	GatewayIntentID string          `json:"gateway_intent_id" gorm:"size:100;index"`
	FailureReason   string          `json:"failure_reason" gorm:"size:255"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	DeletedAt       gorm.DeletedAt  `json:"-" gorm:"index"`

	// Relations
	Group      Group      `json:"group,omitempty" gorm:"foreignKey:GroupID"`
	Membership Membership `json:"membership,omitempty" gorm:"foreignKey:MembershipID"`
}

// Payment Status Constants
const (
	PaymentStatusPending    = "PENDING"
	PaymentStatusSuccessful = "SUCCESSFUL"
	PaymentStatusFailed     = "FAILED"
)
