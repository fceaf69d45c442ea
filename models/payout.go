package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Payout is the pooled transfer to the cycle's payee. One payee per cycle,
// enforced by the (group, cycle) unique index.
type Payout struct {
	ID                uint            `json:"id" gorm:"primaryKey"`
	GroupID           uint            `json:"group_id" gorm:"not null;uniqueIndex:idx_group_cycle,priority:1"`
	CycleNumber       int             `json:"cycle_number" gorm:"not null;uniqueIndex:idx_group_cycle,priority:2"`
	MembershipID      uint            `json:"membership_id" gorm:"not null;index"`
	Amount            decimal.Decimal `json:"amount" gorm:"type:decimal(15,2);not null"`
	Status            string          `json:"status" gorm:"size:20;index"` // PENDING, COMPLETED, FAILED
	GatewayTransferID string          `json:"gateway_transfer_id" gorm:"size:100;index"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	DeletedAt         gorm.DeletedAt  `json:"-" gorm:"index"`

	// Relations
	Group      Group      `json:"group,omitempty" gorm:"foreignKey:GroupID"`
	Membership Membership `json:"membership,omitempty" gorm:"foreignKey:MembershipID"`
}

// Payout Status Constants
const (
	PayoutStatusPending   = "PENDING"
	PayoutStatusCompleted = "COMPLETED"
	PayoutStatusFailed    = "FAILED"
)
