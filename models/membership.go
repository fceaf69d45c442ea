package models

import (
	"time"

	"gorm.io/gorm"
)

type Membership struct {
	ID               uint           `json:"id" gorm:"primaryKey"`
	GroupID          uint           `json:"group_id" gorm:"not null;index;uniqueIndex:idx_group_payout_order,priority:1"`
	UserID           uint           `json:"user_id" gorm:"not null;index"`
	PayoutOrder      int            `json:"payout_order" gorm:"not null;uniqueIndex:idx_group_payout_order,priority:2"`
	Status           string         `json:"status" gorm:"size:20;default:'ACTIVE'"` // ACTIVE, INACTIVE
	HasBeenPaid      bool           `json:"has_been_paid" gorm:"default:false"`
	IsAdmin          bool           `json:"is_admin" gorm:"default:false"`
	GatewayAccountID string         `json:"gateway_account_id" gorm:"size:100"`
	GatewayMandateID string         `json:"gateway_mandate_id" gorm:"size:100"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	DeletedAt        gorm.DeletedAt `json:"-" gorm:"index"`

	// Relations
	Group Group `json:"group,omitempty" gorm:"foreignKey:GroupID"`
}

// Membership Status Constants
const (
	MembershipStatusActive   = "ACTIVE"
	MembershipStatusInactive = "INACTIVE"
)

// CanBeDebited reports whether the member carries the gateway metadata
// required to create a debit intent.
func (m *Membership) CanBeDebited() bool {
	return m.GatewayAccountID != "" && m.GatewayMandateID != ""
}
