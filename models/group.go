package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Group struct {
	ID                 uint            `json:"id" gorm:"primaryKey"`
	Name               string          `json:"name" gorm:"size:100;not null"`
	ContributionAmount decimal.Decimal `json:"contribution_amount" gorm:"type:decimal(15,2);not null"`
	CycleFrequency     string          `json:"cycle_frequency" gorm:"size:20;not null"` // DAILY, WEEKLY, BIWEEKLY, MONTHLY
	Status             string          `json:"status" gorm:"size:20;index"`             // INITIALIZED, ACTIVE, PAUSED, ENDED
	PauseReason        string          `json:"pause_reason" gorm:"size:30"`
	CycleStarted       bool            `json:"cycle_started" gorm:"default:false"`
	NextCycleDate      *time.Time      `json:"next_cycle_date"`
	FutureCycles       DateList        `json:"future_cycles" gorm:"type:text"`
	TotalDebited       decimal.Decimal `json:"total_debited" gorm:"type:decimal(15,2);default:0"`
	TotalPending       decimal.Decimal `json:"total_pending" gorm:"type:decimal(15,2);default:0"`
	TotalSuccess       decimal.Decimal `json:"total_success" gorm:"type:decimal(15,2);default:0"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	DeletedAt          gorm.DeletedAt  `json:"-" gorm:"index"`

	// Relations
	Memberships []Membership `json:"memberships,omitempty" gorm:"foreignKey:GroupID"`
	Payments    []Payment    `json:"payments,omitempty" gorm:"foreignKey:GroupID"`
	Payouts     []Payout     `json:"payouts,omitempty" gorm:"foreignKey:GroupID"`
}

// Group Status Constants
const (
	GroupStatusInitialized = "INITIALIZED"
	GroupStatusActive      = "ACTIVE"
	GroupStatusPaused      = "PAUSED"
	GroupStatusEnded       = "ENDED"
)

// Pause Reason Constants
const (
	PauseReasonNone            = ""
	PauseReasonPaymentFailures = "PAYMENT_FAILURES"
	PauseReasonAllPaid         = "ALL_PAID"
	PauseReasonAdmin           = "ADMIN"
	PauseReasonSubscription    = "SUBSCRIPTION"
)

// Cycle Frequency Constants
const (
	FrequencyDaily    = "DAILY"
	FrequencyWeekly   = "WEEKLY"
	FrequencyBiWeekly = "BIWEEKLY"
	FrequencyMonthly  = "MONTHLY"
)

// IsValidFrequency checks whether the given cycle frequency is recognized
func IsValidFrequency(freq string) bool {
	switch freq {
	case FrequencyDaily, FrequencyWeekly, FrequencyBiWeekly, FrequencyMonthly:
		return true
	}
	return false
}

// DateList stores an ordered list of UTC cycle dates as a JSON text column.
// The list is kept strictly increasing; index 0 mirrors Group.NextCycleDate.
type DateList []time.Time

// Value implements driver.Valuer
func (dl DateList) Value() (driver.Value, error) {
	if dl == nil {
		dl = DateList{}
	}
	data, err := json.Marshal([]time.Time(dl))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner
func (dl *DateList) Scan(value interface{}) error {
	if value == nil {
		*dl = DateList{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into DateList", value)
	}
	if len(data) == 0 {
		*dl = DateList{}
		return nil
	}
	var dates []time.Time
	if err := json.Unmarshal(data, &dates); err != nil {
		return err
	}
	*dl = DateList(dates)
	return nil
}
