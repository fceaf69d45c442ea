package models

import (
	"time"
)

// ScheduledJobLog records job-level failures and skips for operator
// forensics. Rows older than 30 days are purged by the maintenance sweep.
type ScheduledJobLog struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	JobType   string    `json:"job_type" gorm:"size:50;index"`
	GroupID   uint      `json:"group_id" gorm:"index"`
	Level     string    `json:"level" gorm:"size:20"` // ERROR, WARNING, INFO
	Message   string    `json:"message" gorm:"size:500"`
	Metadata  string    `json:"metadata" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
}

// Job Log Level Constants
const (
	JobLogLevelError   = "ERROR"
	JobLogLevelWarning = "WARNING"
	JobLogLevelInfo    = "INFO"
)
