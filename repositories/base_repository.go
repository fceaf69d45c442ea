package repositories

import (
	"gorm.io/gorm"
)

// BaseRepo holds the shared database handle for all repositories. The
// orchestration write methods take an explicit *gorm.DB so callers can pass
// a transaction handle; the audit and purge writes (webhook events, job-log
// purge) and the context-taking reads use the root connection.
type BaseRepo struct {
	DB *gorm.DB
}
