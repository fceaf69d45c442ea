package jobs

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"app-hivepay/repositories"
)

// Job log retention for operator forensics
const jobLogRetention = 30 * 24 * time.Hour

// MaintenanceJob purges expired job log entries. It runs once on startup
// and then daily.
type MaintenanceJob struct {
	jobLogRepo repositories.JobLogRepository
}

// NewMaintenanceJob creates the maintenance job
func NewMaintenanceJob(jobLogRepo repositories.JobLogRepository) *MaintenanceJob {
	return &MaintenanceJob{jobLogRepo: jobLogRepo}
}

// Start runs the purge loop until ctx is cancelled
func (m *MaintenanceJob) Start(ctx context.Context) {
	m.purge(ctx)

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.purge(ctx)
		}
	}
}

func (m *MaintenanceJob) purge(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-jobLogRetention)
	removed, err := m.jobLogRepo.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		logrus.WithError(err).Warn("Job log purge failed")
		return
	}
	if removed > 0 {
		logrus.WithField("removed", removed).Info("Purged expired job log entries")
	}
}
