package services

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Notification kinds emitted by the orchestrator. Bodies and delivery are
// owned by the external notifier.
const (
	NotificationCycleStarted = "CYCLE_STARTED"
	NotificationDebitFailed  = "DEBIT_FAILED"
	NotificationPayoutSent   = "PAYOUT_SENT"
	NotificationGroupPaused  = "GROUP_PAUSED"
	NotificationGroupEnded   = "GROUP_ENDED"
)

// Notification is one fire-and-forget event for members or admins
type Notification struct {
	Kind         string
	GroupID      uint
	MembershipID uint
	CycleNumber  int
	Data         map[string]string
}

// Notifier delivers notifications. Delivery is best-effort; the
// orchestrator never blocks state advancement on it.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotificationService wraps a Notifier and swallows delivery failures
type NotificationService struct {
	notifier Notifier
}

// NewNotificationService creates a notification service
func NewNotificationService(notifier Notifier) *NotificationService {
	return &NotificationService{notifier: notifier}
}

// Send delivers a notification, logging and discarding any failure
func (s *NotificationService) Send(ctx context.Context, n Notification) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		logrus.WithFields(logrus.Fields{
			"kind":     n.Kind,
			"group_id": n.GroupID,
		}).WithError(err).Warn("Notification delivery failed")
	}
}

// LogNotifier is the default Notifier: it logs the event and succeeds.
// Real deployments plug an email/event sender here.
type LogNotifier struct{}

// Notify logs the notification
func (ln *LogNotifier) Notify(ctx context.Context, n Notification) error {
	logrus.WithFields(logrus.Fields{
		"kind":          n.Kind,
		"group_id":      n.GroupID,
		"membership_id": n.MembershipID,
		"cycle_number":  n.CycleNumber,
	}).Info("Notification")
	return nil
}
