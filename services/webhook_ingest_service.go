package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"app-hivepay/config"
	"app-hivepay/gateway"
	"app-hivepay/models"
	"app-hivepay/repositories"
)

// GatewayEvent is one parsed provider callback
type GatewayEvent struct {
	ProviderEventID string
	Kind            string
	IntentID        string
	TransferID      string
	Reason          string
	GroupID         uint
}

// WebhookIngestService applies one idempotent state transition per gateway
// event. Transitions are guarded by current status, never by event-id
// dedup, so any interleaving of duplicate and reordered deliveries settles
// on the same final state.
type WebhookIngestService struct {
	db             *gorm.DB
	groupRepo      repositories.GroupRepository
	membershipRepo repositories.MembershipRepository
	paymentRepo    repositories.PaymentRepository
	payoutRepo     repositories.PayoutRepository
	gw             gateway.PaymentGateway
	scheduler      *SchedulerService
	enqueuer       JobEnqueuer
	notifications  *NotificationService
	maxRetries     int
	retryDelay     time.Duration
}

// NewWebhookIngestService creates a webhook ingest service
func NewWebhookIngestService(
	db *gorm.DB,
	groupRepo repositories.GroupRepository,
	membershipRepo repositories.MembershipRepository,
	paymentRepo repositories.PaymentRepository,
	payoutRepo repositories.PayoutRepository,
	gw gateway.PaymentGateway,
	scheduler *SchedulerService,
	enqueuer JobEnqueuer,
	notifications *NotificationService,
	cfg *config.Config,
) *WebhookIngestService {
	return &WebhookIngestService{
		db:             db,
		groupRepo:      groupRepo,
		membershipRepo: membershipRepo,
		paymentRepo:    paymentRepo,
		payoutRepo:     payoutRepo,
		gw:             gw,
		scheduler:      scheduler,
		enqueuer:       enqueuer,
		notifications:  notifications,
		maxRetries:     cfg.MaxPaymentRetries,
		retryDelay:     cfg.RetryDelay,
	}
}

// HandleEvent dispatches one event to its transition. Unknown kinds are
// acknowledged and dropped.
func (s *WebhookIngestService) HandleEvent(ctx context.Context, event *GatewayEvent) error {
	switch event.Kind {
	case models.EventIntentSucceeded:
		return s.handleIntentSucceeded(ctx, event)
	case models.EventIntentFailed:
		return s.handleIntentFailed(ctx, event)
	case models.EventTransferReversed:
		return s.handleTransferReversed(ctx, event)
	case models.EventAccountSuspended:
		return s.handleAccountSuspended(ctx, event)
	case models.EventMandateConfirmed:
		// Mandate setup is handled upstream; acknowledged here
		return nil
	default:
		logrus.WithField("kind", event.Kind).Info("Ignoring unknown webhook kind")
		return nil
	}
}

// handleIntentSucceeded marks the payment successful and, when it was the
// cycle's last outstanding debit, finalizes the payout and rolls the
// schedule forward.
func (s *WebhookIngestService) handleIntentSucceeded(ctx context.Context, event *GatewayEvent) error {
	var afterCommit []func()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := s.paymentRepo.FindByIntentID(tx, event.IntentID)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				logrus.WithField("intent_id", event.IntentID).Warn("Success callback for unknown intent")
				return nil
			}
			return err
		}

		if payment.Status != models.PaymentStatusSuccessful {
			payment.Status = models.PaymentStatusSuccessful
			payment.FailureReason = ""
			if err := s.paymentRepo.Update(tx, payment); err != nil {
				return err
			}
		}

		if err := s.groupRepo.RecomputeAggregates(tx, payment.GroupID); err != nil {
			return err
		}

		return s.maybeFinalizeCycle(ctx, tx, payment.GroupID, payment.CycleNumber, &afterCommit)
	})
	if err != nil {
		return err
	}

	for _, fn := range afterCommit {
		fn()
	}
	return nil
}

// maybeFinalizeCycle creates the payout once every payment of the cycle is
// successful. The (group, cycle) unique index makes the creation a
// single-winner race; only the winner marks the payee paid and advances
// the schedule.
func (s *WebhookIngestService) maybeFinalizeCycle(
	ctx context.Context,
	tx *gorm.DB,
	groupID uint,
	cycleNumber int,
	afterCommit *[]func(),
) error {
	payments, err := s.paymentRepo.ListByCycle(tx, groupID, cycleNumber)
	if err != nil {
		return err
	}
	if len(payments) == 0 {
		return nil
	}
	total := decimal.Zero
	for _, p := range payments {
		if p.Status != models.PaymentStatusSuccessful {
			return nil
		}
		total = total.Add(p.Amount)
	}

	if _, err := s.payoutRepo.FindByCycle(tx, groupID, cycleNumber); err == nil {
		return nil
	} else if !errors.Is(err, repositories.ErrNotFound) {
		return err
	}

	group, err := s.groupRepo.FindByIDLocked(tx, groupID)
	if err != nil {
		return err
	}

	members, err := s.membershipRepo.ListActiveUnpaid(tx, groupID)
	if err != nil {
		return err
	}
	payee := findPayee(members, cycleNumber)
	if payee == nil {
		return &InvariantError{
			GroupID:     groupID,
			CycleNumber: cycleNumber,
			Detail:      "payout finalization found no payee",
		}
	}

	payout := &models.Payout{
		GroupID:      groupID,
		CycleNumber:  cycleNumber,
		MembershipID: payee.ID,
		Amount:       total,
		Status:       models.PayoutStatusPending,
	}
	created, err := s.payoutRepo.CreateIfAbsent(tx, payout)
	if err != nil {
		return err
	}
	if !created {
		// A concurrent delivery finalized first
		return nil
	}

	transferID, err := s.gw.CreateTransfer(ctx, gateway.TransferRequest{
		GroupID:        groupID,
		CycleNumber:    cycleNumber,
		PayeeAccount:   payee.GatewayAccountID,
		Amount:         total,
		IdempotencyKey: gateway.TransferIdempotencyKey(groupID, cycleNumber),
		Metadata: map[string]string{
			"group_id":     fmt.Sprintf("%d", groupID),
			"cycle_number": fmt.Sprintf("%d", cycleNumber),
		},
	})
	if err != nil {
		return fmt.Errorf("create payout transfer for group %d cycle %d: %w", groupID, cycleNumber, err)
	}

	payout.GatewayTransferID = transferID
	payout.Status = models.PayoutStatusCompleted
	if err := s.payoutRepo.Update(tx, payout); err != nil {
		return err
	}

	if err := s.membershipRepo.SetPaid(tx, payee.ID); err != nil {
		return err
	}

	delay, err := s.scheduler.Advance(tx, group)
	if err != nil {
		return err
	}

	payeeID := payee.ID
	groupStillActive := group.Status == models.GroupStatusActive
	*afterCommit = append(*afterCommit, func() {
		if groupStillActive && delay >= 0 {
			if err := s.enqueuer.EnqueueCycleTick(ctx, groupID, delay); err != nil {
				logrus.WithError(err).WithField("group_id", groupID).Error("Failed to enqueue next cycle tick")
			}
		}
		s.notifications.Send(ctx, Notification{
			Kind:         NotificationPayoutSent,
			GroupID:      groupID,
			MembershipID: payeeID,
			CycleNumber:  cycleNumber,
		})
	})

	logrus.WithFields(logrus.Fields{
		"group_id":     groupID,
		"cycle_number": cycleNumber,
		"payee":        payee.ID,
		"amount":       total.String(),
	}).Info("Cycle finalized, payout sent")
	return nil
}

// handleIntentFailed marks the payment failed and drives the retry/pause
// protocol.
func (s *WebhookIngestService) handleIntentFailed(ctx context.Context, event *GatewayEvent) error {
	var afterCommit []func()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := s.paymentRepo.FindByIntentID(tx, event.IntentID)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				logrus.WithField("intent_id", event.IntentID).Warn("Failure callback for unknown intent")
				return nil
			}
			return err
		}

		if payment.Status == models.PaymentStatusFailed {
			// Duplicate delivery; the protocol already ran
			return nil
		}

		payment.Status = models.PaymentStatusFailed
		payment.RetryCount++
		payment.FailureReason = event.Reason
		if err := s.paymentRepo.Update(tx, payment); err != nil {
			return err
		}

		if err := s.groupRepo.RecomputeAggregates(tx, payment.GroupID); err != nil {
			return err
		}

		logrus.WithFields(logrus.Fields{
			"payment_id":  payment.ID,
			"retry_count": payment.RetryCount,
			"reason":      event.Reason,
		}).Warn("Debit failed")

		if payment.RetryCount >= s.maxRetries {
			if err := s.groupRepo.UpdateStatus(tx, payment.GroupID,
				models.GroupStatusPaused, models.PauseReasonPaymentFailures); err != nil {
				return err
			}
			groupID := payment.GroupID
			afterCommit = append(afterCommit, func() {
				s.notifications.Send(ctx, Notification{Kind: NotificationGroupPaused, GroupID: groupID})
			})
			return nil
		}

		paymentID := payment.ID
		groupID := payment.GroupID
		membershipID := payment.MembershipID
		cycle := payment.CycleNumber
		afterCommit = append(afterCommit, func() {
			if err := s.enqueuer.EnqueueRetryPayment(ctx, paymentID, s.retryDelay); err != nil {
				logrus.WithError(err).WithField("payment_id", paymentID).Error("Failed to enqueue payment retry")
			}
			s.notifications.Send(ctx, Notification{
				Kind:         NotificationDebitFailed,
				GroupID:      groupID,
				MembershipID: membershipID,
				CycleNumber:  cycle,
			})
		})
		return nil
	})
	if err != nil {
		return err
	}

	for _, fn := range afterCommit {
		fn()
	}
	return nil
}

// handleTransferReversed marks the matching payout failed
func (s *WebhookIngestService) handleTransferReversed(ctx context.Context, event *GatewayEvent) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payout, err := s.payoutRepo.FindByTransferID(tx, event.TransferID)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				logrus.WithField("transfer_id", event.TransferID).Warn("Reversal for unknown transfer")
				return nil
			}
			return err
		}
		if payout.Status == models.PayoutStatusFailed {
			return nil
		}
		payout.Status = models.PayoutStatusFailed
		if err := s.payoutRepo.Update(tx, payout); err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{
			"payout_id": payout.ID,
			"group_id":  payout.GroupID,
		}).Error("Payout transfer reversed")
		return nil
	})
}

// handleAccountSuspended pauses the group when a member loses upstream
// eligibility. In-flight debits keep resolving; only new cycles stop.
func (s *WebhookIngestService) handleAccountSuspended(ctx context.Context, event *GatewayEvent) error {
	if event.GroupID == 0 {
		logrus.Warn("Account suspension event without group reference")
		return nil
	}
	if err := s.scheduler.Pause(ctx, event.GroupID, models.PauseReasonSubscription); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil
		}
		return err
	}
	s.notifications.Send(ctx, Notification{Kind: NotificationGroupPaused, GroupID: event.GroupID})
	return nil
}
