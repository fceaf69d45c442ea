package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"app-hivepay/config"
	"app-hivepay/gateway"
	"app-hivepay/models"
	"app-hivepay/repositories"
)

// RetryProcessorService retries a single failed payment with an escalated
// fee. Repeated failure pauses the group rather than silently dropping the
// cycle.
type RetryProcessorService struct {
	db             *gorm.DB
	groupRepo      repositories.GroupRepository
	membershipRepo repositories.MembershipRepository
	paymentRepo    repositories.PaymentRepository
	gw             gateway.PaymentGateway
	fees           *FeeCalculator
	enqueuer       JobEnqueuer
	notifications  *NotificationService
	maxRetries     int
	retryDelay     time.Duration
}

// NewRetryProcessorService creates a retry processor
func NewRetryProcessorService(
	db *gorm.DB,
	groupRepo repositories.GroupRepository,
	membershipRepo repositories.MembershipRepository,
	paymentRepo repositories.PaymentRepository,
	gw gateway.PaymentGateway,
	fees *FeeCalculator,
	enqueuer JobEnqueuer,
	notifications *NotificationService,
	cfg *config.Config,
) *RetryProcessorService {
	return &RetryProcessorService{
		db:             db,
		groupRepo:      groupRepo,
		membershipRepo: membershipRepo,
		paymentRepo:    paymentRepo,
		gw:             gw,
		fees:           fees,
		enqueuer:       enqueuer,
		notifications:  notifications,
		maxRetries:     cfg.MaxPaymentRetries,
		retryDelay:     cfg.RetryDelay,
	}
}

// RetryPayment re-attempts one failed debit. A payment that is no longer
// FAILED means an earlier delivery of this job (or the ingestor) already
// moved it on, so the run is a no-op.
func (s *RetryProcessorService) RetryPayment(ctx context.Context, paymentID uint) error {
	log := logrus.WithField("payment_id", paymentID)

	var afterCommit []func()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var payment models.Payment
		if err := tx.First(&payment, paymentID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return repositories.ErrNotFound
			}
			return err
		}

		group, err := s.groupRepo.FindByIDLocked(tx, payment.GroupID)
		if err != nil {
			return err
		}
		if group.Status != models.GroupStatusActive {
			log.WithField("status", group.Status).Info("Retry skipped, group not active")
			return nil
		}
		if payment.Status != models.PaymentStatusFailed {
			log.WithField("status", payment.Status).Info("Retry skipped, payment not failed")
			return nil
		}

		member, err := s.membershipRepo.FindByID(ctx, payment.MembershipID)
		if err != nil {
			return err
		}
		if !member.CanBeDebited() {
			return fmt.Errorf("member %d lost gateway metadata, cannot retry payment %d", member.ID, paymentID)
		}

		members, err := s.membershipRepo.ListActiveUnpaid(tx, payment.GroupID)
		if err != nil {
			return err
		}
		payee := findPayee(members, payment.CycleNumber)
		if payee == nil {
			return &InvariantError{
				GroupID:     payment.GroupID,
				CycleNumber: payment.CycleNumber,
				Detail:      fmt.Sprintf("no payee for retried payment %d", paymentID),
			}
		}

		fee := s.fees.FeeForAttempt(payment.Amount, payment.RetryCount)

		intentID, err := s.gw.CreateDebitIntent(ctx, gateway.DebitIntentRequest{
			GroupID:        payment.GroupID,
			CycleNumber:    payment.CycleNumber,
			MembershipID:   member.ID,
			DebtorAccount:  member.GatewayAccountID,
			Mandate:        member.GatewayMandateID,
			Amount:         payment.Amount,
			ApplicationFee: fee,
			PayeeAccount:   payee.GatewayAccountID,
			// Distinct per attempt, or the provider would collapse the
			// retry into the refused original
			IdempotencyKey: fmt.Sprintf("%s-r%d",
				gateway.DebitIdempotencyKey(payment.GroupID, payment.CycleNumber, member.ID),
				payment.RetryCount),
			Metadata: map[string]string{
				"group_id":      fmt.Sprintf("%d", payment.GroupID),
				"cycle_number":  fmt.Sprintf("%d", payment.CycleNumber),
				"membership_id": fmt.Sprintf("%d", member.ID),
				"retry":         fmt.Sprintf("%d", payment.RetryCount),
			},
		})
		if err != nil {
			return s.handleRetryFailure(ctx, tx, group, &payment, err, &afterCommit)
		}

		payment.Status = models.PaymentStatusPending
		payment.GatewayIntentID = intentID
		payment.Fee = fee
		payment.FailureReason = ""
		if err := s.paymentRepo.Update(tx, &payment); err != nil {
			return err
		}

		if err := s.groupRepo.RecomputeAggregates(tx, payment.GroupID); err != nil {
			return err
		}

		log.WithField("intent_id", intentID).Info("Payment retry submitted")
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

// handleRetryFailure bumps the retry count and pauses the group once the
// member has burned through their retries. The failure itself is not
// propagated: the protocol outcome (another retry or a paused group) is
// committed instead.
func (s *RetryProcessorService) handleRetryFailure(
	ctx context.Context,
	tx *gorm.DB,
	group *models.Group,
	payment *models.Payment,
	gwErr error,
	afterCommit *[]func(),
) error {
	var typed *gateway.GatewayError
	if !errors.As(gwErr, &typed) || !typed.Permanent {
		// Transient: keep the payment as-is and let the queue redeliver
		return fmt.Errorf("retry payment %d: %w", payment.ID, gwErr)
	}

	payment.RetryCount++
	payment.FailureReason = typed.Message
	if err := s.paymentRepo.Update(tx, payment); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"payment_id":  payment.ID,
		"retry_count": payment.RetryCount,
	}).Warn("Payment retry refused")

	if payment.RetryCount >= s.maxRetries {
		group.Status = models.GroupStatusPaused
		group.PauseReason = models.PauseReasonPaymentFailures
		if err := s.groupRepo.Save(tx, group); err != nil {
			return err
		}
		groupID := group.ID
		*afterCommit = append(*afterCommit, func() {
			s.notifications.Send(ctx, Notification{Kind: NotificationGroupPaused, GroupID: groupID})
		})
		return nil
	}

	paymentID := payment.ID
	*afterCommit = append(*afterCommit, func() {
		if err := s.enqueuer.EnqueueRetryPayment(ctx, paymentID, s.retryDelay); err != nil {
			logrus.WithError(err).WithField("payment_id", paymentID).Error("Failed to enqueue payment retry")
		}
	})
	return nil
}
