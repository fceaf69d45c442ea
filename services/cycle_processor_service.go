package services

import (
	"context"
	"encoding/json"
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

// CycleProcessorService runs one cycle tick for a group: it determines the
// cycle number from the payout count, selects the payee, creates pending
// payments and debit intents for every other active member, and
// recomputes the group aggregates. Payout creation is deliberately absent
// here; the webhook ingestor finalizes the cycle once every debit has
// confirmed, so money only moves outward after it has moved inward.
type CycleProcessorService struct {
	db             *gorm.DB
	groupRepo      repositories.GroupRepository
	membershipRepo repositories.MembershipRepository
	paymentRepo    repositories.PaymentRepository
	payoutRepo     repositories.PayoutRepository
	jobLogRepo     repositories.JobLogRepository
	gw             gateway.PaymentGateway
	fees           *FeeCalculator
	enqueuer       JobEnqueuer
	notifications  *NotificationService
	maxRetries     int
	retryDelay     time.Duration
}

// NewCycleProcessorService creates a cycle processor
func NewCycleProcessorService(
	db *gorm.DB,
	groupRepo repositories.GroupRepository,
	membershipRepo repositories.MembershipRepository,
	paymentRepo repositories.PaymentRepository,
	payoutRepo repositories.PayoutRepository,
	jobLogRepo repositories.JobLogRepository,
	gw gateway.PaymentGateway,
	fees *FeeCalculator,
	enqueuer JobEnqueuer,
	notifications *NotificationService,
	cfg *config.Config,
) *CycleProcessorService {
	return &CycleProcessorService{
		db:             db,
		groupRepo:      groupRepo,
		membershipRepo: membershipRepo,
		paymentRepo:    paymentRepo,
		payoutRepo:     payoutRepo,
		jobLogRepo:     jobLogRepo,
		gw:             gw,
		fees:           fees,
		enqueuer:       enqueuer,
		notifications:  notifications,
		maxRetries:     cfg.MaxPaymentRetries,
		retryDelay:     cfg.RetryDelay,
	}
}

// RunCycle executes one cycle tick for the group. Safe to run twice for the
// same tick: payment creation collapses on the (group, cycle, member)
// unique index and intent creation collapses on the derived idempotency
// key, so a racing duplicate ends up a no-op.
func (s *CycleProcessorService) RunCycle(ctx context.Context, groupID uint) error {
	log := logrus.WithField("group_id", groupID)

	var afterCommit []func()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		group, err := s.groupRepo.FindByIDLocked(tx, groupID)
		if err != nil {
			return err
		}

		// Guard: paused, ended or never-started groups tick as no-ops
		if group.Status != models.GroupStatusActive || !group.CycleStarted {
			log.WithField("status", group.Status).Info("Cycle tick skipped, group not active")
			return nil
		}
		if !group.ContributionAmount.IsPositive() {
			log.Warn("Cycle tick skipped, non-positive contribution amount")
			return nil
		}

		unpaid, err := s.membershipRepo.ListActiveUnpaid(tx, groupID)
		if err != nil {
			return err
		}
		members, err := s.membershipRepo.ListActive(tx, groupID)
		if err != nil {
			return err
		}

		cycleNumber, err := s.currentCycleNumber(tx, groupID)
		if err != nil {
			return err
		}
		log = log.WithField("cycle_number", cycleNumber)

		// Rotation exhausted: every member has received their payout
		if cycleNumber > len(members) || len(unpaid) == 0 {
			return s.pauseAllPaid(ctx, tx, group, &afterCommit)
		}

		// The payee must still be unpaid; debtors include past payees
		payee := findPayee(unpaid, cycleNumber)
		if payee == nil {
			return &InvariantError{
				GroupID:     groupID,
				CycleNumber: cycleNumber,
				Detail:      fmt.Sprintf("no active unpaid member with payout order %d", cycleNumber),
			}
		}

		if err := s.debitLoop(ctx, tx, group, members, payee, cycleNumber, &afterCommit); err != nil {
			return err
		}

		if err := s.groupRepo.RecomputeAggregates(tx, groupID); err != nil {
			return err
		}

		log.Info("Cycle tick completed")
		return nil
	})

	if err != nil {
		var invErr *InvariantError
		if errors.As(err, &invErr) {
			// The transaction is gone; the forensic record must survive it
			s.recordInvariantViolation(ctx, invErr)
		}
		return err
	}

	for _, fn := range afterCommit {
		fn()
	}
	return nil
}

// currentCycleNumber derives the cycle from the payouts: the cycle after
// the highest-numbered payout row, whatever its status. Cycle k+1 can only begin once cycle k's
// payout row exists.
func (s *CycleProcessorService) currentCycleNumber(tx *gorm.DB, groupID uint) (int, error) {
	last, err := s.payoutRepo.LastByGroup(tx, groupID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return 1, nil
		}
		return 0, err
	}
	return last.CycleNumber + 1, nil
}

// debitLoop creates a pending payment and a gateway intent for every
// non-payee member that can be debited.
func (s *CycleProcessorService) debitLoop(
	ctx context.Context,
	tx *gorm.DB,
	group *models.Group,
	members []models.Membership,
	payee *models.Membership,
	cycleNumber int,
	afterCommit *[]func(),
) error {
	for i := range members {
		member := members[i]
		if member.ID == payee.ID {
			continue
		}

		if !member.CanBeDebited() {
			s.recordSkip(tx, group.ID, cycleNumber, member.ID)
			continue
		}

		fee := s.fees.FeeForAttempt(group.ContributionAmount, 0)
		payment := &models.Payment{
			GroupID:      group.ID,
			CycleNumber:  cycleNumber,
			MembershipID: member.ID,
			Amount:       group.ContributionAmount,
			Fee:          fee,
			Status:       models.PaymentStatusPending,
		}
		created, err := s.paymentRepo.CreateIfAbsent(tx, payment)
		if err != nil {
			return err
		}
		if !created {
			// A previous or concurrent run already owns this debit
			continue
		}

		intentID, err := s.gw.CreateDebitIntent(ctx, gateway.DebitIntentRequest{
			GroupID:        group.ID,
			CycleNumber:    cycleNumber,
			MembershipID:   member.ID,
			DebtorAccount:  member.GatewayAccountID,
			Mandate:        member.GatewayMandateID,
			Amount:         group.ContributionAmount,
			ApplicationFee: fee,
			PayeeAccount:   payee.GatewayAccountID,
			IdempotencyKey: gateway.DebitIdempotencyKey(group.ID, cycleNumber, member.ID),
			Metadata: map[string]string{
				"group_id":      fmt.Sprintf("%d", group.ID),
				"cycle_number":  fmt.Sprintf("%d", cycleNumber),
				"membership_id": fmt.Sprintf("%d", member.ID),
			},
		})
		if err != nil {
			var gwErr *gateway.GatewayError
			if errors.As(err, &gwErr) && gwErr.Permanent {
				if err := s.handlePermanentRefusal(ctx, tx, group, payment, gwErr, afterCommit); err != nil {
					return err
				}
				continue
			}
			// Transient failure that outlived the client's own retries:
			// roll back and let the queue redeliver the whole tick
			return fmt.Errorf("create debit intent for member %d: %w", member.ID, err)
		}

		payment.GatewayIntentID = intentID
		if err := s.paymentRepo.Update(tx, payment); err != nil {
			return err
		}
	}
	return nil
}

// handlePermanentRefusal marks the payment failed and either schedules a
// retry or pauses the group when the member has exhausted their retries.
func (s *CycleProcessorService) handlePermanentRefusal(
	ctx context.Context,
	tx *gorm.DB,
	group *models.Group,
	payment *models.Payment,
	gwErr *gateway.GatewayError,
	afterCommit *[]func(),
) error {
	payment.Status = models.PaymentStatusFailed
	payment.RetryCount = 1
	payment.FailureReason = gwErr.Message
	if err := s.paymentRepo.Update(tx, payment); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"group_id":   group.ID,
		"payment_id": payment.ID,
		"code":       gwErr.Code,
	}).Warn("Debit refused permanently")

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
	membershipID := payment.MembershipID
	groupID := group.ID
	cycle := payment.CycleNumber
	*afterCommit = append(*afterCommit, func() {
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
}

// pauseAllPaid parks a group whose rotation has nobody left to pay
func (s *CycleProcessorService) pauseAllPaid(ctx context.Context, tx *gorm.DB, group *models.Group, afterCommit *[]func()) error {
	group.Status = models.GroupStatusPaused
	group.PauseReason = models.PauseReasonAllPaid
	group.NextCycleDate = nil
	group.FutureCycles = models.DateList{}
	if err := s.groupRepo.Save(tx, group); err != nil {
		return err
	}
	groupID := group.ID
	*afterCommit = append(*afterCommit, func() {
		s.notifications.Send(ctx, Notification{Kind: NotificationGroupEnded, GroupID: groupID})
	})
	logrus.WithField("group_id", group.ID).Info("All members paid, group paused")
	return nil
}

func (s *CycleProcessorService) recordSkip(tx *gorm.DB, groupID uint, cycleNumber int, membershipID uint) {
	meta, _ := json.Marshal(map[string]interface{}{
		"cycle_number":  cycleNumber,
		"membership_id": membershipID,
	})
	entry := &models.ScheduledJobLog{
		JobType:  "cycle-tick",
		GroupID:  groupID,
		Level:    models.JobLogLevelWarning,
		Message:  "Member skipped: missing gateway account or mandate",
		Metadata: string(meta),
	}
	if err := s.jobLogRepo.Create(tx, entry); err != nil {
		logrus.WithError(err).Warn("Failed to record member skip")
	}
}

func (s *CycleProcessorService) recordInvariantViolation(ctx context.Context, invErr *InvariantError) {
	meta, _ := json.Marshal(map[string]interface{}{
		"cycle_number": invErr.CycleNumber,
		"detail":       invErr.Detail,
	})
	entry := &models.ScheduledJobLog{
		JobType:  "cycle-tick",
		GroupID:  invErr.GroupID,
		Level:    models.JobLogLevelError,
		Message:  "Invariant violation, operator intervention required",
		Metadata: string(meta),
	}
	if err := s.jobLogRepo.Create(s.db.WithContext(ctx), entry); err != nil {
		logrus.WithError(err).Error("Failed to record invariant violation")
	}
}

// findPayee returns the member whose payout order equals the cycle number
func findPayee(members []models.Membership, cycleNumber int) *models.Membership {
	for i := range members {
		if members[i].PayoutOrder == cycleNumber {
			return &members[i]
		}
	}
	return nil
}
