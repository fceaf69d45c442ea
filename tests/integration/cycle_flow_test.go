package integration

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"app-hivepay/config"
	"app-hivepay/gateway"
	"app-hivepay/models"
	"app-hivepay/queue"
	"app-hivepay/repositories"
	"app-hivepay/services"
)

// enqueueCall records one job the services tried to schedule
type enqueueCall struct {
	Kind  string
	ID    uint
	Delay time.Duration
}

// fakeEnqueuer captures enqueues instead of touching redis
type fakeEnqueuer struct {
	mu    sync.Mutex
	calls []enqueueCall
}

func (f *fakeEnqueuer) EnqueueCycleTick(ctx context.Context, groupID uint, delay time.Duration) error {
	f.record(enqueueCall{Kind: queue.JobKindCycleTick, ID: groupID, Delay: delay})
	return nil
}

func (f *fakeEnqueuer) EnqueueRetryPayment(ctx context.Context, paymentID uint, delay time.Duration) error {
	f.record(enqueueCall{Kind: queue.JobKindRetryPayment, ID: paymentID, Delay: delay})
	return nil
}

func (f *fakeEnqueuer) EnqueueGroupPause(ctx context.Context, groupID uint, reason string) error {
	f.record(enqueueCall{Kind: queue.JobKindGroupPause, ID: groupID})
	return nil
}

func (f *fakeEnqueuer) record(c enqueueCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeEnqueuer) callsOfKind(kind string) []enqueueCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []enqueueCall
	for _, c := range f.calls {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

type CycleFlowTestSuite struct {
	suite.Suite
	db       *gorm.DB
	cfg      *config.Config
	gw       *gateway.FakeGateway
	enqueuer *fakeEnqueuer

	groupRepo      repositories.GroupRepository
	membershipRepo repositories.MembershipRepository
	paymentRepo    repositories.PaymentRepository
	payoutRepo     repositories.PayoutRepository

	scheduler *services.SchedulerService
	processor *services.CycleProcessorService
	retrier   *services.RetryProcessorService
	ingest    *services.WebhookIngestService

	group   *models.Group
	members []models.Membership
	ctx     context.Context
}

func TestCycleFlowSuite(t *testing.T) {
	suite.Run(t, new(CycleFlowTestSuite))
}

// SetupTest builds a fresh world per test: 3-member weekly group,
// contribution 100, first cycle 2025-01-06.
func (s *CycleFlowTestSuite) SetupTest() {
	s.ctx = context.Background()

	name := strings.ReplaceAll(s.T().Name(), "/", "_")
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(s.T(), err)
	require.NoError(s.T(), db.AutoMigrate(
		&models.Group{}, &models.Membership{}, &models.Payment{},
		&models.Payout{}, &models.ScheduledJobLog{}, &models.WebhookEvent{},
	))
	s.db = db

	s.cfg = &config.Config{
		MaxPaymentRetries: 3,
		RetryDelay:        48 * time.Hour,
		FeePercent:        decimal.RequireFromString("0.01"),
		FeeFixed:          decimal.RequireFromString("0.30"),
		FeeCap:            decimal.RequireFromString("3.50"),
		RetrySurcharge:    decimal.RequireFromString("2.50"),
	}

	s.gw = gateway.NewFakeGateway()
	s.enqueuer = &fakeEnqueuer{}

	s.groupRepo = repositories.NewGroupRepository(db)
	s.membershipRepo = repositories.NewMembershipRepository(db)
	s.paymentRepo = repositories.NewPaymentRepository(db)
	s.payoutRepo = repositories.NewPayoutRepository(db)
	jobLogRepo := repositories.NewJobLogRepository(db)

	notifications := services.NewNotificationService(&services.LogNotifier{})
	fees := services.NewFeeCalculator(s.cfg)

	s.scheduler = services.NewSchedulerService(db, s.groupRepo, s.membershipRepo, s.enqueuer, notifications)
	s.processor = services.NewCycleProcessorService(
		db, s.groupRepo, s.membershipRepo, s.paymentRepo, s.payoutRepo, jobLogRepo,
		s.gw, fees, s.enqueuer, notifications, s.cfg)
	s.retrier = services.NewRetryProcessorService(
		db, s.groupRepo, s.membershipRepo, s.paymentRepo,
		s.gw, fees, s.enqueuer, notifications, s.cfg)
	s.ingest = services.NewWebhookIngestService(
		db, s.groupRepo, s.membershipRepo, s.paymentRepo, s.payoutRepo,
		s.gw, s.scheduler, s.enqueuer, notifications, s.cfg)

	s.group = &models.Group{
		Name:               "Test Hive",
		ContributionAmount: decimal.RequireFromString("100"),
		CycleFrequency:     models.FrequencyWeekly,
		Status:             models.GroupStatusInitialized,
		CycleStarted:       false,
	}
	require.NoError(s.T(), db.Create(s.group).Error)

	s.members = nil
	for i := 1; i <= 3; i++ {
		member := models.Membership{
			GroupID:          s.group.ID,
			UserID:           uint(i),
			PayoutOrder:      i,
			Status:           models.MembershipStatusActive,
			IsAdmin:          i == 1,
			GatewayAccountID: fmt.Sprintf("acct_m%d", i),
			GatewayMandateID: fmt.Sprintf("mandate_m%d", i),
		}
		require.NoError(s.T(), db.Create(&member).Error)
		s.members = append(s.members, member)
	}

	require.NoError(s.T(), s.scheduler.Start(s.ctx, s.group.ID,
		time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)))
}

func (s *CycleFlowTestSuite) reloadGroup() *models.Group {
	group, err := s.groupRepo.FindByID(s.ctx, s.group.ID)
	require.NoError(s.T(), err)
	return group
}

func (s *CycleFlowTestSuite) payments(cycle int) []models.Payment {
	payments, err := s.paymentRepo.ListByCycle(s.db, s.group.ID, cycle)
	require.NoError(s.T(), err)
	return payments
}

func (s *CycleFlowTestSuite) paymentOf(cycle int, membershipID uint) *models.Payment {
	for _, p := range s.payments(cycle) {
		if p.MembershipID == membershipID {
			return &p
		}
	}
	return nil
}

func (s *CycleFlowTestSuite) deliverSuccess(intentID string) {
	err := s.ingest.HandleEvent(s.ctx, &services.GatewayEvent{
		ProviderEventID: "evt-ok-" + intentID,
		Kind:            models.EventIntentSucceeded,
		IntentID:        intentID,
	})
	require.NoError(s.T(), err)
}

func (s *CycleFlowTestSuite) deliverFailure(intentID, reason string) {
	err := s.ingest.HandleEvent(s.ctx, &services.GatewayEvent{
		ProviderEventID: "evt-fail-" + intentID,
		Kind:            models.EventIntentFailed,
		IntentID:        intentID,
		Reason:          reason,
	})
	require.NoError(s.T(), err)
}

// completeCycle confirms every pending debit of the cycle
func (s *CycleFlowTestSuite) completeCycle(cycle int) {
	for _, p := range s.payments(cycle) {
		if p.Status == models.PaymentStatusPending {
			s.deliverSuccess(p.GatewayIntentID)
		}
	}
}

// TestHappyPathCycle is scenario S1: all debits succeed, payout completes,
// schedule advances.
func (s *CycleFlowTestSuite) TestHappyPathCycle() {
	require.NoError(s.T(), s.processor.RunCycle(s.ctx, s.group.ID))

	payments := s.payments(1)
	s.Require().Len(payments, 2, "payee must not be debited")
	for _, p := range payments {
		s.Equal(models.PaymentStatusPending, p.Status)
		s.NotEmpty(p.GatewayIntentID)
		s.True(p.Amount.Equal(decimal.RequireFromString("100")))
		s.NotEqual(s.members[0].ID, p.MembershipID)
	}

	s.completeCycle(1)

	payout, err := s.payoutRepo.FindByCycle(s.db, s.group.ID, 1)
	s.Require().NoError(err)
	s.Equal(models.PayoutStatusCompleted, payout.Status)
	s.Equal(s.members[0].ID, payout.MembershipID)
	s.True(payout.Amount.Equal(decimal.RequireFromString("200")), "payout %s", payout.Amount)
	s.NotEmpty(payout.GatewayTransferID)

	payee, err := s.membershipRepo.FindByID(s.ctx, s.members[0].ID)
	s.Require().NoError(err)
	s.True(payee.HasBeenPaid)

	group := s.reloadGroup()
	s.Equal(models.GroupStatusActive, group.Status)
	s.Require().NotNil(group.NextCycleDate)
	s.Equal(time.Date(2025, 1, 13, 0, 0, 0, 0, time.UTC), group.NextCycleDate.UTC())
	s.Require().Len(group.FutureCycles, 2)
	s.Equal(time.Date(2025, 1, 13, 0, 0, 0, 0, time.UTC), group.FutureCycles[0].UTC())
	s.Equal(time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC), group.FutureCycles[1].UTC())

	// Next tick scheduled at finalization (plus the one from Start)
	ticks := s.enqueuer.callsOfKind(queue.JobKindCycleTick)
	s.Len(ticks, 2)

	s.True(group.TotalSuccess.Equal(decimal.RequireFromString("200")))
	s.True(group.TotalSuccess.LessThanOrEqual(group.TotalDebited))
}

// TestFailedDebitRetriesAndRecovers is scenario S2
func (s *CycleFlowTestSuite) TestFailedDebitRetriesAndRecovers() {
	m3 := s.members[2]
	s.gw.FailOnce = true
	s.gw.FailWith[m3.GatewayAccountID] = &gateway.GatewayError{
		Code: "mandate_declined", Message: "debit refused", Permanent: true,
	}

	require.NoError(s.T(), s.processor.RunCycle(s.ctx, s.group.ID))

	failed := s.paymentOf(1, m3.ID)
	s.Require().NotNil(failed)
	s.Equal(models.PaymentStatusFailed, failed.Status)
	s.Equal(1, failed.RetryCount)

	retries := s.enqueuer.callsOfKind(queue.JobKindRetryPayment)
	s.Require().Len(retries, 1)
	s.Equal(failed.ID, retries[0].ID)
	s.Equal(48*time.Hour, retries[0].Delay)

	// 48h later the retry succeeds
	require.NoError(s.T(), s.retrier.RetryPayment(s.ctx, failed.ID))

	retried := s.paymentOf(1, m3.ID)
	s.Equal(models.PaymentStatusPending, retried.Status)
	s.Equal(1, retried.RetryCount)
	s.NotEqual(failed.GatewayIntentID, retried.GatewayIntentID)
	// Escalated fee: base 1.30 plus the 2.50 retry surcharge
	s.True(retried.Fee.Equal(decimal.RequireFromString("3.80")), "fee %s", retried.Fee)

	s.completeCycle(1)

	payout, err := s.payoutRepo.FindByCycle(s.db, s.group.ID, 1)
	s.Require().NoError(err)
	s.Equal(models.PayoutStatusCompleted, payout.Status)
	s.Equal(models.GroupStatusActive, s.reloadGroup().Status)
}

// TestRepeatedFailuresPauseGroup is scenario S3
func (s *CycleFlowTestSuite) TestRepeatedFailuresPauseGroup() {
	m3 := s.members[2]
	s.gw.FailWith[m3.GatewayAccountID] = &gateway.GatewayError{
		Code: "account_closed", Message: "debit refused", Permanent: true,
	}

	require.NoError(s.T(), s.processor.RunCycle(s.ctx, s.group.ID))
	payment := s.paymentOf(1, m3.ID)
	s.Equal(1, payment.RetryCount)

	require.NoError(s.T(), s.retrier.RetryPayment(s.ctx, payment.ID))
	s.Equal(2, s.paymentOf(1, m3.ID).RetryCount)

	require.NoError(s.T(), s.retrier.RetryPayment(s.ctx, payment.ID))
	s.Equal(3, s.paymentOf(1, m3.ID).RetryCount)

	group := s.reloadGroup()
	s.Equal(models.GroupStatusPaused, group.Status)
	s.Equal(models.PauseReasonPaymentFailures, group.PauseReason)

	_, err := s.payoutRepo.FindByCycle(s.db, s.group.ID, 1)
	s.ErrorIs(err, repositories.ErrNotFound)

	// Schedule untouched: the cycle never completed
	s.Require().NotNil(group.NextCycleDate)
	s.Equal(time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC), group.NextCycleDate.UTC())
	s.Len(group.FutureCycles, 3)

	// A paused group refuses further retries
	require.NoError(s.T(), s.retrier.RetryPayment(s.ctx, payment.ID))
	s.Equal(3, s.paymentOf(1, m3.ID).RetryCount)
}

// TestDuplicateCycleTick is scenario S4: a redelivered tick creates no new
// rows and no new intents.
func (s *CycleFlowTestSuite) TestDuplicateCycleTick() {
	require.NoError(s.T(), s.processor.RunCycle(s.ctx, s.group.ID))
	require.NoError(s.T(), s.processor.RunCycle(s.ctx, s.group.ID))

	s.Len(s.payments(1), 2)
	s.Len(s.gw.Intents, 2)
}

// TestDuplicateSuccessDelivery is scenario S5: five deliveries of the same
// success event equal one.
func (s *CycleFlowTestSuite) TestDuplicateSuccessDelivery() {
	require.NoError(s.T(), s.processor.RunCycle(s.ctx, s.group.ID))

	m2Payment := s.paymentOf(1, s.members[1].ID)
	for i := 0; i < 5; i++ {
		s.deliverSuccess(m2Payment.GatewayIntentID)
	}

	s.Equal(models.PaymentStatusSuccessful, s.paymentOf(1, s.members[1].ID).Status)
	s.Equal(models.PaymentStatusPending, s.paymentOf(1, s.members[2].ID).Status)

	// m3 still outstanding: no payout yet
	_, err := s.payoutRepo.FindByCycle(s.db, s.group.ID, 1)
	s.ErrorIs(err, repositories.ErrNotFound)
	s.Empty(s.gw.Transfers)
}

// TestReorderedAndDuplicatedDeliveries verifies delivery-order independence
func (s *CycleFlowTestSuite) TestReorderedAndDuplicatedDeliveries() {
	require.NoError(s.T(), s.processor.RunCycle(s.ctx, s.group.ID))

	m2Intent := s.paymentOf(1, s.members[1].ID).GatewayIntentID
	m3Intent := s.paymentOf(1, s.members[2].ID).GatewayIntentID

	// Out of order, with duplicates sprinkled in
	s.deliverSuccess(m3Intent)
	s.deliverSuccess(m3Intent)
	s.deliverSuccess(m2Intent)
	s.deliverSuccess(m3Intent)
	s.deliverSuccess(m2Intent)

	payout, err := s.payoutRepo.FindByCycle(s.db, s.group.ID, 1)
	s.Require().NoError(err)
	s.Equal(models.PayoutStatusCompleted, payout.Status)
	s.Len(s.gw.Transfers, 1, "exactly one transfer despite duplicates")
	s.Len(s.enqueuer.callsOfKind(queue.JobKindCycleTick), 2)
}

// TestFailureWebhookDrivesRetryProtocol exercises the intent_failed path
func (s *CycleFlowTestSuite) TestFailureWebhookDrivesRetryProtocol() {
	require.NoError(s.T(), s.processor.RunCycle(s.ctx, s.group.ID))

	m3Payment := s.paymentOf(1, s.members[2].ID)
	s.deliverFailure(m3Payment.GatewayIntentID, "insufficient funds")

	failed := s.paymentOf(1, s.members[2].ID)
	s.Equal(models.PaymentStatusFailed, failed.Status)
	s.Equal(1, failed.RetryCount)
	s.Equal("insufficient funds", failed.FailureReason)
	s.Len(s.enqueuer.callsOfKind(queue.JobKindRetryPayment), 1)

	// Duplicate failure deliveries do not bump the count again
	s.deliverFailure(m3Payment.GatewayIntentID, "insufficient funds")
	s.deliverFailure(m3Payment.GatewayIntentID, "insufficient funds")
	s.Equal(1, s.paymentOf(1, s.members[2].ID).RetryCount)
	s.Len(s.enqueuer.callsOfKind(queue.JobKindRetryPayment), 1)

	s.Equal(models.GroupStatusActive, s.reloadGroup().Status)
}

// TestFullRotation is scenario S6: all three cycles complete and the group
// parks as fully paid.
func (s *CycleFlowTestSuite) TestFullRotation() {
	for cycle := 1; cycle <= 3; cycle++ {
		require.NoError(s.T(), s.processor.RunCycle(s.ctx, s.group.ID))
		s.completeCycle(cycle)
	}

	group := s.reloadGroup()
	s.Equal(models.GroupStatusPaused, group.Status)
	s.Equal(models.PauseReasonAllPaid, group.PauseReason)
	s.Empty(group.FutureCycles)
	s.Nil(group.NextCycleDate)

	payouts, err := s.payoutRepo.ListByGroup(s.ctx, s.group.ID)
	s.Require().NoError(err)
	s.Require().Len(payouts, 3)
	totalPayout := decimal.Zero
	for _, p := range payouts {
		s.Equal(models.PayoutStatusCompleted, p.Status)
		totalPayout = totalPayout.Add(p.Amount)
	}

	members, err := s.membershipRepo.ListByGroup(s.ctx, s.group.ID)
	s.Require().NoError(err)
	for _, m := range members {
		s.True(m.HasBeenPaid, "member %d", m.ID)
	}

	// Payouts never exceed successful contributions
	var successTotal decimal.Decimal
	for cycle := 1; cycle <= 3; cycle++ {
		for _, p := range s.payments(cycle) {
			if p.Status == models.PaymentStatusSuccessful {
				successTotal = successTotal.Add(p.Amount)
			}
		}
	}
	s.True(totalPayout.LessThanOrEqual(successTotal))

	// A further tick on the parked group is a no-op
	require.NoError(s.T(), s.processor.RunCycle(s.ctx, s.group.ID))
	payouts, err = s.payoutRepo.ListByGroup(s.ctx, s.group.ID)
	s.Require().NoError(err)
	s.Len(payouts, 3)
}

// TestTransferReversalFailsPayout covers the transfer_reversed event
func (s *CycleFlowTestSuite) TestTransferReversalFailsPayout() {
	require.NoError(s.T(), s.processor.RunCycle(s.ctx, s.group.ID))
	s.completeCycle(1)

	payout, err := s.payoutRepo.FindByCycle(s.db, s.group.ID, 1)
	s.Require().NoError(err)

	err = s.ingest.HandleEvent(s.ctx, &services.GatewayEvent{
		ProviderEventID: "evt-rev-1",
		Kind:            models.EventTransferReversed,
		TransferID:      payout.GatewayTransferID,
	})
	s.Require().NoError(err)

	reversed, err := s.payoutRepo.FindByCycle(s.db, s.group.ID, 1)
	s.Require().NoError(err)
	s.Equal(models.PayoutStatusFailed, reversed.Status)
}

// TestSubscriptionPauseLeavesInFlightDebits covers the account-status path
func (s *CycleFlowTestSuite) TestSubscriptionPauseLeavesInFlightDebits() {
	require.NoError(s.T(), s.processor.RunCycle(s.ctx, s.group.ID))

	err := s.ingest.HandleEvent(s.ctx, &services.GatewayEvent{
		ProviderEventID: "evt-sub-1",
		Kind:            models.EventAccountSuspended,
		GroupID:         s.group.ID,
	})
	s.Require().NoError(err)

	group := s.reloadGroup()
	s.Equal(models.GroupStatusPaused, group.Status)
	s.Equal(models.PauseReasonSubscription, group.PauseReason)

	// In-flight debits still resolve and the cycle still finalizes
	s.completeCycle(1)
	payout, err := s.payoutRepo.FindByCycle(s.db, s.group.ID, 1)
	s.Require().NoError(err)
	s.Equal(models.PayoutStatusCompleted, payout.Status)

	// But the next tick refuses to start while paused
	require.NoError(s.T(), s.processor.RunCycle(s.ctx, s.group.ID))
	s.Empty(s.payments(2))
}

// TestStartIsGuarded verifies the start-cycle preconditions
func (s *CycleFlowTestSuite) TestStartIsGuarded() {
	err := s.scheduler.Start(s.ctx, s.group.ID, time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC))
	s.ErrorIs(err, services.ErrAlreadyStarted)

	err = s.scheduler.Resume(s.ctx, s.group.ID)
	s.ErrorIs(err, services.ErrNotPaused)
}

// TestResumeAfterPauseReenqueues covers admin retry of a paused group
func (s *CycleFlowTestSuite) TestResumeAfterPauseReenqueues() {
	require.NoError(s.T(), s.scheduler.Pause(s.ctx, s.group.ID, models.PauseReasonAdmin))
	s.Equal(models.GroupStatusPaused, s.reloadGroup().Status)

	before := len(s.enqueuer.callsOfKind(queue.JobKindCycleTick))
	require.NoError(s.T(), s.scheduler.Resume(s.ctx, s.group.ID))

	group := s.reloadGroup()
	s.Equal(models.GroupStatusActive, group.Status)
	s.Equal(models.PauseReasonNone, group.PauseReason)
	s.True(group.CycleStarted)
	s.Len(s.enqueuer.callsOfKind(queue.JobKindCycleTick), before+1)
}

// TestMemberWithoutMandateIsSkipped covers the non-fatal skip path
func (s *CycleFlowTestSuite) TestMemberWithoutMandateIsSkipped() {
	require.NoError(s.T(), s.db.Model(&models.Membership{}).
		Where("id = ?", s.members[2].ID).
		Updates(map[string]interface{}{"gateway_mandate_id": ""}).Error)

	require.NoError(s.T(), s.processor.RunCycle(s.ctx, s.group.ID))

	s.Len(s.payments(1), 1, "only the debitable member gets a payment")

	var logs []models.ScheduledJobLog
	require.NoError(s.T(), s.db.Where("group_id = ?", s.group.ID).Find(&logs).Error)
	s.NotEmpty(logs)
}
