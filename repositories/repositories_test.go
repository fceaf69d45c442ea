package repositories

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"app-hivepay/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	name := strings.ReplaceAll(t.Name(), "/", "_")
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Group{},
		&models.Membership{},
		&models.Payment{},
		&models.Payout{},
		&models.ScheduledJobLog{},
		&models.WebhookEvent{},
	))
	return db
}

func seedGroup(t *testing.T, db *gorm.DB) *models.Group {
	group := &models.Group{
		Name:               "Test Hive",
		ContributionAmount: decimal.RequireFromString("100"),
		CycleFrequency:     models.FrequencyWeekly,
		Status:             models.GroupStatusActive,
		CycleStarted:       true,
	}
	require.NoError(t, db.Create(group).Error)
	return group
}

func TestPaymentCreateIfAbsentEnforcesUniqueness(t *testing.T) {
	db := setupTestDB(t)
	group := seedGroup(t, db)
	repo := NewPaymentRepository(db)

	payment := &models.Payment{
		GroupID:      group.ID,
		CycleNumber:  1,
		MembershipID: 10,
		Amount:       decimal.RequireFromString("100"),
		Status:       models.PaymentStatusPending,
	}
	created, err := repo.CreateIfAbsent(db, payment)
	require.NoError(t, err)
	assert.True(t, created)

	// Same (group, cycle, member): rejected silently
	dup := &models.Payment{
		GroupID:      group.ID,
		CycleNumber:  1,
		MembershipID: 10,
		Amount:       decimal.RequireFromString("100"),
		Status:       models.PaymentStatusPending,
	}
	created, err = repo.CreateIfAbsent(db, dup)
	require.NoError(t, err)
	assert.False(t, created)

	var count int64
	db.Model(&models.Payment{}).Count(&count)
	assert.Equal(t, int64(1), count)

	// Different member in the same cycle is a distinct row
	other := &models.Payment{
		GroupID:      group.ID,
		CycleNumber:  1,
		MembershipID: 11,
		Amount:       decimal.RequireFromString("100"),
		Status:       models.PaymentStatusPending,
	}
	created, err = repo.CreateIfAbsent(db, other)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestPayoutCreateIfAbsentOnePerCycle(t *testing.T) {
	db := setupTestDB(t)
	group := seedGroup(t, db)
	repo := NewPayoutRepository(db)

	payout := &models.Payout{
		GroupID:      group.ID,
		CycleNumber:  1,
		MembershipID: 10,
		Amount:       decimal.RequireFromString("200"),
		Status:       models.PayoutStatusPending,
	}
	created, err := repo.CreateIfAbsent(db, payout)
	require.NoError(t, err)
	assert.True(t, created)

	// Second payout for the same cycle loses, even for another payee
	dup := &models.Payout{
		GroupID:      group.ID,
		CycleNumber:  1,
		MembershipID: 11,
		Amount:       decimal.RequireFromString("200"),
		Status:       models.PayoutStatusPending,
	}
	created, err = repo.CreateIfAbsent(db, dup)
	require.NoError(t, err)
	assert.False(t, created)

	var count int64
	db.Model(&models.Payout{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestLastByGroupDerivesCycleNumber(t *testing.T) {
	db := setupTestDB(t)
	group := seedGroup(t, db)
	repo := NewPayoutRepository(db)

	_, err := repo.LastByGroup(db, group.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	for cycle := 1; cycle <= 3; cycle++ {
		_, err := repo.CreateIfAbsent(db, &models.Payout{
			GroupID:      group.ID,
			CycleNumber:  cycle,
			MembershipID: uint(cycle),
			Amount:       decimal.RequireFromString("200"),
			Status:       models.PayoutStatusCompleted,
		})
		require.NoError(t, err)
	}

	last, err := repo.LastByGroup(db, group.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, last.CycleNumber)
}

func TestRecomputeAggregatesExcludesFailed(t *testing.T) {
	db := setupTestDB(t)
	group := seedGroup(t, db)
	groupRepo := NewGroupRepository(db)
	paymentRepo := NewPaymentRepository(db)

	rows := []struct {
		member uint
		status string
		amount string
	}{
		{10, models.PaymentStatusSuccessful, "100"},
		{11, models.PaymentStatusPending, "100"},
		{12, models.PaymentStatusFailed, "100"},
	}
	for _, r := range rows {
		_, err := paymentRepo.CreateIfAbsent(db, &models.Payment{
			GroupID:      group.ID,
			CycleNumber:  1,
			MembershipID: r.member,
			Amount:       decimal.RequireFromString(r.amount),
			Status:       r.status,
		})
		require.NoError(t, err)
	}

	require.NoError(t, groupRepo.RecomputeAggregates(db, group.ID))

	reloaded, err := groupRepo.FindByID(context.Background(), group.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.TotalDebited.Equal(decimal.RequireFromString("200")), "debited %s", reloaded.TotalDebited)
	assert.True(t, reloaded.TotalPending.Equal(decimal.RequireFromString("100")), "pending %s", reloaded.TotalPending)
	assert.True(t, reloaded.TotalSuccess.Equal(decimal.RequireFromString("100")), "success %s", reloaded.TotalSuccess)
	assert.True(t, reloaded.TotalSuccess.LessThanOrEqual(reloaded.TotalDebited))
}

func TestMembershipSetPaidIsMonotonic(t *testing.T) {
	db := setupTestDB(t)
	group := seedGroup(t, db)
	repo := NewMembershipRepository(db)

	member := &models.Membership{
		GroupID:     group.ID,
		UserID:      1,
		PayoutOrder: 1,
		Status:      models.MembershipStatusActive,
	}
	require.NoError(t, db.Create(member).Error)

	require.NoError(t, repo.SetPaid(db, member.ID))
	require.NoError(t, repo.SetPaid(db, member.ID))

	reloaded, err := repo.FindByID(context.Background(), member.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.HasBeenPaid)

	unpaid, err := repo.ListActiveUnpaid(db, group.ID)
	require.NoError(t, err)
	assert.Empty(t, unpaid)
}

func TestWebhookEventRecordKeepsFirstDelivery(t *testing.T) {
	db := setupTestDB(t)
	repo := NewWebhookEventRepository(db)
	ctx := context.Background()

	first := &models.WebhookEvent{ProviderEventID: "evt_1", Kind: models.EventIntentSucceeded, Payload: "{}"}
	require.NoError(t, repo.Record(ctx, first))
	require.NoError(t, repo.Record(ctx, &models.WebhookEvent{
		ProviderEventID: "evt_1", Kind: models.EventIntentSucceeded, Payload: "{\"replayed\":true}",
	}))

	stored, err := repo.FindByProviderEventID(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, "{}", stored.Payload)

	var count int64
	db.Model(&models.WebhookEvent{}).Count(&count)
	assert.Equal(t, int64(1), count)
}
