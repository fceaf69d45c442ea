package controllers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"app-hivepay/config"
	"app-hivepay/gateway"
	"app-hivepay/models"
	"app-hivepay/repositories"
	"app-hivepay/services"
)

const testWebhookSecret = "whsec_test"

type nullEnqueuer struct{}

func (nullEnqueuer) EnqueueCycleTick(ctx context.Context, groupID uint, delay time.Duration) error {
	return nil
}

func (nullEnqueuer) EnqueueRetryPayment(ctx context.Context, paymentID uint, delay time.Duration) error {
	return nil
}

func (nullEnqueuer) EnqueueGroupPause(ctx context.Context, groupID uint, reason string) error {
	return nil
}

func setupWebhookRouter(t *testing.T) (*gin.Engine, *gorm.DB) {
	gin.SetMode(gin.TestMode)

	name := strings.ReplaceAll(t.Name(), "/", "_")
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Group{}, &models.Membership{}, &models.Payment{},
		&models.Payout{}, &models.ScheduledJobLog{}, &models.WebhookEvent{},
	))

	cfg := &config.Config{
		MaxPaymentRetries: 3,
		RetryDelay:        48 * time.Hour,
		FeePercent:        decimal.RequireFromString("0.01"),
		FeeFixed:          decimal.RequireFromString("0.30"),
		FeeCap:            decimal.RequireFromString("3.50"),
		RetrySurcharge:    decimal.RequireFromString("2.50"),
	}

	groupRepo := repositories.NewGroupRepository(db)
	membershipRepo := repositories.NewMembershipRepository(db)
	paymentRepo := repositories.NewPaymentRepository(db)
	payoutRepo := repositories.NewPayoutRepository(db)
	eventRepo := repositories.NewWebhookEventRepository(db)

	notifications := services.NewNotificationService(&services.LogNotifier{})
	scheduler := services.NewSchedulerService(db, groupRepo, membershipRepo, nullEnqueuer{}, notifications)
	ingest := services.NewWebhookIngestService(
		db, groupRepo, membershipRepo, paymentRepo, payoutRepo,
		gateway.NewFakeGateway(), scheduler, nullEnqueuer{}, notifications, cfg)

	ctrl := NewWebhookController(testWebhookSecret, ingest, eventRepo)

	r := gin.New()
	r.POST("/api/v1/webhooks/gateway", ctrl.HandleGatewayWebhook)
	return r, db
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func post(r *gin.Engine, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/gateway", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set("X-Gateway-Signature", signature)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestWebhookRejectsInvalidSignature(t *testing.T) {
	r, _ := setupWebhookRouter(t)
	body := []byte(`{"id":"evt_1","kind":"intent_succeeded","data":{"intent_id":"in_1"}}`)

	assert.Equal(t, http.StatusBadRequest, post(r, body, "").Code)
	assert.Equal(t, http.StatusBadRequest, post(r, body, "deadbeef").Code)
}

func TestWebhookAcceptsUnknownKindAsNoop(t *testing.T) {
	r, db := setupWebhookRouter(t)
	body := []byte(`{"id":"evt_2","kind":"account.pinged","data":{}}`)

	w := post(r, body, sign(body))
	assert.Equal(t, http.StatusOK, w.Code)

	// The delivery is still recorded for audit
	var count int64
	db.Model(&models.WebhookEvent{}).Where("provider_event_id = ?", "evt_2").Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestWebhookRejectsMalformedEnvelope(t *testing.T) {
	r, _ := setupWebhookRouter(t)
	body := []byte(`{"kind":"intent_succeeded"}`)

	w := post(r, body, sign(body))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookUnknownIntentIsAcknowledged(t *testing.T) {
	r, db := setupWebhookRouter(t)
	body := []byte(`{"id":"evt_3","kind":"intent_succeeded","data":{"intent_id":"in_missing"}}`)

	w := post(r, body, sign(body))
	assert.Equal(t, http.StatusOK, w.Code)

	var stored models.WebhookEvent
	require.NoError(t, db.Where("provider_event_id = ?", "evt_3").First(&stored).Error)
	assert.NotNil(t, stored.ProcessedAt)
	assert.Empty(t, stored.ProcessError)
}
