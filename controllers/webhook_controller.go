package controllers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"app-hivepay/models"
	"app-hivepay/repositories"
	"app-hivepay/services"
)

// WebhookController terminates the gateway's callback endpoint: it
// verifies the HMAC signature, records the delivery for audit, and hands
// the event to the ingest service.
type WebhookController struct {
	secret    string
	ingest    *services.WebhookIngestService
	eventRepo repositories.WebhookEventRepository
}

// NewWebhookController creates a webhook controller
func NewWebhookController(secret string, ingest *services.WebhookIngestService, eventRepo repositories.WebhookEventRepository) *WebhookController {
	return &WebhookController{
		secret:    secret,
		ingest:    ingest,
		eventRepo: eventRepo,
	}
}

// HandleGatewayWebhook processes one signed callback. Bad signatures get
// 400; unknown kinds get 200 and are dropped; processing failures get 500
// so the provider redelivers.
func (ctrl *WebhookController) HandleGatewayWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read request body"})
		return
	}

	if !ctrl.verifySignature(body, c.GetHeader("X-Gateway-Signature")) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid signature"})
		return
	}

	event, err := services.ParseEventEnvelope(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Malformed event envelope"})
		return
	}

	// Record first: the audit row must exist even if processing fails
	record := &models.WebhookEvent{
		ProviderEventID: event.ProviderEventID,
		Kind:            event.Kind,
		Payload:         string(body),
	}
	if err := ctrl.eventRepo.Record(c.Request.Context(), record); err != nil {
		logrus.WithError(err).Error("Failed to record webhook delivery")
	}

	if err := ctrl.ingest.HandleEvent(c.Request.Context(), event); err != nil {
		logrus.WithFields(logrus.Fields{
			"event_id": event.ProviderEventID,
			"kind":     event.Kind,
		}).WithError(err).Error("Webhook processing failed")
		ctrl.markProcessed(c, event.ProviderEventID, err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Event processing failed"})
		return
	}

	ctrl.markProcessed(c, event.ProviderEventID, "")
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (ctrl *WebhookController) markProcessed(c *gin.Context, providerEventID, processErr string) {
	stored, err := ctrl.eventRepo.FindByProviderEventID(c.Request.Context(), providerEventID)
	if err != nil {
		return
	}
	if err := ctrl.eventRepo.MarkProcessed(c.Request.Context(), stored.ID, processErr); err != nil {
		logrus.WithError(err).Warn("Failed to mark webhook processed")
	}
}

func (ctrl *WebhookController) verifySignature(body []byte, signature string) bool {
	if ctrl.secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(ctrl.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
