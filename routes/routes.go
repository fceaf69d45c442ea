package routes

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"app-hivepay/config"
	"app-hivepay/controllers"
	"app-hivepay/middleware"
	"app-hivepay/repositories"
	"app-hivepay/services"
)

// Deps carries the wired services the routes need
type Deps struct {
	DB        *gorm.DB
	Config    *config.Config
	Scheduler *services.SchedulerService
	Ingest    *services.WebhookIngestService
	Exports   *services.StatementExportService
}

// SetupRoutes wires the webhook endpoint and the admin control surface
func SetupRoutes(r *gin.Engine, deps Deps) {
	groupRepo := repositories.NewGroupRepository(deps.DB)
	jobLogRepo := repositories.NewJobLogRepository(deps.DB)
	eventRepo := repositories.NewWebhookEventRepository(deps.DB)

	webhookController := controllers.NewWebhookController(
		deps.Config.GatewayWebhookSecret, deps.Ingest, eventRepo)
	groupController := controllers.NewGroupController(
		groupRepo, jobLogRepo, deps.Scheduler, deps.Exports)

	SetupHealthRoutes(r, deps.DB)

	v1 := r.Group("/api/v1")

	// Gateway callbacks authenticate by signature, not by bearer token
	v1.POST("/webhooks/gateway", webhookController.HandleGatewayWebhook)

	admin := v1.Group("/groups")
	admin.Use(middleware.AuthRequired(deps.Config.JWTSecret))
	admin.Use(middleware.RoleRequired("admin", "operator"))
	{
		admin.POST("/:id/start-cycle", groupController.StartCycle)
		admin.POST("/:id/pause", groupController.Pause)
		admin.POST("/:id/retry", groupController.Retry)
		admin.GET("/:id/state", groupController.GetState)
		admin.GET("/:id/statement.xlsx", groupController.ExportStatement)
		admin.GET("/:id/payouts/:cycle/receipt.pdf", groupController.ExportReceipt)
	}
}
