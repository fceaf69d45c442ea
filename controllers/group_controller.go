package controllers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"app-hivepay/models"
	"app-hivepay/repositories"
	"app-hivepay/services"
)

// GroupController exposes the admin control surface: start, pause, retry
// and inspect a group's cycle state, plus the statement exports.
type GroupController struct {
	groupRepo  repositories.GroupRepository
	jobLogRepo repositories.JobLogRepository
	scheduler  *services.SchedulerService
	exports    *services.StatementExportService
}

// NewGroupController creates a group controller
func NewGroupController(
	groupRepo repositories.GroupRepository,
	jobLogRepo repositories.JobLogRepository,
	scheduler *services.SchedulerService,
	exports *services.StatementExportService,
) *GroupController {
	return &GroupController{
		groupRepo:  groupRepo,
		jobLogRepo: jobLogRepo,
		scheduler:  scheduler,
		exports:    exports,
	}
}

// StartCycleRequest is the body for POST /groups/:id/start-cycle
type StartCycleRequest struct {
	FirstCycleDate time.Time `json:"first_cycle_date" binding:"required"`
}

// PauseRequest is the body for POST /groups/:id/pause
type PauseRequest struct {
	Reason string `json:"reason" binding:"omitempty,oneof=ADMIN SUBSCRIPTION"`
}

// StartCycle activates a group's rotation
func (ctrl *GroupController) StartCycle(c *gin.Context) {
	groupID, ok := ctrl.groupID(c)
	if !ok {
		return
	}

	var req StartCycleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request format",
			"details": err.Error(),
		})
		return
	}

	if err := ctrl.scheduler.Start(c.Request.Context(), groupID, req.FirstCycleDate); err != nil {
		switch {
		case errors.Is(err, repositories.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Group not found"})
		case errors.Is(err, services.ErrAlreadyStarted):
			c.JSON(http.StatusConflict, gin.H{"error": "Cycle already started"})
		default:
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "Cannot start cycle",
				"details": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Cycle started"})
}

// Pause stops new cycles for a group
func (ctrl *GroupController) Pause(c *gin.Context) {
	groupID, ok := ctrl.groupID(c)
	if !ok {
		return
	}

	var req PauseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request format",
			"details": err.Error(),
		})
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = models.PauseReasonAdmin
	}

	if err := ctrl.scheduler.Pause(c.Request.Context(), groupID, reason); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Group not found"})
			return
		}
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "Cannot pause group",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Group paused"})
}

// Retry resumes a paused group and re-enqueues its pending cycle
func (ctrl *GroupController) Retry(c *gin.Context) {
	groupID, ok := ctrl.groupID(c)
	if !ok {
		return
	}

	if err := ctrl.scheduler.Resume(c.Request.Context(), groupID); err != nil {
		switch {
		case errors.Is(err, repositories.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Group not found"})
		case errors.Is(err, services.ErrNotPaused):
			c.JSON(http.StatusConflict, gin.H{"error": "Group is not paused"})
		default:
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "Cannot resume group",
				"details": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Group resumed"})
}

// GetState returns the group's cycle state and aggregates
func (ctrl *GroupController) GetState(c *gin.Context) {
	groupID, ok := ctrl.groupID(c)
	if !ok {
		return
	}

	group, err := ctrl.groupRepo.FindByID(c.Request.Context(), groupID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Group not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load group"})
		return
	}

	recentErrors, err := ctrl.jobLogRepo.ListByGroup(c.Request.Context(), groupID, 20)
	if err != nil {
		recentErrors = nil
	}

	c.JSON(http.StatusOK, gin.H{
		"data": gin.H{
			"status":          group.Status,
			"pause_reason":    group.PauseReason,
			"cycle_started":   group.CycleStarted,
			"next_cycle_date": group.NextCycleDate,
			"future_cycles":   group.FutureCycles,
			"aggregates": gin.H{
				"total_debited": group.TotalDebited.StringFixed(2),
				"total_pending": group.TotalPending.StringFixed(2),
				"total_success": group.TotalSuccess.StringFixed(2),
			},
			"recent_errors": recentErrors,
		},
	})
}

// ExportStatement streams the XLSX statement for a group
func (ctrl *GroupController) ExportStatement(c *gin.Context) {
	groupID, ok := ctrl.groupID(c)
	if !ok {
		return
	}

	data, err := ctrl.exports.ExportGroupStatement(c.Request.Context(), groupID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Group not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to build statement"})
		return
	}

	c.Header("Content-Disposition", "attachment; filename=group-statement.xlsx")
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", data)
}

// ExportReceipt streams the PDF receipt for one cycle's payout
func (ctrl *GroupController) ExportReceipt(c *gin.Context) {
	groupID, ok := ctrl.groupID(c)
	if !ok {
		return
	}
	cycle, err := strconv.Atoi(c.Param("cycle"))
	if err != nil || cycle < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cycle number"})
		return
	}

	data, err := ctrl.exports.ExportPayoutReceipt(c.Request.Context(), groupID, cycle)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Payout not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to build receipt"})
		return
	}

	c.Header("Content-Disposition", "attachment; filename=payout-receipt.pdf")
	c.Data(http.StatusOK, "application/pdf", data)
}

func (ctrl *GroupController) groupID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid group id"})
		return 0, false
	}
	return uint(id), true
}
