package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/automation-scheduler/internal/api/dto"
	"github.com/cuongbtq/automation-scheduler/internal/domain"
	"github.com/cuongbtq/automation-scheduler/internal/queue"
	"github.com/gin-gonic/gin"
)

// StartAutomation handles POST /api/v1/automation/start
func (h *AutomationHandler) StartAutomation(c *gin.Context) {
	user, ok := CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	var req dto.StartAutomationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body",
			slog.String("user_id", user.UserID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	receipt, err := h.admission.Submit(c.Request.Context(), user, req.Params(), req.Secrets())
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrAdmissionDenied):
			c.JSON(http.StatusForbidden, gin.H{"error": "Free trial exhausted, upgrade to premium to continue"})
		case errors.Is(err, domain.ErrInvalidRequest):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.logger.Error("Failed to schedule automation",
				slog.String("user_id", user.UserID),
				slog.Any("error", err),
			)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to schedule automation"})
		}
		return
	}

	message := "Automation scheduled"
	if receipt.Duplicate {
		message = "Automation already scheduled"
	}

	c.JSON(http.StatusAccepted, dto.StartAutomationResponse{
		Message:     message,
		JobIdentity: receipt.Identity.String(),
		Duplicate:   receipt.Duplicate,
	})
}

// GetStatus handles GET /api/v1/automation/status
func (h *AutomationHandler) GetStatus(c *gin.Context) {
	user, ok := CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	status, err := h.inspector.Status(c.Request.Context(), domain.IdentityFor(user.UserID))
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "No automation scheduled"})
			return
		}
		h.logger.Error("Failed to get automation status",
			slog.String("user_id", user.UserID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get automation status"})
		return
	}

	c.JSON(http.StatusOK, dto.NewJobStatusResponse(status))
}

// ListFailures handles GET /api/v1/automation/failures.
// Callers only see their own history; user_id defaults to the caller.
func (h *AutomationHandler) ListFailures(c *gin.Context) {
	user, ok := CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	var req dto.ListFailuresRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid query parameters"})
		return
	}
	if req.UserID == "" {
		req.UserID = user.UserID
	}
	if req.UserID != user.UserID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Cannot read another user's history"})
		return
	}

	page, err := h.inspector.Failures(c.Request.Context(), queue.FailureFilter{
		UserID:   req.UserID,
		PageSize: req.PageSize,
		Cursor:   req.Cursor,
	})
	if err != nil {
		if errors.Is(err, queue.ErrInvalidCursor) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cursor"})
			return
		}
		h.logger.Error("Failed to list failures",
			slog.String("user_id", user.UserID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list failures"})
		return
	}

	c.JSON(http.StatusOK, dto.NewListFailuresResponse(page))
}
