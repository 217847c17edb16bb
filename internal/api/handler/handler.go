package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/automation-scheduler/internal/admission"
	"github.com/cuongbtq/automation-scheduler/internal/domain"
	"github.com/cuongbtq/automation-scheduler/internal/queue"
	"github.com/gin-gonic/gin"
)

// UserContextKey is the gin context key the auth middleware stores the caller under
const UserContextKey = "user_context"

// Submitter schedules automation jobs
type Submitter interface {
	Submit(ctx context.Context, user domain.UserContext, params domain.AutomationParams, secrets domain.CredentialBundle) (*admission.Receipt, error)
}

// ProfileLoader resolves an authenticated user id to its UserContext
type ProfileLoader interface {
	GetUserContext(ctx context.Context, userID string) (*domain.UserContext, error)
}

// HealthCheck reports whether one dependency is usable
type HealthCheck func(ctx context.Context) error

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger       *slog.Logger
	Admission    Submitter
	Inspector    queue.Inspector
	Profiles     ProfileLoader
	HealthChecks map[string]HealthCheck
}

// AutomationHandler handles automation HTTP requests
type AutomationHandler struct {
	logger    *slog.Logger
	admission Submitter
	inspector queue.Inspector
}

// NewAutomationHandler creates a new AutomationHandler instance
func NewAutomationHandler(deps *Dependencies) *AutomationHandler {
	return &AutomationHandler{
		logger:    deps.Logger,
		admission: deps.Admission,
		inspector: deps.Inspector,
	}
}

// CurrentUser returns the caller stored by the auth middleware
func CurrentUser(c *gin.Context) (domain.UserContext, bool) {
	v, ok := c.Get(UserContextKey)
	if !ok {
		return domain.UserContext{}, false
	}
	user, ok := v.(domain.UserContext)
	return user, ok
}
