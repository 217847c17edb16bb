package router

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cuongbtq/automation-scheduler/internal/api/handler"
	"github.com/cuongbtq/automation-scheduler/internal/api/profile"
	"github.com/gin-gonic/gin"
)

// UserIDHeader carries the caller identity set by the upstream gateway
const UserIDHeader = "X-User-ID"

// LoggerMiddleware logs HTTP requests with slog. Bodies are never logged.
func LoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		attrs := []any{
			slog.Int("status", c.Writer.Status()),
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("ip", c.ClientIP()),
			slog.Duration("latency", time.Since(start)),
			slog.Int("body_size", c.Writer.Size()),
		}
		if user, ok := handler.CurrentUser(c); ok {
			attrs = append(attrs, slog.String("user_id", user.UserID))
		}
		logger.Info("HTTP Request", attrs...)

		for _, e := range c.Errors {
			logger.Error("Request error",
				slog.String("error", e.Error()),
				slog.Uint64("type", uint64(e.Type)),
			)
		}
	}
}

// CORSMiddleware handles Cross-Origin Resource Sharing
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, "+UserIDHeader)
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Authenticate resolves the gateway-supplied user id into a UserContext
func Authenticate(profiles handler.ProfileLoader, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(UserIDHeader))
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}

		user, err := profiles.GetUserContext(c.Request.Context(), userID)
		if err != nil {
			if errors.Is(err, profile.ErrProfileNotFound) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unknown user"})
				return
			}
			logger.Error("Failed to load user profile",
				slog.String("user_id", userID),
				slog.Any("error", err),
			)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to load user profile"})
			return
		}

		c.Set(handler.UserContextKey, *user)
		c.Next()
	}
}
