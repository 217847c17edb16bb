// Package engine is the boundary between the worker and the automation that
// acts on a user's accounts. The worker hands an Engine a RunConfig holding
// decrypted credentials; the engine owns the external effects and must keep
// each action kind within the RateLimitProfile it is given.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/cuongbtq/automation-scheduler/internal/domain"
)

// ErrLimitExceeded is returned when a run performed more actions than allowed
var ErrLimitExceeded = errors.New("rate limit exceeded")

// RunConfig is everything an engine needs for one run. Credentials are
// plaintext and must not be logged; LogValue omits them.
type RunConfig struct {
	Identity    domain.JobIdentity      `json:"job_identity"`
	UserID      string                  `json:"user_id"`
	Attempt     int                     `json:"attempt"`
	Credentials domain.CredentialBundle `json:"credentials"`
	Params      domain.AutomationParams `json:"params"`
	RateLimits  domain.RateLimitProfile `json:"rate_limits"`
	IsPremium   bool                    `json:"is_premium"`
}

// LogValue implements slog.LogValuer
func (c *RunConfig) LogValue() slog.Value {
	fields := make([]string, 0, len(c.Credentials))
	for name := range c.Credentials {
		fields = append(fields, name)
	}
	sort.Strings(fields)

	return slog.GroupValue(
		slog.String("job_identity", c.Identity.String()),
		slog.String("user_id", c.UserID),
		slog.Int("attempt", c.Attempt),
		slog.Bool("is_premium", c.IsPremium),
		slog.Any("credential_fields", fields),
		slog.Int("keywords", len(c.Params.Keywords)),
	)
}

// Engine runs one automation job to completion
type Engine interface {
	Run(ctx context.Context, cfg *RunConfig) error
}

// Func adapts a function to Engine
type Func func(ctx context.Context, cfg *RunConfig) error

// Run calls f
func (f Func) Run(ctx context.Context, cfg *RunConfig) error {
	return f(ctx, cfg)
}

// Usage counts the actions a run performed
type Usage struct {
	Likes          int `json:"likes"`
	Retweets       int `json:"retweets"`
	Comments       int `json:"comments"`
	DirectMessages int `json:"direct_messages"`
}

// CheckUsage fails with ErrLimitExceeded naming every kind over its cap
func CheckUsage(limits domain.RateLimitProfile, u Usage) error {
	var over []string
	check := func(kind string, used, limit int) {
		if used > limit {
			over = append(over, fmt.Sprintf("%s %d/%d", kind, used, limit))
		}
	}
	check("likes", u.Likes, limits.LikesPerDay)
	check("retweets", u.Retweets, limits.RetweetsPerDay)
	check("comments", u.Comments, limits.CommentsPerDay)
	check("direct_messages", u.DirectMessages, limits.DirectMessagesPerDay)

	if len(over) > 0 {
		return fmt.Errorf("%w: %v", ErrLimitExceeded, over)
	}
	return nil
}
