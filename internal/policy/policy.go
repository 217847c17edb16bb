// Package policy decides whether a user may start an automation job and under
// which daily caps. Evaluation is a pure function of the UserContext.
package policy

import (
	"errors"
	"fmt"

	"github.com/cuongbtq/automation-scheduler/internal/domain"
)

// DefaultTrialLimit is the number of trial actions a free user may spend
const DefaultTrialLimit = 3

// ErrTrialExhausted is the denial reason for free users past the trial limit
var ErrTrialExhausted = fmt.Errorf("%w: trial exhausted", domain.ErrAdmissionDenied)

// DefaultFreeProfile returns the caps granted to free trial users
func DefaultFreeProfile() domain.RateLimitProfile {
	return domain.RateLimitProfile{
		LikesPerDay:          5,
		RetweetsPerDay:       5,
		CommentsPerDay:       5,
		DirectMessagesPerDay: 0,
	}
}

// DefaultPremiumProfile returns the caps granted to premium users
func DefaultPremiumProfile() domain.RateLimitProfile {
	return domain.RateLimitProfile{
		LikesPerDay:          100,
		RetweetsPerDay:       25,
		CommentsPerDay:       25,
		DirectMessagesPerDay: 30,
	}
}

// Config holds the tier profiles and trial allowance
type Config struct {
	TrialLimit int
	Free       domain.RateLimitProfile
	Premium    domain.RateLimitProfile
	// AllowFreeDirectMessages must be set for a non-zero free DM cap
	AllowFreeDirectMessages bool
}

// DefaultConfig returns the stock policy
func DefaultConfig() Config {
	return Config{
		TrialLimit: DefaultTrialLimit,
		Free:       DefaultFreeProfile(),
		Premium:    DefaultPremiumProfile(),
	}
}

// Validate checks the profile invariants
func (c Config) Validate() error {
	if c.TrialLimit < 0 {
		return fmt.Errorf("trial limit must not be negative, got %d", c.TrialLimit)
	}
	if err := c.Free.Validate(); err != nil {
		return fmt.Errorf("free profile: %w", err)
	}
	if err := c.Premium.Validate(); err != nil {
		return fmt.Errorf("premium profile: %w", err)
	}
	if c.Free.DirectMessagesPerDay != 0 && !c.AllowFreeDirectMessages {
		return errors.New("free profile direct message cap must be 0 unless allow_free_direct_messages is set")
	}
	if !c.Premium.Covers(c.Free) {
		return errors.New("premium profile caps must be greater than or equal to free caps")
	}
	if c.Premium.DirectMessagesPerDay == 0 {
		return errors.New("premium profile must enable direct messages")
	}
	return nil
}

// Evaluator applies the admission rules
type Evaluator struct {
	cfg Config
}

// NewEvaluator validates cfg and returns an Evaluator
func NewEvaluator(cfg Config) (*Evaluator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy config: %w", err)
	}
	return &Evaluator{cfg: cfg}, nil
}

// TrialLimit returns the configured trial allowance
func (e *Evaluator) TrialLimit() int {
	return e.cfg.TrialLimit
}

// Evaluate returns the caps for user, or ErrTrialExhausted.
// Rules are applied in order: premium tier, then remaining trial, then deny.
// Unknown tiers are treated as free.
func (e *Evaluator) Evaluate(user domain.UserContext) (domain.RateLimitProfile, error) {
	if user.Tier.IsPremium() {
		return e.cfg.Premium, nil
	}

	if user.TrialActionsUsed < e.cfg.TrialLimit {
		return e.cfg.Free, nil
	}

	return domain.RateLimitProfile{}, ErrTrialExhausted
}
