// Package profile loads the subscription state the admission policy needs.
// Profiles are owned by the account system; this package only reads them.
package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cuongbtq/automation-scheduler/internal/domain"
	"github.com/jmoiron/sqlx"
)

// ErrProfileNotFound is returned for a user id with no profile row
var ErrProfileNotFound = errors.New("user profile not found")

type profileRow struct {
	UserID           string         `db:"user_id"`
	SubscriptionTier sql.NullString `db:"subscription_tier"`
	TrialActionsUsed int            `db:"trial_actions_used"`
}

// Store reads user_profiles
type Store struct {
	db *sqlx.DB
}

// NewStore creates a profile store
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// GetUserContext builds the UserContext for userID. A missing or unknown tier
// is read as free.
func (s *Store) GetUserContext(ctx context.Context, userID string) (*domain.UserContext, error) {
	query := `
		SELECT user_id, subscription_tier, trial_actions_used
		FROM user_profiles
		WHERE user_id = $1
	`

	var row profileRow
	if err := s.db.GetContext(ctx, &row, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("failed to get user profile: %w", err)
	}

	return &domain.UserContext{
		UserID:           row.UserID,
		Tier:             domain.ParseTier(row.SubscriptionTier.String),
		TrialActionsUsed: row.TrialActionsUsed,
	}, nil
}
