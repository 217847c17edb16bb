package policy

import (
	"errors"
	"testing"

	"github.com/cuongbtq/automation-scheduler/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDefaultEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	e, err := NewEvaluator(DefaultConfig())
	require.NoError(t, err)
	return e
}

func TestEvaluate(t *testing.T) {
	e := newDefaultEvaluator(t)

	tests := []struct {
		name       string
		user       domain.UserContext
		want       domain.RateLimitProfile
		wantDenied bool
	}{
		{
			name: "free user with fresh trial",
			user: domain.UserContext{UserID: "u1", Tier: domain.TierFree, TrialActionsUsed: 0},
			want: DefaultFreeProfile(),
		},
		{
			name: "free user one action before the limit",
			user: domain.UserContext{UserID: "u1", Tier: domain.TierFree, TrialActionsUsed: 2},
			want: DefaultFreeProfile(),
		},
		{
			name:       "free user at the limit",
			user:       domain.UserContext{UserID: "u1", Tier: domain.TierFree, TrialActionsUsed: 3},
			wantDenied: true,
		},
		{
			name:       "free user past the limit",
			user:       domain.UserContext{UserID: "u2", Tier: domain.TierFree, TrialActionsUsed: 5},
			wantDenied: true,
		},
		{
			name: "premium user ignores trial counter",
			user: domain.UserContext{UserID: "u3", Tier: domain.TierPremium, TrialActionsUsed: 500},
			want: DefaultPremiumProfile(),
		},
		{
			name: "unknown tier treated as free",
			user: domain.UserContext{UserID: "u4", Tier: domain.Tier("platinum"), TrialActionsUsed: 1},
			want: DefaultFreeProfile(),
		},
		{
			name:       "unknown tier past the limit is denied",
			user:       domain.UserContext{UserID: "u4", Tier: domain.Tier("platinum"), TrialActionsUsed: 3},
			wantDenied: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(tt.user)
			if tt.wantDenied {
				require.Error(t, err)
				assert.True(t, errors.Is(err, domain.ErrAdmissionDenied))
				assert.True(t, errors.Is(err, ErrTrialExhausted))
				assert.Contains(t, err.Error(), "trial exhausted")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_DirectMessageCaps(t *testing.T) {
	e := newDefaultEvaluator(t)

	free, err := e.Evaluate(domain.UserContext{UserID: "u1", Tier: domain.TierFree, TrialActionsUsed: 2})
	require.NoError(t, err)
	assert.Equal(t, 0, free.DirectMessagesPerDay)

	premium, err := e.Evaluate(domain.UserContext{UserID: "u1", Tier: domain.TierPremium, TrialActionsUsed: 99})
	require.NoError(t, err)
	assert.Greater(t, premium.DirectMessagesPerDay, 0)
	assert.True(t, premium.Covers(free))
}

func TestEvaluate_Deterministic(t *testing.T) {
	e := newDefaultEvaluator(t)
	user := domain.UserContext{UserID: "u1", Tier: domain.TierFree, TrialActionsUsed: 1}

	first, err := e.Evaluate(user)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		got, err := e.Evaluate(user)
		require.NoError(t, err)
		assert.Equal(t, first, got)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{
			name:      "negative trial limit",
			mutate:    func(c *Config) { c.TrialLimit = -1 },
			errString: "trial limit must not be negative",
		},
		{
			name:      "negative free cap",
			mutate:    func(c *Config) { c.Free.LikesPerDay = -5 },
			errString: "free profile",
		},
		{
			name:      "free direct messages without opt-in",
			mutate:    func(c *Config) { c.Free.DirectMessagesPerDay = 2 },
			errString: "direct message cap must be 0",
		},
		{
			name: "free direct messages with opt-in",
			mutate: func(c *Config) {
				c.Free.DirectMessagesPerDay = 2
				c.AllowFreeDirectMessages = true
			},
		},
		{
			name:      "premium below free",
			mutate:    func(c *Config) { c.Premium.RetweetsPerDay = 1 },
			errString: "premium profile caps must be greater than or equal",
		},
		{
			name:      "premium without direct messages",
			mutate:    func(c *Config) { c.Premium.DirectMessagesPerDay = 0 },
			errString: "premium profile must enable direct messages",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			e, err := NewEvaluator(cfg)
			if tt.errString == "" {
				require.NoError(t, err)
				assert.Equal(t, cfg.TrialLimit, e.TrialLimit())
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
			assert.Nil(t, e)
		})
	}
}
