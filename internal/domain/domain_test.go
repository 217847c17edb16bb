package domain

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleBlob = "00112233445566778899aabb:00112233445566778899aabbccddeeff"

func validDescriptor() *JobDescriptor {
	return &JobDescriptor{
		UserID: "u1",
		Credentials: EncryptedCredentials{
			CredentialTwitterPassword: sampleBlob,
		},
		Params: AutomationParams{
			TwitterUsername: "bot",
			GoogleSheetsID:  "sheet-1",
			Keywords:        []string{"golang"},
		},
		RateLimits:  RateLimitProfile{LikesPerDay: 5, RetweetsPerDay: 5, CommentsPerDay: 5},
		SubmittedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestIdentityFor(t *testing.T) {
	id := IdentityFor("u1")
	assert.Equal(t, JobIdentity("automation:u1"), id)
	assert.Equal(t, "u1", id.UserID())
	assert.Equal(t, id, IdentityFor("u1"), "identity must be stable across calls")
}

func TestParseTier(t *testing.T) {
	tests := []struct {
		in   string
		want Tier
	}{
		{"premium", TierPremium},
		{" Premium ", TierPremium},
		{"free", TierFree},
		{"gold", TierFree},
		{"", TierFree},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseTier(tt.in))
		})
	}
	assert.False(t, Tier("enterprise").IsPremium())
}

func TestRateLimitProfile(t *testing.T) {
	free := RateLimitProfile{LikesPerDay: 5, RetweetsPerDay: 5, CommentsPerDay: 5}
	premium := RateLimitProfile{LikesPerDay: 100, RetweetsPerDay: 25, CommentsPerDay: 25, DirectMessagesPerDay: 30}

	assert.True(t, premium.Covers(free))
	assert.False(t, free.Covers(premium))
	assert.NoError(t, free.Validate())

	err := RateLimitProfile{LikesPerDay: -1}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "likes_per_day")
}

func TestEncodeDecodeDescriptor(t *testing.T) {
	d := validDescriptor()

	data, err := EncodeDescriptor(d)
	require.NoError(t, err)

	decoded, err := DecodeDescriptor(data)
	require.NoError(t, err)
	assert.Equal(t, d.UserID, decoded.UserID)
	assert.Equal(t, d.Credentials, decoded.Credentials)
	assert.Equal(t, d.Params, decoded.Params)
	assert.Equal(t, d.Identity(), decoded.Identity())
}

func TestEncodeDescriptor_RejectsPlaintextCredential(t *testing.T) {
	d := validDescriptor()
	d.Credentials[CredentialGoogleCredentialsJSON] = `{"type":"service_account"}`

	data, err := EncodeDescriptor(d)
	require.Error(t, err)
	assert.Nil(t, data)
	assert.True(t, errors.Is(err, ErrInvalidDescriptor))
	assert.NotContains(t, err.Error(), "service_account")
}

func TestDecodeDescriptor_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `{{`},
		{"missing user", `{"credentials":{"a":"` + sampleBlob + `"},"params":{},"rate_limits":{"likes_per_day":0,"retweets_per_day":0,"comments_per_day":0,"direct_messages_per_day":0},"is_premium":false}`},
		{"no credentials", `{"user_id":"u1","credentials":{},"params":{},"rate_limits":{"likes_per_day":0,"retweets_per_day":0,"comments_per_day":0,"direct_messages_per_day":0},"is_premium":false}`},
		{"negative cap", `{"user_id":"u1","credentials":{"a":"` + sampleBlob + `"},"params":{},"rate_limits":{"likes_per_day":-1,"retweets_per_day":0,"comments_per_day":0,"direct_messages_per_day":0},"is_premium":false}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := DecodeDescriptor([]byte(tt.payload))
			require.Error(t, err)
			assert.Nil(t, d)
			assert.True(t, errors.Is(err, ErrInvalidDescriptor))
		})
	}
}

func TestExecutionOutcome(t *testing.T) {
	ok := Succeeded()
	assert.True(t, ok.IsSuccess())
	assert.Empty(t, ok.Reason())

	failed := Failed(StageRunning, NewEngineError(errors.New("login rejected")))
	assert.False(t, failed.IsSuccess())
	assert.Equal(t, StageRunning, failed.Stage)
	assert.True(t, strings.HasPrefix(failed.Reason(), "engine error"))

	var engineErr *EngineError
	assert.True(t, errors.As(failed.Err, &engineErr))
}
