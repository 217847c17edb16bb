package domain

import (
	"fmt"
	"strings"
)

// Tier is a subscription tier
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// ParseTier normalizes a stored tier value. Anything that is not recognised
// as premium maps to free.
func ParseTier(s string) Tier {
	if strings.EqualFold(strings.TrimSpace(s), string(TierPremium)) {
		return TierPremium
	}
	return TierFree
}

// IsPremium reports whether the tier grants premium limits
func (t Tier) IsPremium() bool {
	return t == TierPremium
}

// UserContext describes the authenticated caller of one admission request
type UserContext struct {
	UserID           string
	Tier             Tier
	TrialActionsUsed int
}

// RateLimitProfile holds per-action daily caps handed to the automation engine
type RateLimitProfile struct {
	LikesPerDay          int `json:"likes_per_day" yaml:"likes_per_day"`
	RetweetsPerDay       int `json:"retweets_per_day" yaml:"retweets_per_day"`
	CommentsPerDay       int `json:"comments_per_day" yaml:"comments_per_day"`
	DirectMessagesPerDay int `json:"direct_messages_per_day" yaml:"direct_messages_per_day"`
}

// Validate checks that every cap is non-negative
func (p RateLimitProfile) Validate() error {
	caps := map[string]int{
		"likes_per_day":           p.LikesPerDay,
		"retweets_per_day":        p.RetweetsPerDay,
		"comments_per_day":        p.CommentsPerDay,
		"direct_messages_per_day": p.DirectMessagesPerDay,
	}
	for name, v := range caps {
		if v < 0 {
			return fmt.Errorf("%s must not be negative, got %d", name, v)
		}
	}
	return nil
}

// Covers reports whether every cap in p is at least the matching cap in other
func (p RateLimitProfile) Covers(other RateLimitProfile) bool {
	return p.LikesPerDay >= other.LikesPerDay &&
		p.RetweetsPerDay >= other.RetweetsPerDay &&
		p.CommentsPerDay >= other.CommentsPerDay &&
		p.DirectMessagesPerDay >= other.DirectMessagesPerDay
}
