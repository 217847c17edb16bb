package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// IdentityPrefix prefixes every automation job identity
const IdentityPrefix = "automation:"

// Credential field names accepted by the caller boundary
const (
	CredentialTwitterPassword       = "twitter_password"
	CredentialGoogleCredentialsJSON = "google_credentials_json"
)

// JobIdentity is the deterministic dedup key of a queued job
type JobIdentity string

// IdentityFor derives the job identity owned by userID
func IdentityFor(userID string) JobIdentity {
	return JobIdentity(IdentityPrefix + userID)
}

// UserID returns the owning user encoded in the identity
func (id JobIdentity) UserID() string {
	return strings.TrimPrefix(string(id), IdentityPrefix)
}

func (id JobIdentity) String() string {
	return string(id)
}

// CredentialBundle maps credential field names to plaintext secrets.
// It must never leave the admission call or the worker's execution stack.
type CredentialBundle map[string]string

// EncryptedCredentials maps credential field names to encrypted blobs
type EncryptedCredentials map[string]string

// AutomationParams are the non-secret settings of an automation run
type AutomationParams struct {
	TwitterUsername  string   `json:"twitter_username"`
	GoogleSheetsID   string   `json:"google_sheets_id"`
	Keywords         []string `json:"keywords,omitempty"`
	MessageTemplates []string `json:"message_templates,omitempty"`
}

// JobDescriptor is the payload carried by the queue
type JobDescriptor struct {
	UserID      string               `json:"user_id"`
	Credentials EncryptedCredentials `json:"credentials"`
	Params      AutomationParams     `json:"params"`
	RateLimits  RateLimitProfile     `json:"rate_limits"`
	IsPremium   bool                 `json:"is_premium"`
	SubmittedAt time.Time            `json:"submitted_at"`
}

// Identity returns the job identity of the descriptor
func (d *JobDescriptor) Identity() JobIdentity {
	return IdentityFor(d.UserID)
}

// EncodeDescriptor validates d against the descriptor schema and marshals it
func EncodeDescriptor(d *JobDescriptor) ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job descriptor: %w", err)
	}
	if err := ValidateDescriptorJSON(data); err != nil {
		return nil, err
	}
	return data, nil
}

// DecodeDescriptor validates a queued payload and unmarshals it
func DecodeDescriptor(data []byte) (*JobDescriptor, error) {
	if err := ValidateDescriptorJSON(data); err != nil {
		return nil, err
	}
	var d JobDescriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	return &d, nil
}
