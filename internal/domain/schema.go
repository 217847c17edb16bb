package domain

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// descriptorSchema pins the wire shape of a JobDescriptor. Credential values must
// look like hex(nonce):hex(ciphertext), so a plaintext secret cannot pass.
const descriptorSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["user_id", "credentials", "params", "rate_limits", "is_premium"],
  "properties": {
    "user_id": {"type": "string", "minLength": 1},
    "credentials": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {"type": "string", "pattern": "^[0-9a-f]{24}:[0-9a-f]{32,}$"}
    },
    "params": {
      "type": "object",
      "properties": {
        "twitter_username": {"type": "string"},
        "google_sheets_id": {"type": "string"},
        "keywords": {"type": "array", "items": {"type": "string"}},
        "message_templates": {"type": "array", "items": {"type": "string"}}
      }
    },
    "rate_limits": {
      "type": "object",
      "required": ["likes_per_day", "retweets_per_day", "comments_per_day", "direct_messages_per_day"],
      "properties": {
        "likes_per_day": {"type": "integer", "minimum": 0},
        "retweets_per_day": {"type": "integer", "minimum": 0},
        "comments_per_day": {"type": "integer", "minimum": 0},
        "direct_messages_per_day": {"type": "integer", "minimum": 0}
      }
    },
    "is_premium": {"type": "boolean"},
    "submitted_at": {"type": "string"}
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *gojsonschema.Schema
	schemaErr      error
)

func loadDescriptorSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(descriptorSchema))
	})
	return compiledSchema, schemaErr
}

// ValidateDescriptorJSON checks raw descriptor JSON against the descriptor schema
func ValidateDescriptorJSON(data []byte) error {
	schema, err := loadDescriptorSchema()
	if err != nil {
		return fmt.Errorf("failed to compile descriptor schema: %w", err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	if result.Valid() {
		return nil
	}

	// Field errors only; values are left out so a rejected secret is never echoed.
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, fmt.Sprintf("%s: %s", e.Field(), e.Type()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidDescriptor, strings.Join(msgs, "; "))
}
