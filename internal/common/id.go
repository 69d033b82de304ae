package common

import (
	"encoding/base64"

	"github.com/google/uuid"
)

// NewJobID generates a unique job ID with the "j_" prefix.
// Format: j_<12 base64url chars> derived from random UUID bytes; URL-safe and
// greppable in logs.
func NewJobID() string {
	u := uuid.New()
	return "j_" + base64.RawURLEncoding.EncodeToString(u[:])[:12]
}

// NewRequestID generates a request correlation ID with the "req_" prefix.
func NewRequestID() string {
	return "req_" + uuid.New().String()
}
