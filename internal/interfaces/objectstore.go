package interfaces

import (
	"context"
	"time"
)

// ObjectStore persists artifact bytes and mints time-limited read URLs
type ObjectStore interface {
	EnsureBucket(ctx context.Context) error
	PutBytes(ctx context.Context, key string, data []byte, contentType string) error
	PutJSON(ctx context.Context, key string, value interface{}) error
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
	HealthCheck(ctx context.Context) bool
}
