// Package cache holds the short-lived shared state: cached session reports
// and the live-channel presence claims.
package cache

import (
	"context"
	"time"
)

var (
	_ Cache    = (*RedisCache)(nil)
	_ Cache    = (*MemoryCache)(nil)
	_ Presence = (*RedisPresence)(nil)
	_ Presence = (*MemoryPresence)(nil)
)

// Cache stores JSON-encoded values. A value that no longer decodes is
// dropped and reported as a miss.
type Cache interface {
	GetJSON(ctx context.Context, key string, dst any) (hit bool, err error)
	SetJSON(ctx context.Context, key string, val any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// ReportKey is where the assembled session report is cached.
func ReportKey(sessionID string) string { return "report:" + sessionID }

func presenceKey(sessionID string) string { return "presence:" + sessionID }
