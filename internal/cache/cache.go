package cache

import (
	"context"
	"time"
)

// Cache is the volatile tier: scalar, list and set keys with TTL.
// Get reports a miss as ok=false with a nil error.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error

	RPush(ctx context.Context, key string, values ...string) (int64, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
	LLen(ctx context.Context, key string) (int64, error)
	// ReplaceList atomically swaps the list contents and sets its TTL.
	ReplaceList(ctx context.Context, key string, values []string, ttl time.Duration) error

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SMembers(ctx context.Context, key string) ([]string, error)

	// AcquireToken sets key to token only if absent.
	AcquireToken(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// ReleaseToken deletes key only while it still holds token.
	ReleaseToken(ctx context.Context, key, token string) error

	Ping(ctx context.Context) error
}
