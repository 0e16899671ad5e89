package stream

import (
	"context"
	"time"

	"chatrelay/internal/redis"
)

// Log is the durable per-session append log. *redis.Client implements it over Redis Streams.
type Log interface {
	Append(ctx context.Context, key string, fields map[string]interface{}, maxLen int64, ttl time.Duration) (string, error)
	ReadFrom(ctx context.Context, key, fromID string, count int64, block time.Duration) ([]redis.StreamRecord, error)
	Exists(ctx context.Context, key string) (bool, error)
	// Last returns the newest entry, nil when the log is empty.
	Last(ctx context.Context, key string) (*redis.StreamRecord, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// KV holds session records and finalization guards.
type KV interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
}

var (
	_ Log = (*redis.Client)(nil)
	_ KV  = (*redis.Client)(nil)
)

const (
	logKeyPrefix     = "stream:"
	sessionKeyPrefix = "stream_session:"
	finalKeyPrefix   = "stream_final:"
)

func logKey(sessionID string) string     { return logKeyPrefix + sessionID }
func sessionKey(sessionID string) string { return sessionKeyPrefix + sessionID }
func finalKey(sessionID string) string   { return finalKeyPrefix + sessionID }
