package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chatrelay/internal/redis"
)

var ErrSessionNotFound = errors.New("session not found")

// SessionInfo identifies one streamed generation. It never changes after creation.
type SessionInfo struct {
	SessionID string    `json:"session_id"`
	MessageID string    `json:"message_id"`
	ChatID    string    `json:"chat_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Registry maps session ids to their SessionInfo for a bounded time.
type Registry struct {
	kv  KV
	ttl time.Duration
}

func NewRegistry(kv KV, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Registry{kv: kv, ttl: ttl}
}

// Create stores a new session under a fresh random id.
func (r *Registry) Create(ctx context.Context, userID, chatID, messageID string) (*SessionInfo, error) {
	info := &SessionInfo{
		SessionID: uuid.NewString(),
		MessageID: messageID,
		ChatID:    chatID,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	if err := r.kv.Set(ctx, sessionKey(info.SessionID), payload, r.ttl); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	return info, nil
}

// Get returns ErrSessionNotFound once the session expired or never existed.
func (r *Registry) Get(ctx context.Context, sessionID string) (*SessionInfo, error) {
	if sessionID == "" {
		return nil, ErrSessionNotFound
	}
	raw, err := r.kv.Get(ctx, sessionKey(sessionID))
	if err != nil {
		if errors.Is(err, redis.ErrCacheMiss) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	var info SessionInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &info, nil
}
