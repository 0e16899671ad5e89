package stream

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"chatrelay/internal/metrics"
	"chatrelay/internal/models"
)

// MessageStore persists assistant messages.
type MessageStore interface {
	// UpsertMessage inserts the message or replaces the one with the same ID.
	// Implementations must be idempotent: repeated calls with the same message leave one row,
	// and the last write wins.
	UpsertMessage(ctx context.Context, msg *models.Message) error
}

// Finalizer saves the assistant message of a completed session at most once per guard TTL.
type Finalizer struct {
	kv       KV
	store    MessageStore
	guardTTL time.Duration
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func NewFinalizer(kv KV, store MessageStore, guardTTL time.Duration, m *metrics.Metrics, logger *zap.Logger) *Finalizer {
	if guardTTL <= 0 {
		guardTTL = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Finalizer{kv: kv, store: store, guardTTL: guardTTL, metrics: m, logger: logger}
}

// Finalize upserts the completed message. It reports false without writing when another
// consumer already claimed the session. A failed write releases the claim so a later
// attachment can retry.
func (f *Finalizer) Finalize(ctx context.Context, info SessionInfo, end EndEvent) (bool, error) {
	claimed, err := f.kv.SetNX(ctx, finalKey(info.SessionID), info.MessageID, f.guardTTL)
	if err != nil {
		f.metrics.Finalized("failed")
		return false, fmt.Errorf("claim finalization: %w", err)
	}
	if !claimed {
		f.metrics.Finalized("skipped")
		return false, nil
	}

	createdAt := end.Timestamp
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	msg := &models.Message{
		ID:        info.MessageID,
		ChatID:    info.ChatID,
		Role:      models.RoleAssistant,
		Content:   end.FullContent,
		CreatedAt: createdAt.UTC(),
	}
	if err := f.store.UpsertMessage(ctx, msg); err != nil {
		if delErr := f.kv.Del(context.WithoutCancel(ctx), finalKey(info.SessionID)); delErr != nil {
			f.logger.Error("release finalization claim failed", zap.String("session_id", info.SessionID), zap.Error(delErr))
		}
		f.metrics.Finalized("failed")
		return false, fmt.Errorf("save assistant message: %w", err)
	}
	f.metrics.Finalized("saved")
	return true, nil
}
