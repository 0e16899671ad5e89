package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrStreamGone is reported when a log vanished before its terminal event.
	ErrStreamGone = errors.New("stream no longer exists")
	// ErrStreamStalled is reported when a log received nothing for longer than the idle cap.
	ErrStreamStalled = errors.New("stream stalled")
)

// StartCursor replays a log from its first entry.
const StartCursor = "0"

type RelayOptions struct {
	PollBlock time.Duration
	PollBatch int64
	MaxIdle   time.Duration
}

// Relay replays and tails session logs.
type Relay struct {
	log    Log
	opts   RelayOptions
	logger *zap.Logger
}

func NewRelay(log Log, opts RelayOptions, logger *zap.Logger) *Relay {
	if opts.PollBlock <= 0 {
		opts.PollBlock = 3 * time.Second
	}
	if opts.PollBatch <= 0 {
		opts.PollBatch = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{log: log, opts: opts, logger: logger}
}

// Attach delivers the entries after fromID to sink in log order and returns after the first
// terminal event. Read and decode failures, a vanished log or an idle log end the attachment
// with a synthetic error entry. Resuming at or past the terminal entry replays that entry.
// ctx cancellation returns ctx.Err() without an event; sink errors are returned unchanged.
func (r *Relay) Attach(ctx context.Context, sessionID, fromID string, sink func(Entry) error) error {
	key := logKey(sessionID)
	pos := fromID
	if pos == "" {
		pos = StartCursor
	}
	// a resume position at or past the terminal entry gets nothing from XREAD
	tailChecked := pos == StartCursor
	lastActivity := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		records, err := r.log.ReadFrom(ctx, key, pos, r.opts.PollBatch, r.opts.PollBlock)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			r.logger.Warn("read stream failed", zap.String("session_id", sessionID), zap.Error(err))
			return sink(synthetic(fmt.Sprintf("read stream: %v", err)))
		}

		if len(records) == 0 {
			exists, err := r.log.Exists(ctx, key)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				return sink(synthetic(fmt.Sprintf("read stream: %v", err)))
			}
			if !exists {
				return sink(synthetic(ErrStreamGone.Error()))
			}
			if !tailChecked {
				tailChecked = true
				terminal, err := r.terminalAtOrBefore(ctx, key, pos)
				if err != nil {
					if ctxErr := ctx.Err(); ctxErr != nil {
						return ctxErr
					}
					return sink(synthetic(fmt.Sprintf("read stream: %v", err)))
				}
				if terminal != nil {
					return sink(*terminal)
				}
			}
			if r.opts.MaxIdle > 0 && time.Since(lastActivity) >= r.opts.MaxIdle {
				r.logger.Warn("stream stalled", zap.String("session_id", sessionID), zap.Duration("idle", time.Since(lastActivity)))
				return sink(synthetic(ErrStreamStalled.Error()))
			}
			continue
		}

		lastActivity = time.Now()
		for _, rec := range records {
			pos = rec.ID
			ev, err := decodeEvent(rec.Fields)
			if err != nil {
				r.logger.Warn("decode stream entry failed", zap.String("session_id", sessionID), zap.String("entry_id", rec.ID), zap.Error(err))
				return sink(synthetic(err.Error()))
			}
			if err := sink(Entry{ID: rec.ID, Event: ev}); err != nil {
				return err
			}
			if ev.Done() {
				return nil
			}
		}
	}
}

// terminalAtOrBefore returns the log's terminal entry when the log has ended at or before pos.
func (r *Relay) terminalAtOrBefore(ctx context.Context, key, pos string) (*Entry, error) {
	last, err := r.log.Last(ctx, key)
	if err != nil || last == nil {
		return nil, err
	}
	at, err := parseCursor(pos)
	if err != nil {
		return nil, err
	}
	lastID, err := parseCursor(last.ID)
	if err != nil {
		return nil, err
	}
	if lastID.after(at) {
		return nil, nil
	}
	ev, err := decodeEvent(last.Fields)
	if err != nil || !ev.Done() {
		return nil, nil
	}
	return &Entry{ID: last.ID, Event: ev}, nil
}

func synthetic(msg string) Entry {
	return Entry{Event: ErrorEvent{Error: msg, Timestamp: time.Now()}}
}
