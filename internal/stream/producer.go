package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"chatrelay/internal/metrics"
	"chatrelay/internal/provider"
)

// Completer streams completion fragments. provider.Provider implements it.
type Completer interface {
	Stream(ctx context.Context, req provider.CompletionRequest, onFragment func(string) error) error
}

type ProducerOptions struct {
	// MaxLen trims each log to its newest entries.
	MaxLen int64
	// IdleTTL is refreshed on every append so abandoned logs expire.
	IdleTTL time.Duration
	// DoneTTL applies once the terminal event is written.
	DoneTTL time.Duration
	// TerminalTimeout bounds the terminal append, which runs on a fresh context.
	TerminalTimeout time.Duration
}

// Producer writes one session's events to its log. It never touches persistence.
type Producer struct {
	log     Log
	opts    ProducerOptions
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewProducer(log Log, opts ProducerOptions, m *metrics.Metrics, logger *zap.Logger) *Producer {
	if opts.MaxLen <= 0 {
		opts.MaxLen = 1000
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = time.Hour
	}
	if opts.DoneTTL <= 0 {
		opts.DoneTTL = time.Hour
	}
	if opts.TerminalTimeout <= 0 {
		opts.TerminalTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{log: log, opts: opts, metrics: m, logger: logger}
}

func (p *Producer) append(ctx context.Context, sessionID string, ev Event, ttl time.Duration) (string, error) {
	id, err := p.log.Append(ctx, logKey(sessionID), encodeEvent(ev), p.opts.MaxLen, ttl)
	if err != nil {
		return "", fmt.Errorf("append %s event: %w", ev.Type(), err)
	}
	p.metrics.EventAppended(string(ev.Type()))
	return id, nil
}

// Open writes the start event, creating the log.
func (p *Producer) Open(ctx context.Context, sessionID, model string) error {
	_, err := p.append(ctx, sessionID, StartEvent{Model: model, Timestamp: time.Now()}, p.opts.IdleTTL)
	return err
}

// Run streams the completion into the session log and always writes exactly one terminal event:
// end on success, error on provider failure, append failure, cancellation or panic.
func (p *Producer) Run(ctx context.Context, sessionID string, req provider.CompletionRequest, c Completer) (err error) {
	started := time.Now()
	var full strings.Builder

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("generation panicked", zap.String("session_id", sessionID), zap.Any("panic", r))
			err = fmt.Errorf("generation panicked: %v", r)
		}
		if termErr := p.terminate(sessionID, full.String(), time.Since(started), err); termErr != nil {
			err = errors.Join(err, termErr)
		}
	}()

	err = c.Stream(ctx, req, func(fragment string) error {
		if fragment == "" {
			return nil
		}
		full.WriteString(fragment)
		_, appendErr := p.append(ctx, sessionID, TokenEvent{
			Content:     fragment,
			FullContent: full.String(),
			Timestamp:   time.Now(),
		}, p.opts.IdleTTL)
		return appendErr
	})
	if err == nil {
		err = ctx.Err()
	}
	return err
}

// Fail terminates a session that will never run, e.g. when its job was rejected.
func (p *Producer) Fail(sessionID string, cause error) error {
	return p.terminate(sessionID, "", 0, cause)
}

func (p *Producer) terminate(sessionID, content string, elapsed time.Duration, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.TerminalTimeout)
	defer cancel()

	var ev Event
	if cause == nil {
		ev = EndEvent{FullContent: content, TotalTime: elapsed, Timestamp: time.Now()}
	} else {
		ev = ErrorEvent{Error: describeFailure(cause), Timestamp: time.Now()}
	}
	if _, err := p.append(ctx, sessionID, ev, p.opts.DoneTTL); err != nil {
		p.logger.Error("terminal append failed", zap.String("session_id", sessionID), zap.Error(err))
		return err
	}
	p.metrics.SessionTerminated(string(ev.Type()))
	return nil
}

func describeFailure(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "generation timed out"
	case errors.Is(err, context.Canceled):
		return "generation cancelled"
	default:
		return err.Error()
	}
}
