package stream

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatrelay/internal/config"
	"chatrelay/internal/metrics"
	"chatrelay/internal/provider"
	"chatrelay/internal/worker"
)

const finalizeTimeout = 10 * time.Second

// Store is the Redis surface the relay needs. *redis.Client implements it.
type Store interface {
	Log
	KV
}

// Submitter queues background jobs. *worker.Dispatcher implements it.
type Submitter interface {
	Submit(job worker.Job) error
}

// BeginRequest starts streamed generation of one assistant message.
type BeginRequest struct {
	UserID string
	ChatID string
	// MessageID is the id the assistant message will be saved under; generated when empty.
	MessageID  string
	Completer  Completer
	Completion provider.CompletionRequest
}

// Handle is returned to the caller of Begin.
type Handle struct {
	SessionID string    `json:"session_id"`
	MessageID string    `json:"message_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Service is the relay boundary: Begin starts a generation in the background and Attach follows it.
type Service struct {
	registry          *Registry
	producer          *Producer
	relay             *Relay
	finalizer         *Finalizer
	jobs              Submitter
	generationTimeout time.Duration
	metrics           *metrics.Metrics
	logger            *zap.Logger
}

func NewService(store Store, messages MessageStore, jobs Submitter, cfg config.RelayConfig, m *metrics.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.GenerationTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Service{
		registry: NewRegistry(store, cfg.SessionTTL),
		producer: NewProducer(store, ProducerOptions{
			MaxLen:  cfg.LogMaxLen,
			IdleTTL: cfg.IdleLogTTL,
			DoneTTL: cfg.LogTTL,
		}, m, logger.Named("producer")),
		relay: NewRelay(store, RelayOptions{
			PollBlock: cfg.PollBlock,
			PollBatch: cfg.PollBatch,
			MaxIdle:   cfg.MaxIdle,
		}, logger.Named("relay")),
		finalizer:         NewFinalizer(store, messages, cfg.LogTTL, m, logger.Named("finalizer")),
		jobs:              jobs,
		generationTimeout: timeout,
		metrics:           m,
		logger:            logger,
	}
}

// Begin registers a session, writes its start event and queues the generation. The returned
// handle is attachable immediately. worker.ErrDispatcherBusy is returned when the queue is full;
// the session is then terminated with an error event.
func (s *Service) Begin(ctx context.Context, req BeginRequest) (*Handle, error) {
	if req.Completer == nil {
		return nil, errors.New("begin: completer required")
	}
	messageID := req.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}
	info, err := s.registry.Create(ctx, req.UserID, req.ChatID, messageID)
	if err != nil {
		return nil, err
	}
	if err := s.producer.Open(ctx, info.SessionID, req.Completion.Model); err != nil {
		return nil, err
	}

	task := &generationTask{
		service:    s,
		sessionID:  info.SessionID,
		completer:  req.Completer,
		completion: req.Completion,
	}
	if err := s.jobs.Submit(worker.Job{Type: worker.JobGenerate, UserID: req.UserID, Task: task}); err != nil {
		s.metrics.Job(string(worker.JobGenerate), "rejected")
		if failErr := s.producer.Fail(info.SessionID, err); failErr != nil {
			s.logger.Error("terminate rejected session", zap.String("session_id", info.SessionID), zap.Error(failErr))
		}
		return nil, err
	}
	s.metrics.SessionStarted()
	s.logger.Info("session started",
		zap.String("session_id", info.SessionID),
		zap.String("chat_id", info.ChatID),
		zap.String("user_id", info.UserID),
		zap.String("model", req.Completion.Model),
	)
	return &Handle{SessionID: info.SessionID, MessageID: info.MessageID, CreatedAt: info.CreatedAt}, nil
}

// Attach streams the session's events to sink, starting after fromID ("" replays everything).
// ErrSessionNotFound is returned before any event when the session is unknown, expired or owned
// by another user, and ErrInvalidCursor when fromID is not a log entry id. The assistant message is saved when the end event is observed; a failed save
// is reported to the client as a terminal error.
func (s *Service) Attach(ctx context.Context, userID, sessionID, fromID string, sink func(ClientEvent) error) error {
	if err := ValidateCursor(fromID); err != nil {
		return err
	}
	info, err := s.registry.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if info.UserID != userID {
		return ErrSessionNotFound
	}

	detach := s.metrics.Attached()
	defer detach()

	return s.relay.Attach(ctx, sessionID, fromID, func(entry Entry) error {
		if end, ok := entry.Event.(EndEvent); ok {
			if err := s.finalize(ctx, *info, end); err != nil {
				s.logger.Error("finalize failed", zap.String("session_id", sessionID), zap.Error(err))
				return sink(ClientEvent{Done: true, ID: info.MessageID, Error: "failed to save message"})
			}
		}
		ev, ok := toClientEvent(entry, info.MessageID)
		if !ok {
			return nil
		}
		return sink(ev)
	})
}

// finalize outlives the client connection.
func (s *Service) finalize(ctx context.Context, info SessionInfo, end EndEvent) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	saved, err := s.finalizer.Finalize(ctx, info, end)
	if err != nil {
		return err
	}
	if saved {
		s.logger.Info("assistant message saved", zap.String("session_id", info.SessionID), zap.String("message_id", info.MessageID))
	}
	return nil
}

// Session exposes the registry record of a session.
func (s *Service) Session(ctx context.Context, sessionID string) (*SessionInfo, error) {
	return s.registry.Get(ctx, sessionID)
}

type generationTask struct {
	service    *Service
	sessionID  string
	completer  Completer
	completion provider.CompletionRequest
}

// Run executes on a worker. ctx belongs to the dispatcher, not to any request.
func (t *generationTask) Run(ctx context.Context) {
	s := t.service
	ctx, cancel := context.WithTimeout(ctx, s.generationTimeout)
	defer cancel()

	started := time.Now()
	err := s.producer.Run(ctx, t.sessionID, t.completion, t.completer)
	if err != nil {
		s.metrics.Job(string(worker.JobGenerate), "failed")
		s.logger.Warn("generation failed",
			zap.String("session_id", t.sessionID),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err),
		)
		return
	}
	s.metrics.Job(string(worker.JobGenerate), "ok")
	s.logger.Info("generation finished", zap.String("session_id", t.sessionID), zap.Duration("elapsed", time.Since(started)))
}

// Abort terminates the session when the dispatcher drops the job without running it.
func (t *generationTask) Abort(err error) {
	s := t.service
	s.metrics.Job(string(worker.JobGenerate), "aborted")
	if failErr := s.producer.Fail(t.sessionID, err); failErr != nil {
		s.logger.Error("terminate aborted session", zap.String("session_id", t.sessionID), zap.Error(failErr))
		return
	}
	s.logger.Warn("generation aborted", zap.String("session_id", t.sessionID), zap.Error(err))
}
