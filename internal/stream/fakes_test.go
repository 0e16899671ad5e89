package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/config"
	"chatrelay/internal/models"
	"chatrelay/internal/provider"
	"chatrelay/internal/redis"
	"chatrelay/internal/worker"
)

func newTestStore(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func testRelayConfig() config.RelayConfig {
	return config.RelayConfig{
		LogMaxLen:         1000,
		SessionTTL:        time.Hour,
		LogTTL:            time.Hour,
		IdleLogTTL:        time.Hour,
		PollBlock:         50 * time.Millisecond,
		PollBatch:         10,
		MaxIdle:           5 * time.Second,
		GenerationTimeout: 5 * time.Second,
	}
}

// fakeCompleter emits fragments in order, then returns err (or panics with panicValue).
type fakeCompleter struct {
	fragments  []string
	err        error
	panicValue any
	// gate, when set, is waited on before the first fragment.
	gate <-chan struct{}
}

func (f *fakeCompleter) Stream(ctx context.Context, _ provider.CompletionRequest, onFragment func(string) error) error {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, fragment := range f.fragments {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := onFragment(fragment); err != nil {
			return err
		}
	}
	if f.panicValue != nil {
		panic(f.panicValue)
	}
	return f.err
}

// memStore is an idempotent in-memory MessageStore.
type memStore struct {
	mu       sync.Mutex
	messages map[string]*models.Message
	writes   int
	failures int // number of upserts to fail before succeeding
}

func newMemStore() *memStore {
	return &memStore{messages: make(map[string]*models.Message)}
}

func (s *memStore) UpsertMessage(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("database unavailable")
	}
	copied := *msg
	s.messages[msg.ID] = &copied
	s.writes++
	return nil
}

func (s *memStore) get(id string) (*models.Message, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[id], s.writes
}

// goSubmitter runs every job on its own goroutine.
type goSubmitter struct {
	wg sync.WaitGroup
}

func (g *goSubmitter) Submit(job worker.Job) error {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		job.Task.Run(context.Background())
	}()
	return nil
}

// faultyLog wraps a real log and injects failures.
type faultyLog struct {
	Log

	mu sync.Mutex
	// failAppend fails the append with this 1-based call number; 0 never fails.
	failAppend int
	appends    int
	readErr    error
	existsErr  error
}

var errLogDown = errors.New("connection reset by peer")

func (f *faultyLog) Append(ctx context.Context, key string, fields map[string]interface{}, maxLen int64, ttl time.Duration) (string, error) {
	f.mu.Lock()
	f.appends++
	fail := f.appends == f.failAppend
	f.mu.Unlock()
	if fail {
		return "", errLogDown
	}
	return f.Log.Append(ctx, key, fields, maxLen, ttl)
}

func (f *faultyLog) ReadFrom(ctx context.Context, key, fromID string, count int64, block time.Duration) ([]redis.StreamRecord, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.Log.ReadFrom(ctx, key, fromID, count, block)
}

func (f *faultyLog) Exists(ctx context.Context, key string) (bool, error) {
	if f.existsErr != nil {
		return false, f.existsErr
	}
	return f.Log.Exists(ctx, key)
}

type busySubmitter struct{}

func (busySubmitter) Submit(worker.Job) error { return worker.ErrDispatcherBusy }

// collect attaches with the relay and returns every entry until it stops.
func collect(t *testing.T, relay *Relay, sessionID, fromID string) []Entry {
	t.Helper()
	var entries []Entry
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := relay.Attach(ctx, sessionID, fromID, func(e Entry) error {
		entries = append(entries, e)
		return nil
	})
	require.NoError(t, err)
	return entries
}

func eventTypes(entries []Entry) []EventType {
	out := make([]EventType, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Event.Type())
	}
	return out
}
