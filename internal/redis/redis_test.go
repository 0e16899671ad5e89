package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestAppendTrimsAndRefreshesTTL(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := client.Append(ctx, "stream:a", map[string]interface{}{"n": i}, 3, time.Minute)
		require.NoError(t, err)
	}

	recs, err := client.ReadFrom(ctx, "stream:a", "0", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "2", recs[0].Fields["n"])
	assert.Equal(t, "4", recs[2].Fields["n"])
	assert.Equal(t, time.Minute, mr.TTL("stream:a"))
}

func TestReadFromTimesOutEmpty(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	id, err := client.Append(ctx, "stream:b", map[string]interface{}{"type": "start"}, 0, 0)
	require.NoError(t, err)

	recs, err := client.ReadFrom(ctx, "stream:b", id, 10, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestReadFromWakesOnAppend(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	id, err := client.Append(ctx, "stream:c", map[string]interface{}{"type": "start"}, 0, 0)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = client.Append(ctx, "stream:c", map[string]interface{}{"type": "token"}, 0, 0)
	}()

	recs, err := client.ReadFrom(ctx, "stream:c", id, 10, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "token", recs[0].Fields["type"])
}

func TestExistsExpireSetNX(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	ok, err := client.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	set, err := client.SetNX(ctx, "k", "1", time.Minute)
	require.NoError(t, err)
	assert.True(t, set)
	set, err = client.SetNX(ctx, "k", "2", time.Minute)
	require.NoError(t, err)
	assert.False(t, set)

	require.NoError(t, client.Expire(ctx, "k", time.Hour))
	assert.Equal(t, time.Hour, mr.TTL("k"))

	ok, err = client.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = client.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestNilClientIsSafe(t *testing.T) {
	var c *Client
	assert.Error(t, c.Set(context.Background(), "k", "v", 0))
	assert.NoError(t, c.Close())
	_, err := c.Last(context.Background(), "k")
	assert.Error(t, err)
}

func TestLastReturnsNewestEntry(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	rec, err := client.Last(ctx, "stream:d")
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, err = client.Append(ctx, "stream:d", map[string]interface{}{"type": "start"}, 0, 0)
	require.NoError(t, err)
	id, err := client.Append(ctx, "stream:d", map[string]interface{}{"type": "end"}, 0, 0)
	require.NoError(t, err)

	rec, err = client.Last(ctx, "stream:d")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, "end", rec.Fields["type"])
}
