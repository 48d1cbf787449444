package memory

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
)

func TestInMemoryStoreNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	require.NoError(t, s.AddFact(ctx, "u1", "Phoenix is top priority"))
	require.NoError(t, s.AddFact(ctx, "u1", "prefers mornings"))
	require.NoError(t, s.AddFact(ctx, "u2", "other user"))
	require.NoError(t, s.AddEpisode(ctx, "u1", contracts.Episode{Event: "interrupted", Emotion: "frustration"}))

	h, err := s.Search(ctx, Query{UserID: "u1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, h.Facts, 1)
	assert.Equal(t, "prefers mornings", h.Facts[0].Text)
	require.Len(t, h.Episodes, 1)
	assert.False(t, h.Episodes[0].Timestamp.IsZero())
	assert.NotEmpty(t, h.Ref)
}

func TestInMemoryStoreDedupesFacts(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	require.NoError(t, s.AddFact(ctx, "u1", "User works in the morning"))
	require.NoError(t, s.AddFact(ctx, "u1", "User is working on Phoenix"))
	require.NoError(t, s.AddFact(ctx, "u1", "User works in the morning"))

	h, err := s.Search(ctx, Query{UserID: "u1", Limit: 10})
	require.NoError(t, err)
	require.Len(t, h.Facts, 2)
	assert.Equal(t, "User works in the morning", h.Facts[0].Text)
	assert.Equal(t, "User is working on Phoenix", h.Facts[1].Text)
}

func TestInMemoryStoreClosed(t *testing.T) {
	s := NewInMemoryStore()
	require.NoError(t, s.Close())
	_, err := s.Search(context.Background(), Query{UserID: "u"})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.WriteDecision(context.Background(), "u", "c", []byte("{}")), ErrClosed)
}

func TestInMemoryStoreHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewInMemoryStore().Search(ctx, Query{UserID: "u"})
	assert.ErrorIs(t, err, context.Canceled)
}

// setupRedis connects to EMATE_TEST_REDIS or skips.
func setupRedis(t *testing.T) *RedisStore {
	addr := os.Getenv("EMATE_TEST_REDIS")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	s, err := NewRedisStore(context.Background(), RedisConfig{Addr: addr, KeyPrefix: "emate-test:" + t.Name()})
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return s
}

func TestRedisStoreRoundTrip(t *testing.T) {
	s := setupRedis(t)
	defer s.Close()
	ctx := context.Background()
	defer s.RawClient().Del(ctx, s.factsKey("u1"), s.episodesKey("u1"), s.decisionsKey())

	require.NoError(t, s.AddFact(ctx, "u1", "Phoenix is top priority"))
	require.NoError(t, s.AddFact(ctx, "u1", "Phoenix is top priority"))
	ts := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.AddEpisode(ctx, "u1", contracts.Episode{Event: "interrupted", Emotion: "frustration", Timestamp: ts}))
	require.NoError(t, s.WriteDecision(ctx, "u1", "c1", []byte(`{"cycle_id":"c1"}`)))

	h, err := s.Search(ctx, Query{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, h.Facts, 1)
	assert.Equal(t, "Phoenix is top priority", h.Facts[0].Text)
	require.Len(t, h.Episodes, 1)
	assert.Equal(t, "frustration", h.Episodes[0].Emotion)
	assert.True(t, ts.Equal(h.Episodes[0].Timestamp))
	assert.NotEmpty(t, h.Ref)
}
