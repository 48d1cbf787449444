package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
)

// #region config
// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	MaxFacts  int64 // list trim length per user
	MaxStream int64 // approximate stream length
}

// #endregion config

// #region client
// RedisStore keeps facts in a list, episodes and decision records in streams.
type RedisStore struct {
	rdb *redis.Client
	cfg RedisConfig
}

// NewRedisStore connects and pings.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "emate"
	}
	if cfg.MaxFacts <= 0 {
		cfg.MaxFacts = 500
	}
	if cfg.MaxStream <= 0 {
		cfg.MaxStream = 10000
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisStore{rdb: rdb, cfg: cfg}, nil
}

func (s *RedisStore) factsKey(user string) string    { return s.cfg.KeyPrefix + ":" + user + ":facts" }
func (s *RedisStore) episodesKey(user string) string { return s.cfg.KeyPrefix + ":" + user + ":episodes" }
func (s *RedisStore) decisionsKey() string           { return s.cfg.KeyPrefix + ":decisions" }

// #endregion client

// #region read
// Search reads the newest facts and episodes of the user in one pipeline.
func (s *RedisStore) Search(ctx context.Context, q Query) (Hits, error) {
	n := int64(limitOf(q))
	pipe := s.rdb.Pipeline()
	factsCmd := pipe.LRange(ctx, s.factsKey(q.UserID), 0, n-1)
	epsCmd := pipe.XRevRangeN(ctx, s.episodesKey(q.UserID), "+", "-", n)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Hits{}, fmt.Errorf("redis search: %w", err)
	}

	var h Hits
	facts, _ := factsCmd.Result()
	for i, f := range facts {
		h.Facts = append(h.Facts, Item{ID: fmt.Sprintf("%s#%d", s.factsKey(q.UserID), i), Text: f})
	}
	msgs, _ := epsCmd.Result()
	for _, m := range msgs {
		ep := contracts.Episode{
			Event:   str(m.Values["event"]),
			Emotion: str(m.Values["emotion"]),
		}
		if ts, err := time.Parse(time.RFC3339, str(m.Values["ts"])); err == nil {
			ep.Timestamp = ts
		}
		h.Episodes = append(h.Episodes, EpisodeItem{ID: m.ID, Episode: ep})
	}
	if len(msgs) > 0 {
		h.Ref = s.episodesKey(q.UserID) + "@" + msgs[0].ID
	}
	return h, nil
}

func str(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// #endregion read

// #region write
// AddFact pushes a fact to the head of the user's list, removing an earlier
// copy of the same text.
func (s *RedisStore) AddFact(ctx context.Context, userID, text string) error {
	key := s.factsKey(userID)
	pipe := s.rdb.TxPipeline()
	pipe.LRem(ctx, key, 0, text)
	pipe.LPush(ctx, key, text)
	pipe.LTrim(ctx, key, 0, s.cfg.MaxFacts-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis add fact: %w", err)
	}
	return nil
}

// AddEpisode appends an episode to the user's stream.
func (s *RedisStore) AddEpisode(ctx context.Context, userID string, ep contracts.Episode) error {
	err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.episodesKey(userID),
		MaxLen: s.cfg.MaxStream,
		Approx: true,
		Values: map[string]interface{}{
			"event":   ep.Event,
			"emotion": ep.Emotion,
			"ts":      episodeTime(ep).Format(time.RFC3339),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis add episode: %w", err)
	}
	return nil
}

// WriteDecision appends the record to the shared decision stream.
func (s *RedisStore) WriteDecision(ctx context.Context, userID, cycleID string, payload []byte) error {
	err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.decisionsKey(),
		MaxLen: s.cfg.MaxStream,
		Approx: true,
		Values: map[string]interface{}{
			"user_id":  userID,
			"cycle_id": cycleID,
			"record":   payload,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis write decision: %w", err)
	}
	return nil
}

// Close closes the connection.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// RawClient returns the underlying client.
func (s *RedisStore) RawClient() *redis.Client {
	return s.rdb
}

// #endregion write
