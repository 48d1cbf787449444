package writeback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
	"github.com/danielpatrickdp/emate/decision-core/internal/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// flakyStore fails the first n decision writes.
type flakyStore struct {
	*memory.InMemoryStore
	mu    sync.Mutex
	fails int
	calls int
}

func (f *flakyStore) WriteDecision(ctx context.Context, userID, cycleID string, payload []byte) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.fails
	f.mu.Unlock()
	if fail {
		return errors.New("redis: connection reset")
	}
	return f.InMemoryStore.WriteDecision(ctx, userID, cycleID, payload)
}

// blockingStore never completes a write until released.
type blockingStore struct {
	*memory.InMemoryStore
	release chan struct{}
}

func (b *blockingStore) WriteDecision(ctx context.Context, userID, cycleID string, payload []byte) error {
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.InMemoryStore.WriteDecision(ctx, userID, cycleID, payload)
}

func record(id string) contracts.DecisionRecord {
	return contracts.DecisionRecord{
		CycleID:   id,
		UserID:    "u1",
		CreatedAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		StateKey:  "rhythm=fragmented|health=stress_high|emotion=overwhelmed|goal=important_behind|env=unknown",
		InputState: contracts.NewInputState(contracts.InputState{
			UserText:      "remind me to finish the Phoenix draft by Friday",
			SpeechEmotion: contracts.EmotionStress,
			Intent:        contracts.IntentReminder,
			Entities:      map[string]string{"task": "Phoenix draft", "deadline": "friday"},
		}),
		FinalAction:  contracts.EnterFocusMode(45, "Phoenix draft"),
		ChosenPolicy: contracts.SourceHybrid,
		Reasoning:    "deadline pressure and stress favour a protected focus block",
	}
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	return cfg
}

func TestRoundTripKeepsFinalActionAndReasoning(t *testing.T) {
	rec := record("c1")
	b, err := Encode(rec)
	require.NoError(t, err)
	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, rec.FinalAction, got.FinalAction)
	assert.Equal(t, rec.Reasoning, got.Reasoning)
	assert.Contains(t, string(b), `"decision_reasoning"`)
	assert.Contains(t, string(b), `"final_action"`)
}

func TestAnnotate(t *testing.T) {
	rec := record("c1")
	Annotate(&rec)
	assert.Equal(t, ImportanceCritical, rec.Importance)
	assert.Contains(t, rec.Tags, "task:phoenix draft")
	assert.Contains(t, rec.Tags, "action:enter_focus_mode")

	calm := contracts.DecisionRecord{InputState: contracts.InputState{SpeechEmotion: contracts.EmotionCalm}, FinalAction: contracts.NoneAction()}
	Annotate(&calm)
	assert.Equal(t, ImportanceMedium, calm.Importance)

	stressed := contracts.DecisionRecord{InputState: contracts.InputState{SpeechEmotion: contracts.EmotionStress}}
	Annotate(&stressed)
	assert.Equal(t, ImportanceHigh, stressed.Importance)
}

func TestWriterRetriesThenStores(t *testing.T) {
	store := &flakyStore{InMemoryStore: memory.NewInMemoryStore(), fails: 2}
	w := NewWriter(store, fastConfig(), nil)
	results := make(chan Result, 1)
	w.OnResult(func(r Result) { results <- r })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.True(t, w.Enqueue(record("c1")))
	select {
	case r := <-results:
		require.NoError(t, r.Err)
		assert.Equal(t, 3, r.Attempts)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "writeback did not finish")
	}
	cancel()
	require.NoError(t, <-done)

	stored := store.Decisions()
	require.Len(t, stored, 1)
	got, err := Decode(stored[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "c1", got.CycleID)
	assert.Equal(t, ImportanceCritical, got.Importance)

	hits, err := store.Search(context.Background(), memory.Query{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, hits.Episodes, 1)
	assert.Contains(t, hits.Episodes[0].Event, "enter_focus_mode")
	assert.Equal(t, int64(1), w.Stats().Written)
}

func TestWriterGivesUpAfterBoundedRetries(t *testing.T) {
	store := &flakyStore{InMemoryStore: memory.NewInMemoryStore(), fails: 100}
	cfg := fastConfig()
	cfg.MaxRetries = 2
	w := NewWriter(store, cfg, nil)
	results := make(chan Result, 1)
	w.OnResult(func(r Result) { results <- r })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	w.Enqueue(record("c1"))
	r := <-results
	assert.Error(t, r.Err)
	assert.Equal(t, 3, r.Attempts)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int64(1), w.Stats().Failed)
}

func TestEnqueueNeverBlocks(t *testing.T) {
	store := &blockingStore{InMemoryStore: memory.NewInMemoryStore(), release: make(chan struct{})}
	cfg := fastConfig()
	cfg.QueueSize = 1
	w := NewWriter(store, cfg, nil)

	assert.True(t, w.Enqueue(record("c1")))
	start := time.Now()
	assert.False(t, w.Enqueue(record("c2")))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, int64(1), w.Stats().Dropped)
	assert.Equal(t, 1, w.Stats().Queued)
}

func TestRunDrainsQueueOnShutdown(t *testing.T) {
	store := memory.NewInMemoryStore()
	w := NewWriter(store, fastConfig(), nil)
	w.Enqueue(record("c1"))
	w.Enqueue(record("c2"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, w.Run(ctx))
	assert.Len(t, store.Decisions(), 2)
	assert.Zero(t, w.Stats().Queued)
}

func TestExtractFacts(t *testing.T) {
	assert.Equal(t, []string{"User is working on Phoenix draft (due friday)"}, ExtractFacts(record("c1")))

	rec := contracts.DecisionRecord{InputState: contracts.NewInputState(contracts.InputState{
		UserText:  "I prefer short sprints. Working on Atlas migration today",
		TimeOfDay: contracts.TimeMorning,
	})}
	assert.Equal(t, []string{
		"User is working on Atlas migration today",
		"User preference: I prefer short sprints",
		"User works in the morning",
	}, ExtractFacts(rec))

	chat := contracts.DecisionRecord{InputState: contracts.NewInputState(contracts.InputState{
		UserText:  "how is the weather",
		TimeOfDay: contracts.TimeEvening,
	})}
	assert.Empty(t, ExtractFacts(chat))

	focus := contracts.DecisionRecord{InputState: contracts.NewInputState(contracts.InputState{
		Intent:    contracts.IntentFocus,
		TimeOfDay: contracts.TimeNight,
	})}
	assert.Equal(t, []string{"User works in the night"}, ExtractFacts(focus))
}

// factFailStore fails the first n fact writes.
type factFailStore struct {
	*memory.InMemoryStore
	mu    sync.Mutex
	fails int
	calls int
}

func (f *factFailStore) AddFact(ctx context.Context, userID, text string) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.fails
	f.mu.Unlock()
	if fail {
		return errors.New("redis: timeout")
	}
	return f.InMemoryStore.AddFact(ctx, userID, text)
}

func TestWriterStoresFactsOnce(t *testing.T) {
	store := &factFailStore{InMemoryStore: memory.NewInMemoryStore(), fails: 1}
	w := NewWriter(store, fastConfig(), nil)
	results := make(chan Result, 2)
	w.OnResult(func(r Result) { results <- r })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	for _, id := range []string{"c1", "c2"} {
		require.True(t, w.Enqueue(record(id)))
		select {
		case r := <-results:
			require.NoError(t, r.Err)
		case <-time.After(5 * time.Second):
			require.FailNow(t, "writeback did not finish")
		}
	}
	cancel()
	require.NoError(t, <-done)

	hits, err := store.Search(context.Background(), memory.Query{UserID: "u1", Limit: 10})
	require.NoError(t, err)
	require.Len(t, hits.Facts, 1)
	assert.Equal(t, "User is working on Phoenix draft (due friday)", hits.Facts[0].Text)
	// the retried attempt does not repeat the episode
	assert.Len(t, hits.Episodes, 2)
	assert.Len(t, store.Decisions(), 2)
}
