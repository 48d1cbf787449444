package memory

import (
	"context"
	"strconv"
	"sync"

	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
)

// DecisionEntry is a decision record held by InMemoryStore.
type DecisionEntry struct {
	UserID  string
	CycleID string
	Payload []byte
}

// InMemoryStore is a process-local Store for tests and single-shot runs.
type InMemoryStore struct {
	mu        sync.RWMutex
	seq       int
	facts     map[string][]Item
	episodes  map[string][]EpisodeItem
	decisions []DecisionEntry
	closed    bool
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		facts:    make(map[string][]Item),
		episodes: make(map[string][]EpisodeItem),
	}
}

func (s *InMemoryStore) nextID() string {
	s.seq++
	return strconv.Itoa(s.seq)
}

// Search returns the newest facts and episodes of the user.
func (s *InMemoryStore) Search(ctx context.Context, q Query) (Hits, error) {
	if err := ctx.Err(); err != nil {
		return Hits{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Hits{}, ErrClosed
	}
	n := limitOf(q)
	var h Hits
	facts := s.facts[q.UserID]
	for i := len(facts) - 1; i >= 0 && len(h.Facts) < n; i-- {
		h.Facts = append(h.Facts, facts[i])
	}
	eps := s.episodes[q.UserID]
	for i := len(eps) - 1; i >= 0 && len(h.Episodes) < n; i-- {
		h.Episodes = append(h.Episodes, eps[i])
	}
	h.Ref = "mem:" + q.UserID + ":" + strconv.Itoa(s.seq)
	return h, nil
}

// AddFact appends a fact. A fact already known for the user moves to the
// newest position instead of being stored twice.
func (s *InMemoryStore) AddFact(ctx context.Context, userID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	facts := s.facts[userID]
	for i, f := range facts {
		if f.Text == text {
			facts = append(facts[:i], facts[i+1:]...)
			break
		}
	}
	s.facts[userID] = append(facts, Item{ID: s.nextID(), Text: text})
	return nil
}

// AddEpisode appends an episode.
func (s *InMemoryStore) AddEpisode(ctx context.Context, userID string, ep contracts.Episode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	ep.Timestamp = episodeTime(ep)
	s.episodes[userID] = append(s.episodes[userID], EpisodeItem{ID: s.nextID(), Episode: ep})
	return nil
}

// WriteDecision stores a copy of payload.
func (s *InMemoryStore) WriteDecision(ctx context.Context, userID, cycleID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.decisions = append(s.decisions, DecisionEntry{UserID: userID, CycleID: cycleID, Payload: append([]byte(nil), payload...)})
	return nil
}

// Decisions returns the stored decision records.
func (s *InMemoryStore) Decisions() []DecisionEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]DecisionEntry(nil), s.decisions...)
}

// Close marks the store closed.
func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
