package pipeline

import (
	"sync"
	"time"

	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
)

// lastCycle is what the next cycle of a session needs from the previous one.
type lastCycle struct {
	CycleID  string
	StateKey contracts.StateKey
	ActionID string
	Input    contracts.InputState
	At       time.Time
}

// sessions remembers the latest cycle per session id. Entries older than ttl
// are treated as absent and swept once the map grows past maxSessions.
type sessions struct {
	mu          sync.Mutex
	ttl         time.Duration
	maxSessions int
	last        map[string]lastCycle
}

func newSessions(ttl time.Duration, maxSessions int) *sessions {
	if maxSessions <= 0 {
		maxSessions = 10000
	}
	return &sessions{ttl: ttl, maxSessions: maxSessions, last: make(map[string]lastCycle)}
}

// advance stores cur as the latest cycle of its session and returns the one
// it replaced, if still fresh. Cycles without a session id are not tracked.
func (s *sessions) advance(sessionID string, cur lastCycle) (lastCycle, bool) {
	if sessionID == "" {
		return lastCycle{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.last[sessionID]
	if ok && s.ttl > 0 && cur.At.Sub(prev.At) > s.ttl {
		ok = false
	}
	s.last[sessionID] = cur
	if len(s.last) > s.maxSessions {
		s.sweepLocked(cur.At)
	}
	return prev, ok
}

func (s *sessions) sweepLocked(now time.Time) {
	for id, c := range s.last {
		if s.ttl > 0 && now.Sub(c.At) > s.ttl {
			delete(s.last, id)
		}
	}
	// Still over the cap: drop the oldest.
	for len(s.last) > s.maxSessions {
		var oldestID string
		var oldest time.Time
		for id, c := range s.last {
			if oldestID == "" || c.At.Before(oldest) {
				oldestID, oldest = id, c.At
			}
		}
		delete(s.last, oldestID)
	}
}

func (s *sessions) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.last)
}
