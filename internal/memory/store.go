// Package memory holds the long-term memory store clients.
package memory

import (
	"context"
	"errors"
	"time"

	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
)

// ErrClosed is returned by a closed store.
var ErrClosed = errors.New("memory store closed")

// #region types
// Query selects memory for one user.
type Query struct {
	UserID string
	Text   string
	Limit  int // per kind; 0 = store default
}

// Item is one stored fact.
type Item struct {
	ID   string
	Text string
}

// Hits is the raw result of a search, newest first.
type Hits struct {
	Facts    []Item
	Episodes []EpisodeItem
	Ref      string
}

// EpisodeItem is a stored episode with its store id.
type EpisodeItem struct {
	ID string
	contracts.Episode
}

// Store is the external memory interface.
type Store interface {
	Search(ctx context.Context, q Query) (Hits, error)
	AddFact(ctx context.Context, userID, text string) error
	AddEpisode(ctx context.Context, userID string, ep contracts.Episode) error
	// WriteDecision appends an encoded decision record.
	WriteDecision(ctx context.Context, userID, cycleID string, payload []byte) error
	Close() error
}

// #endregion types

const defaultLimit = 20

func limitOf(q Query) int {
	if q.Limit <= 0 {
		return defaultLimit
	}
	return q.Limit
}

func episodeTime(ep contracts.Episode) time.Time {
	if ep.Timestamp.IsZero() {
		return time.Now().UTC()
	}
	return ep.Timestamp.UTC()
}
