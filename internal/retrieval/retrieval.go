// Package retrieval queries long-term memory for a decision cycle.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
	"github.com/danielpatrickdp/emate/decision-core/internal/memory"
)

// #region retriever
// Retriever orchestrates gated memory retrieval.
type Retriever struct {
	store  memory.Store
	config RetrievalConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewRetriever creates a Retriever. store may be nil, in which case only
// memory supplied with the request is used.
func NewRetriever(store memory.Store, config RetrievalConfig, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{store: store, config: config, logger: logger.Named("retrieval"), now: time.Now}
}

// #endregion retriever

// #region retrieve
// Retrieve runs the gated pipeline:
//  1. Source: memory supplied with the request wins over a store query
//  2. Query: the store is queried under Timeout
//  3. Consistency: drop empty, overlong, duplicate and stale items, rank by
//     keyword overlap with the utterance, keep TopK
//
// A store failure yields an empty context with Unavailable set and an error
// wrapping ErrMemoryUnavailable. The result is always usable.
func (r *Retriever) Retrieve(ctx context.Context, in contracts.InputState, supplied *contracts.MemoryInput) (GateResult, error) {
	result := GateResult{Source: SourceNone}
	var records []EvidenceRecord

	switch {
	case supplied != nil:
		result.Source = SourceRequest
		records = fromInput(*supplied)
	case r.store != nil:
		result.Source = SourceStore
		qctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
		hits, err := r.store.Search(qctx, memory.Query{UserID: in.UserID, Text: in.UserText})
		cancel()
		if err != nil {
			result.Unavailable = true
			result.Reason = "gate2: store query failed"
			err = fmt.Errorf("%w: %v", contracts.ErrMemoryUnavailable, err)
			r.logger.Warn("memory unavailable, continuing without memory",
				zap.String("session_id", in.SessionID), zap.Error(err))
			return result, err
		}
		result.Context.Ref = hits.Ref
		records = fromHits(hits)
	default:
		result.Reason = "gate1: no memory source"
		return result, nil
	}
	result.Gate2Count = len(records)

	kept := r.consistencyCheck(records)
	result.Gate3Count = len(kept)
	rank(kept, tokenize(in.UserText))

	facts, episodes := 0, 0
	for _, rec := range kept {
		if rec.Episode != nil {
			if episodes < r.config.TopK {
				result.Context.Episodes = append(result.Context.Episodes, *rec.Episode)
				episodes++
			}
			continue
		}
		if facts < r.config.TopK {
			result.Context.Facts = append(result.Context.Facts, rec.Text)
			facts++
		}
	}
	result.Reason = fmt.Sprintf("retrieved %d facts, %d episodes (gate2=%d, gate3=%d)",
		facts, episodes, result.Gate2Count, result.Gate3Count)
	return result, nil
}

func fromInput(in contracts.MemoryInput) []EvidenceRecord {
	out := make([]EvidenceRecord, 0, len(in.Facts)+len(in.Episodes))
	for i, f := range in.Facts {
		out = append(out, EvidenceRecord{ID: fmt.Sprintf("fact:%d", i), Text: strings.TrimSpace(f)})
	}
	for i, e := range in.Episodes {
		ep := contracts.Episode{Event: strings.TrimSpace(e.Event), Emotion: e.Emotion}
		if ts, err := time.Parse(time.RFC3339, e.TS); err == nil {
			ep.Timestamp = ts
		}
		out = append(out, EvidenceRecord{ID: fmt.Sprintf("episode:%d", i), Text: ep.Event, Episode: &ep})
	}
	return out
}

func fromHits(h memory.Hits) []EvidenceRecord {
	out := make([]EvidenceRecord, 0, len(h.Facts)+len(h.Episodes))
	for _, f := range h.Facts {
		out = append(out, EvidenceRecord{ID: f.ID, Text: f.Text})
	}
	for _, e := range h.Episodes {
		ep := e.Episode
		out = append(out, EvidenceRecord{ID: e.ID, Text: ep.Event, Episode: &ep})
	}
	return out
}

// rank orders records by keyword overlap, keeping source order on ties.
func rank(records []EvidenceRecord, query []string) {
	for i := range records {
		records[i].Score = sharedKeywords(query, tokenize(records[i].Text))
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].Score > records[j].Score })
}

// #endregion retrieve

// #region consistency-check
// consistencyCheck validates records against basic constraints:
//   - Non-empty text
//   - Text within MaxEvidenceLen
//   - No duplicate IDs or duplicate fact text
//   - Episodes not older than MaxEpisodeAge (undated episodes pass)
func (r *Retriever) consistencyCheck(results []EvidenceRecord) []EvidenceRecord {
	seenID := make(map[string]bool)
	seenText := make(map[string]bool)
	now := r.now()
	var valid []EvidenceRecord

	for _, rec := range results {
		if rec.Text == "" {
			continue
		}
		if r.config.MaxEvidenceLen > 0 && len(rec.Text) > r.config.MaxEvidenceLen {
			continue
		}
		if seenID[rec.ID] {
			continue
		}
		if rec.Episode == nil {
			norm := strings.ToLower(rec.Text)
			if seenText[norm] {
				continue
			}
			seenText[norm] = true
		} else if r.config.MaxEpisodeAge > 0 && !rec.Episode.Timestamp.IsZero() &&
			now.Sub(rec.Episode.Timestamp) > r.config.MaxEpisodeAge {
			continue
		}
		seenID[rec.ID] = true
		valid = append(valid, rec)
	}

	return valid
}

// #endregion consistency-check
