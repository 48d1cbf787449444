package retrieval

import (
	"time"

	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
)

// #region config
// RetrievalConfig holds limits for the gated memory query.
type RetrievalConfig struct {
	Timeout        time.Duration // store query deadline
	TopK           int           // facts and episodes kept after ranking
	MaxEvidenceLen int           // max chars per fact or episode event
	MaxEpisodeAge  time.Duration // 0 = no age limit
}

// DefaultConfig returns the retrieval defaults.
func DefaultConfig() RetrievalConfig {
	return RetrievalConfig{
		Timeout:        300 * time.Millisecond,
		TopK:           5,
		MaxEvidenceLen: 500,
		MaxEpisodeAge:  30 * 24 * time.Hour,
	}
}

// #endregion config

// #region evidence-record
// EvidenceRecord is a fact or episode before ranking.
type EvidenceRecord struct {
	ID      string
	Text    string
	Score   int // shared keywords with the utterance
	Episode *contracts.Episode
}

// #endregion evidence-record

// #region gate-result
// Source says where memory came from.
type Source string

const (
	SourceRequest Source = "request"
	SourceStore   Source = "store"
	SourceNone    Source = "none"
)

// GateResult captures the outcome of the gated query.
type GateResult struct {
	Source      Source
	Gate2Count  int // raw hits from the source
	Gate3Count  int // hits passing the consistency check
	Context     contracts.MemoryContext
	Unavailable bool
	Reason      string
}

// #endregion gate-result
