package gate

import "github.com/danielpatrickdp/emate/decision-core/internal/update"

// #region veto-type
// VetoType enumerates hard veto categories.
type VetoType string

const (
	VetoInvalidReward VetoType = "invalid_reward"
	VetoRewardBound   VetoType = "reward_out_of_bounds"
	VetoStaleState    VetoType = "stale_discretizer"
	VetoUnknownAction VetoType = "unknown_action"
	VetoValueCap      VetoType = "value_cap"
)

// #endregion veto-type

// #region veto-signal
// VetoSignal represents a detected hard veto condition.
type VetoSignal struct {
	Type   VetoType
	Reason string
}

// #endregion veto-signal

// #region proposal
// Proposal is a computed Q update awaiting commit.
type Proposal struct {
	StateKey           string
	ActionID           string
	DiscretizerVersion string
	Reward             float64
	KnownAction        bool
	Result             update.UpdateResult
}

// #endregion proposal

// #region gate-config
// GateConfig holds thresholds for gate decisions.
type GateConfig struct {
	RewardBound        float64 // |R| above this is rejected
	MaxAbsValue        float64 // |Q| above this is rejected
	DiscretizerVersion string  // updates for other versions are stale
}

// DefaultGateConfig returns the defaults used by the micro policy.
func DefaultGateConfig(discretizerVersion string) GateConfig {
	return GateConfig{
		RewardBound:        10.0,
		MaxAbsValue:        100.0,
		DiscretizerVersion: discretizerVersion,
	}
}

// #endregion gate-config

// #region gate-decision
// GateDecision is the output of the gate evaluation.
type GateDecision struct {
	Action      string // "commit" | "reject"
	Reason      string
	Vetoed      bool
	VetoSignals []VetoSignal // non-empty if vetoed
	SoftScore   float64      // 0-1 stability score (for logging)
}

// #endregion gate-decision
