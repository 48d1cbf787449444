package replay

import (
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"

	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
	"github.com/danielpatrickdp/emate/decision-core/internal/state"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description  string               `json:"description"`
	Persona      string               `json:"persona"`
	StartEntries []FixtureEntry       `json:"start_entries"`
	Config       FixtureConfig        `json:"config"`
	Interactions []FixtureInteraction `json:"interactions"`
}

// FixtureEntry is one Q-table row present before the replay.
type FixtureEntry struct {
	StateKey    string  `json:"state_key"`
	ActionID    string  `json:"action_id"`
	Value       float64 `json:"value"`
	UpdateCount int     `json:"update_count"`
}

// FixtureInteraction is one recorded cycle: what the device reported, what
// memory said, and the reward the chosen action earned.
type FixtureInteraction struct {
	TurnID         string                    `json:"turn_id"`
	Perception     contracts.PerceptionInput `json:"perception_input"`
	Memory         *contracts.MemoryInput    `json:"memory_input,omitempty"`
	Reward         *float64                  `json:"reward,omitempty"`
	ExpectedAction string                    `json:"expected_action,omitempty"`
}

// FixtureConfig bundles the learning and gate settings of a run.
type FixtureConfig struct {
	UpdateConfig FixtureUpdateConfig `json:"update_config"`
	GateConfig   FixtureGateConfig   `json:"gate_config"`
}

// FixtureUpdateConfig mirrors update.UpdateConfig with JSON tags.
type FixtureUpdateConfig struct {
	LearningRate      float64 `json:"learning_rate"`
	MinLearningRate   float64 `json:"min_learning_rate"`
	LearningRateDecay float64 `json:"learning_rate_decay"`
	Discount          float64 `json:"discount"`
	MaxDelta          float64 `json:"max_delta"`
}

// FixtureGateConfig mirrors gate.GateConfig with JSON tags.
type FixtureGateConfig struct {
	RewardBound float64 `json:"reward_bound"`
	MaxAbsValue float64 `json:"max_abs_value"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	if len(f.Interactions) == 0 {
		return nil, fmt.Errorf("fixture %s has no interactions", path)
	}
	return &f, nil
}

// ToEntries converts the start rows into snapshot entries of version.
func (f *Fixture) ToEntries(version string) []state.Entry {
	out := make([]state.Entry, 0, len(f.StartEntries))
	for _, e := range f.StartEntries {
		out = append(out, state.Entry{
			StateKey:           e.StateKey,
			ActionID:           e.ActionID,
			Value:              e.Value,
			UpdateCount:        e.UpdateCount,
			DiscretizerVersion: version,
		})
	}
	return out
}

// ToInteraction converts a FixtureInteraction into a request for the
// perception stage.
func (fi *FixtureInteraction) ToInteraction(sessionID string) Interaction {
	return Interaction{
		TurnID: fi.TurnID,
		Request: contracts.DecisionRequest{
			SessionID:  sessionID,
			UserID:     "replay",
			Perception: fi.Perception,
			Memory:     fi.Memory,
		},
		Reward:         fi.Reward,
		ExpectedAction: fi.ExpectedAction,
	}
}

// ToReplayConfig converts a FixtureConfig to a ReplayConfig. Zero fields keep
// their defaults.
func (fc *FixtureConfig) ToReplayConfig(discretizerVersion string) ReplayConfig {
	cfg := DefaultReplayConfig(discretizerVersion)
	u := fc.UpdateConfig
	if u.LearningRate > 0 {
		cfg.UpdateConfig.LearningRate = u.LearningRate
	}
	if u.MinLearningRate > 0 {
		cfg.UpdateConfig.MinLearningRate = u.MinLearningRate
	}
	if u.LearningRateDecay > 0 {
		cfg.UpdateConfig.LearningRateDecay = u.LearningRateDecay
	}
	if u.Discount > 0 {
		cfg.UpdateConfig.Discount = u.Discount
	}
	if u.MaxDelta > 0 {
		cfg.UpdateConfig.MaxDelta = u.MaxDelta
	}
	if fc.GateConfig.RewardBound > 0 {
		cfg.GateConfig.RewardBound = fc.GateConfig.RewardBound
	}
	if fc.GateConfig.MaxAbsValue > 0 {
		cfg.GateConfig.MaxAbsValue = fc.GateConfig.MaxAbsValue
	}
	return cfg
}

// #endregion fixture-loader
