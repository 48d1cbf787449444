package update

// #region update-context
// UpdateContext carries one reward observation into the pure update function.
type UpdateContext struct {
	StateKey    string
	ActionID    string
	Reward      float64
	UpdateCount int
	// NextMax is max_a' Q(s',a'). Nil means s' was unavailable and the update
	// is terminal.
	NextMax *float64
}

// #endregion update-context

// #region decision
// Decision records what the update function decided.
type Decision struct {
	Action string // "commit" | "no_op"
	Reason string
}

// #endregion decision

// #region metrics
// Metrics captures telemetry from one update.
type Metrics struct {
	Alpha    float64
	Target   float64
	TDError  float64
	Delta    float64
	Clamped  bool
	Terminal bool
}

// #endregion metrics

// #region update-config
// UpdateConfig holds the learning parameters of the Q rule.
type UpdateConfig struct {
	LearningRate      float64 // initial alpha (default 0.3)
	MinLearningRate   float64 // alpha floor as update_count grows (default 0.05)
	LearningRateDecay float64 // alpha_n = alpha / (1 + decay*n) (default 0.01)
	Discount          float64 // gamma (default 0.85)
	MaxDelta          float64 // per-update clamp on |alpha*td| (0 = disabled)
}

// DefaultUpdateConfig returns the defaults used by the micro policy.
func DefaultUpdateConfig() UpdateConfig {
	return UpdateConfig{
		LearningRate:      0.3,
		MinLearningRate:   0.05,
		LearningRateDecay: 0.01,
		Discount:          0.85,
		MaxDelta:          2.0,
	}
}

// #endregion update-config

// #region update-result
// UpdateResult bundles everything returned by Update().
type UpdateResult struct {
	OldValue float64
	NewValue float64
	Decision Decision
	Metrics  Metrics
}

// #endregion update-result
