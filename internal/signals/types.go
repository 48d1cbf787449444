package signals

import "time"

// #region channel
// Channel names one reward component.
type Channel string

const (
	ChannelExplicit     Channel = "explicit"
	ChannelEmotionDelta Channel = "emotion_delta"
	ChannelTask         Channel = "task"
	ChannelFocus        Channel = "focus"
)

// ParseChannel accepts the channel names and a few aliases.
func ParseChannel(s string) (Channel, bool) {
	switch s {
	case "explicit", "feedback":
		return ChannelExplicit, true
	case "emotion_delta", "emotion":
		return ChannelEmotionDelta, true
	case "task", "task_signal":
		return ChannelTask, true
	case "focus", "focus_metric":
		return ChannelFocus, true
	}
	return "", false
}

// #endregion channel

// #region signal
// Signal is one observed component value in [-1,1].
type Signal struct {
	Channel Channel
	Value   float64
	At      time.Time
}

// #endregion signal

// #region config
// ProducerConfig holds the feedback lexicon.
type ProducerConfig struct {
	PositiveFeedback []string
	NegativeFeedback []string
}

// DefaultProducerConfig returns the default lexicon.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		PositiveFeedback: []string{"thanks", "thank you", "great", "perfect", "helpful", "love it", "good idea", "nice"},
		NegativeFeedback: []string{"stop", "annoying", "leave me alone", "not now", "useless", "go away", "shut up"},
	}
}

// #endregion config
