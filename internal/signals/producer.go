package signals

import (
	"strings"
	"time"

	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
)

// #region producer
// Producer derives implicit reward signals from consecutive perception cycles.
type Producer struct {
	config ProducerConfig
}

// NewProducer creates a Producer.
func NewProducer(config ProducerConfig) *Producer {
	return &Producer{config: config}
}

// #endregion producer

// #region transition
// Transition returns the signals the next cycle implies about the previous
// cycle's action: the emotion delta and any explicit feedback in the new
// utterance. Unknown emotions yield no emotion signal.
func (p *Producer) Transition(prev, next contracts.InputState, at time.Time) []Signal {
	var out []Signal
	before, okPrev := Valence(prev.SpeechEmotion, prev.TextSentiment)
	after, okNext := Valence(next.SpeechEmotion, next.TextSentiment)
	if okPrev && okNext {
		out = append(out, Signal{Channel: ChannelEmotionDelta, Value: clamp((after-before)/2, -1, 1), At: at})
	}
	if v, ok := p.ExplicitFromText(next.UserText); ok {
		out = append(out, Signal{Channel: ChannelExplicit, Value: v, At: at})
	}
	return out
}

// #endregion transition

// #region valence
var emotionValence = map[contracts.SpeechEmotion]float64{
	contracts.EmotionHappy:   1.0,
	contracts.EmotionCalm:    0.5,
	contracts.EmotionFatigue: -0.3,
	contracts.EmotionStress:  -0.6,
	contracts.EmotionSad:     -0.7,
	contracts.EmotionAngry:   -0.9,
}

var sentimentValence = map[contracts.TextSentiment]float64{
	contracts.SentimentPositive: 0.5,
	contracts.SentimentNeutral:  0,
	contracts.SentimentNegative: -0.5,
}

// Valence scores the affect of a perception in [-1,1]. Speech emotion
// dominates; sentiment alone counts half.
func Valence(e contracts.SpeechEmotion, s contracts.TextSentiment) (float64, bool) {
	ev, okE := emotionValence[e]
	sv, okS := sentimentValence[s]
	switch {
	case okE && okS:
		return clamp(0.7*ev+0.3*sv, -1, 1), true
	case okE:
		return ev, true
	case okS:
		return sv, true
	}
	return 0, false
}

// #endregion valence

// #region explicit
// ExplicitFromText reads lexical feedback. Negative phrases win over positive.
func (p *Producer) ExplicitFromText(text string) (float64, bool) {
	lower := strings.ToLower(text)
	if lower == "" {
		return 0, false
	}
	for _, w := range p.config.NegativeFeedback {
		if strings.Contains(lower, w) {
			return -1, true
		}
	}
	for _, w := range p.config.PositiveFeedback {
		if strings.Contains(lower, w) {
			return 1, true
		}
	}
	return 0, false
}

// #endregion explicit

// #region task-focus
// TaskSignal scores a task event.
func TaskSignal(completed bool) float64 {
	if completed {
		return 1
	}
	return -0.5
}

// FocusMetric scores a focus session: finishing the planned duration is 1,
// abandoning immediately is -1, linear in between.
func FocusMetric(actual, planned time.Duration) float64 {
	if planned <= 0 {
		return 0
	}
	ratio := float64(actual) / float64(planned)
	return clamp(2*ratio-1, -1, 1)
}

// #endregion task-focus

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
