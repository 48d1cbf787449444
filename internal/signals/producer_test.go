package signals

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
)

func TestTransitionEmotionDelta(t *testing.T) {
	p := NewProducer(DefaultProducerConfig())
	prev := contracts.InputState{SpeechEmotion: contracts.EmotionStress}
	next := contracts.InputState{SpeechEmotion: contracts.EmotionCalm, UserText: "ok"}
	sigs := p.Transition(prev, next, time.Now())
	require.Len(t, sigs, 1)
	assert.Equal(t, ChannelEmotionDelta, sigs[0].Channel)
	assert.Positive(t, sigs[0].Value, "stress -> calm")
}

func TestTransitionUnknownEmotionIsSilent(t *testing.T) {
	p := NewProducer(DefaultProducerConfig())
	sigs := p.Transition(contracts.InputState{}, contracts.InputState{SpeechEmotion: contracts.EmotionHappy}, time.Now())
	assert.Empty(t, sigs)
}

func TestExplicitFeedback(t *testing.T) {
	p := NewProducer(DefaultProducerConfig())
	tests := []struct {
		text string
		want float64
		ok   bool
	}{
		{"Thanks, that was helpful", 1, true},
		{"thanks but stop it", -1, true},
		{"what time is it", 0, false},
	}
	for _, tt := range tests {
		v, ok := p.ExplicitFromText(tt.text)
		assert.Equal(t, tt.ok, ok, tt.text)
		if tt.ok {
			assert.Equal(t, tt.want, v, tt.text)
		}
	}
}

func TestFocusMetric(t *testing.T) {
	assert.Equal(t, 1.0, FocusMetric(45*time.Minute, 45*time.Minute), "full session")
	assert.Equal(t, -1.0, FocusMetric(0, 45*time.Minute), "abandoned session")
	assert.Equal(t, 0.0, FocusMetric(time.Minute, 0), "no plan")
}
