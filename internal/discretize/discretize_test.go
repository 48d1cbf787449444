package discretize

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
)

func phoenix() (contracts.InputState, contracts.MemoryContext) {
	in := contracts.NewInputState(contracts.InputState{
		UserText:      "remind me to finish the Phoenix draft by Friday",
		SpeechEmotion: contracts.EmotionStress,
		Intent:        contracts.IntentReminder,
		Entities:      map[string]string{"task": "Phoenix draft", "deadline": "friday"},
	})
	mem := contracts.MemoryContext{
		Facts:    []string{"Phoenix is top priority"},
		Episodes: []contracts.Episode{{Event: "interrupted while working on Phoenix", Emotion: "frustration"}},
	}
	return in, mem
}

func TestDiscretizeDeterministic(t *testing.T) {
	in, mem := phoenix()
	first := Discretize(in, mem)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, Discretize(in, mem))
	}
}

func TestDiscretizePhoenixBuckets(t *testing.T) {
	in, mem := phoenix()
	feats := Parse(Discretize(in, mem))
	assert.Equal(t, "fragmented", feats["rhythm"])
	assert.Equal(t, "stress_high", feats["health"])
	assert.Equal(t, "overwhelmed", feats["emotion"])
	assert.Equal(t, "important_behind", feats["goal"])
	assert.Equal(t, Unknown, feats["env"])
}

func TestDiscretizeEmptyInputIsAllUnknown(t *testing.T) {
	feats := Parse(Discretize(contracts.InputState{}, contracts.MemoryContext{}))
	for _, f := range Features {
		assert.Equal(t, Unknown, feats[f], f)
	}
}

func TestParseToleratesGarbage(t *testing.T) {
	feats := Parse("nonsense|rhythm=deep_focus|zzz=1")
	assert.Equal(t, "deep_focus", feats["rhythm"])
	assert.Equal(t, Unknown, feats["goal"])
	assert.Len(t, feats, len(Features))
}

func TestEnvBuckets(t *testing.T) {
	in := contracts.NewInputState(contracts.InputState{
		TimeOfDay:    contracts.TimeAfternoon,
		ContextFlags: []contracts.Flag{contracts.FlagInterruptionHigh},
	})
	assert.Equal(t, "afternoon_chaotic", Parse(Discretize(in, contracts.MemoryContext{}))["env"])
}
