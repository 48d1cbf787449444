package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/danielpatrickdp/emate/decision-core/internal/actions"
	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
)

func cand(a contracts.Action, conf float64, src contracts.PolicySource) *contracts.Candidate {
	return &contracts.Candidate{Action: a, ActionID: actions.IDOf(a), Confidence: conf, Source: src}
}

func TestRouteAlwaysReturnsOneCandidate(t *testing.T) {
	r := New(DefaultConfig())
	micro := cand(contracts.EnterFocusMode(25, ""), 0.5, contracts.SourceMicro)
	macro := cand(contracts.SuggestBreak(contracts.BreakWalk), 0.9, contracts.SourceMacro)
	for _, mode := range []contracts.AgentMode{contracts.ModeMicro, contracts.ModeMacro, contracts.ModeHybrid, "bogus"} {
		for _, pair := range [][2]*contracts.Candidate{{nil, nil}, {micro, nil}, {nil, macro}, {micro, macro}} {
			d := r.Route(pair[0], pair[1], mode)
			assert.NotEmpty(t, d.Candidate.Action.Type, "mode %s", mode)
			assert.NotEmpty(t, d.Chosen)
		}
	}
	d := r.Route(nil, nil, contracts.ModeHybrid)
	assert.Equal(t, contracts.ActionNone, d.Candidate.Action.Type)
	assert.Equal(t, contracts.SourceFallback, d.Chosen)
}

func TestMacroModeFallsBackToMicro(t *testing.T) {
	r := New(DefaultConfig())
	micro := cand(contracts.EnterFocusMode(25, ""), 0.2, contracts.SourceMicro)
	d := r.Route(micro, nil, contracts.ModeMacro)
	assert.Equal(t, contracts.SourceMicro, d.Chosen)
}

func TestMicroModeIgnoresMacro(t *testing.T) {
	r := New(DefaultConfig())
	micro := cand(contracts.NoneAction(), 0.1, contracts.SourceMicro)
	macro := cand(contracts.EnterFocusMode(45, ""), 1, contracts.SourceMacro)
	assert.Equal(t, contracts.SourceMicro, r.Route(micro, macro, contracts.ModeMicro).Chosen)
}

func TestHybridMergesSameTypePreferringMacroParams(t *testing.T) {
	r := New(DefaultConfig())
	micro := cand(contracts.EnterFocusMode(25, "Phoenix draft"), 0.6, contracts.SourceMicro)
	macro := cand(contracts.EnterFocusMode(45, ""), 0.8, contracts.SourceMacro)
	macro.Reasoning = "deadline friday, protect deep work"
	d := r.Route(micro, macro, contracts.ModeHybrid)
	assert.Equal(t, contracts.SourceHybrid, d.Chosen)
	assert.Equal(t, 45, d.Candidate.Action.Params.Duration)
	assert.Equal(t, "Phoenix draft", d.Candidate.Action.Params.RelatedTask)
	assert.Equal(t, actions.Focus45, d.Candidate.ActionID)
	assert.Equal(t, 0.8, d.Candidate.Confidence)
}

func TestHybridConflictPrefersHigherConfidence(t *testing.T) {
	r := New(DefaultConfig())
	micro := cand(contracts.SetReminder(time.Now(), ""), 0.4, contracts.SourceMicro)
	macro := cand(contracts.EnterFocusMode(45, ""), 0.9, contracts.SourceMacro)
	assert.Equal(t, contracts.SourceMacro, r.Route(micro, macro, contracts.ModeHybrid).Chosen)

	micro.Confidence = 0.95
	assert.Equal(t, contracts.SourceMicro, r.Route(micro, macro, contracts.ModeHybrid).Chosen)
}

func TestHybridTieGoesToMicro(t *testing.T) {
	r := New(DefaultConfig())
	micro := cand(contracts.SetReminder(time.Now(), ""), 0.7, contracts.SourceMicro)
	macro := cand(contracts.EnterFocusMode(45, ""), 0.74, contracts.SourceMacro)
	assert.Equal(t, contracts.SourceMicro, r.Route(micro, macro, contracts.ModeHybrid).Chosen)
}
