package writeback

import (
	"sort"
	"strings"

	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
	"github.com/danielpatrickdp/emate/decision-core/internal/discretize"
)

// Importance levels of a stored record.
const (
	ImportanceCritical = "critical"
	ImportanceHigh     = "high"
	ImportanceMedium   = "medium"
)

// Annotate sets Importance and Tags on a record.
func Annotate(rec *contracts.DecisionRecord) {
	rec.Importance = importance(*rec)
	rec.Tags = tags(*rec)
}

func importance(rec contracts.DecisionRecord) string {
	in := rec.InputState
	goal := discretize.Parse(rec.StateKey)["goal"]
	if in.HasFlag(contracts.FlagDeadlineNear) || in.Entity("deadline") != "" || strings.HasPrefix(goal, "important") {
		return ImportanceCritical
	}
	switch in.SpeechEmotion {
	case contracts.EmotionStress, contracts.EmotionAngry, contracts.EmotionSad:
		return ImportanceHigh
	}
	return ImportanceMedium
}

func tags(rec contracts.DecisionRecord) []string {
	set := map[string]bool{
		"action:" + string(rec.FinalAction.Type): true,
		"policy:" + string(rec.ChosenPolicy):     true,
	}
	in := rec.InputState
	if in.Intent != contracts.IntentUnknown {
		set["intent:"+string(in.Intent)] = true
	}
	if in.SpeechEmotion != contracts.EmotionUnknown {
		set["emotion:"+string(in.SpeechEmotion)] = true
	}
	if rec.PersonaID != "" {
		set["persona:"+rec.PersonaID] = true
	}
	if task := in.Entity("task"); task != "" {
		set["task:"+strings.ToLower(task)] = true
	}
	for _, f := range in.ContextFlags {
		set["flag:"+string(f)] = true
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
