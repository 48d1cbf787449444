package writeback

import (
	"regexp"
	"strings"

	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
)

// #region facts
var (
	preferenceRe = regexp.MustCompile(`(?i)\bi\s+(?:really\s+)?(?:like|love|prefer|hate|enjoy|don'?t like)\b[^.!?]*`)
	projectRe    = regexp.MustCompile(`(?i)\b(?:project|working on)\s+([\p{L}\p{N}][\p{L}\p{N} _-]{1,40})`)
	workRe       = regexp.MustCompile(`(?i)\b(?:work|working|focus|focused|study|studying|code|coding|write|writing)\b`)
)

const maxFactRunes = 120

// ExtractFacts derives long-lived user facts from a decision: the project
// being worked on, stated preferences and when the user tends to work.
// Facts are returned in that order, deduplicated.
func ExtractFacts(rec contracts.DecisionRecord) []string {
	in := rec.InputState
	text := strings.TrimSpace(in.UserText)
	var out []string
	add := func(f string) {
		f = clip(strings.TrimSpace(f))
		for _, x := range out {
			if x == f {
				return
			}
		}
		out = append(out, f)
	}

	if task := strings.TrimSpace(in.Entity("task")); task != "" {
		f := "User is working on " + task
		if d := strings.TrimSpace(in.Entity("deadline")); d != "" {
			f += " (due " + d + ")"
		}
		add(f)
	} else if m := projectRe.FindStringSubmatch(text); m != nil {
		add("User is working on " + strings.TrimSpace(m[1]))
	}

	if m := preferenceRe.FindString(text); m != "" {
		add("User preference: " + m)
	}

	if in.TimeOfDay != contracts.TimeUnknown && (in.Intent == contracts.IntentFocus || workRe.MatchString(text)) {
		add("User works in the " + string(in.TimeOfDay))
	}
	return out
}

func clip(s string) string {
	if r := []rune(s); len(r) > maxFactRunes {
		return string(r[:maxFactRunes]) + "..."
	}
	return s
}

// #endregion facts
