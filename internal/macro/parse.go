package macro

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/danielpatrickdp/emate/decision-core/internal/actions"
	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
)

// ErrMalformedOutput is returned when generator output is not a usable proposal.
var ErrMalformedOutput = errors.New("malformed macro output")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type proposal struct {
	Action struct {
		Type       string         `json:"type"`
		Parameters proposalParams `json:"parameters"`
	} `json:"action"`
	ScreenAnimation string `json:"screen_animation"`
	Reasoning       string `json:"reasoning"`
}

type proposalParams struct {
	Duration    flexInt `json:"duration"`
	Timestamp   string  `json:"timestamp"`
	Kind        string  `json:"kind"`
	RelatedTask string  `json:"related_task"`
	Task        string  `json:"task"`
}

// flexInt accepts 45, 45.0 and "45".
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*f = flexInt(v)
	return nil
}

// Parse turns generator output into a macro candidate. Code fences and prose
// around the JSON object are tolerated.
func Parse(raw string, in contracts.InputState, now time.Time) (contracts.Candidate, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return contracts.Candidate{}, fmt.Errorf("%w: no JSON object", ErrMalformedOutput)
	}
	var p proposal
	if err := json.Unmarshal([]byte(raw[start:end+1]), &p); err != nil {
		return contracts.Candidate{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}

	t, ok := actionType(p.Action.Type)
	if !ok {
		return contracts.Candidate{}, fmt.Errorf("%w: unknown action type %q", ErrMalformedOutput, p.Action.Type)
	}
	params := p.Action.Parameters
	task := nonEmpty(nonEmpty(params.RelatedTask, params.Task), in.Entity("task"))

	var a contracts.Action
	switch t {
	case contracts.ActionEnterFocusMode:
		d := int(params.Duration)
		if d == 0 {
			d = actions.FocusDurations[0]
		}
		a = contracts.EnterFocusMode(d, task)
	case contracts.ActionSetReminder:
		ts, err := time.Parse(time.RFC3339, params.Timestamp)
		if err != nil {
			ts = actions.ReminderTime(in, now)
		}
		a = contracts.SetReminder(ts, task)
	case contracts.ActionSuggestBreak:
		kind := contracts.BreakKind(strings.ToLower(params.Kind))
		switch kind {
		case contracts.BreakStretch, contracts.BreakBreathing, contracts.BreakWalk:
		default:
			kind = contracts.BreakStretch
		}
		a = contracts.SuggestBreak(kind)
	default:
		a = contracts.NoneAction()
	}
	if err := a.Validate(); err != nil {
		return contracts.Candidate{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}

	return contracts.Candidate{
		Action:    a,
		ActionID:  actions.IDOf(a),
		Source:    contracts.SourceMacro,
		Reasoning: strings.TrimSpace(p.Reasoning),
		Animation: strings.TrimSpace(p.ScreenAnimation),
	}, nil
}

func actionType(s string) (contracts.ActionType, bool) {
	norm := strings.Map(func(r rune) rune {
		if r == '_' || r == '-' || r == ' ' {
			return -1
		}
		return r
	}, strings.ToLower(strings.TrimSpace(s)))
	switch norm {
	case "enterfocusmode", "focus", "focusmode":
		return contracts.ActionEnterFocusMode, true
	case "setreminder", "reminder":
		return contracts.ActionSetReminder, true
	case "suggestbreak", "break":
		return contracts.ActionSuggestBreak, true
	case "none", "noop":
		return contracts.ActionNone, true
	}
	return "", false
}
