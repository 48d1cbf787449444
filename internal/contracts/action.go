package contracts

import (
	"fmt"
	"time"
)

// ActionType is the tag of the Action variant.
type ActionType string

const (
	ActionEnterFocusMode ActionType = "enter_focus_mode"
	ActionSetReminder    ActionType = "set_reminder"
	ActionSuggestBreak   ActionType = "suggest_break"
	ActionNone           ActionType = "none"
)

// BreakKind parameterizes SuggestBreak.
type BreakKind string

const (
	BreakStretch   BreakKind = "stretch"
	BreakBreathing BreakKind = "breathing"
	BreakWalk      BreakKind = "walk"
)

// Bounds of a focus session in minutes.
const (
	MinFocusMinutes = 5
	MaxFocusMinutes = 180
)

// Params holds the parameters of every variant; only the fields of the
// active variant may be set.
type Params struct {
	Duration    int       `json:"duration,omitempty"`
	Timestamp   string    `json:"timestamp,omitempty"` // RFC3339
	Kind        BreakKind `json:"kind,omitempty"`
	RelatedTask string    `json:"related_task,omitempty"`
}

// Action is a tagged variant over EnterFocusMode, SetReminder, SuggestBreak and None.
type Action struct {
	Type   ActionType `json:"type"`
	Params Params     `json:"parameters"`
}

// EnterFocusMode builds a focus action of d minutes.
func EnterFocusMode(d int, task string) Action {
	return Action{Type: ActionEnterFocusMode, Params: Params{Duration: d, RelatedTask: task}}
}

// SetReminder builds a reminder firing at ts.
func SetReminder(ts time.Time, task string) Action {
	return Action{Type: ActionSetReminder, Params: Params{Timestamp: ts.UTC().Format(time.RFC3339), RelatedTask: task}}
}

// SuggestBreak builds a break suggestion.
func SuggestBreak(kind BreakKind) Action {
	return Action{Type: ActionSuggestBreak, Params: Params{Kind: kind}}
}

// NoneAction is the do-nothing action.
func NoneAction() Action {
	return Action{Type: ActionNone}
}

// IsNone reports whether the action is the None variant.
func (a Action) IsNone() bool {
	return a.Type == ActionNone || a.Type == ""
}

// Validate checks the parameters against the schema of the variant.
func (a Action) Validate() error {
	p := a.Params
	switch a.Type {
	case ActionEnterFocusMode:
		if p.Duration < MinFocusMinutes || p.Duration > MaxFocusMinutes {
			return fmt.Errorf("%w: focus duration %d outside [%d,%d]", ErrInvalidParams, p.Duration, MinFocusMinutes, MaxFocusMinutes)
		}
		if p.Timestamp != "" || p.Kind != "" {
			return fmt.Errorf("%w: focus action carries foreign parameters", ErrInvalidParams)
		}
	case ActionSetReminder:
		if p.Timestamp == "" {
			return fmt.Errorf("%w: reminder without timestamp", ErrInvalidParams)
		}
		if _, err := time.Parse(time.RFC3339, p.Timestamp); err != nil {
			return fmt.Errorf("%w: reminder timestamp: %v", ErrInvalidParams, err)
		}
		if p.Duration != 0 || p.Kind != "" {
			return fmt.Errorf("%w: reminder carries foreign parameters", ErrInvalidParams)
		}
	case ActionSuggestBreak:
		switch p.Kind {
		case BreakStretch, BreakBreathing, BreakWalk:
		default:
			return fmt.Errorf("%w: unknown break kind %q", ErrInvalidParams, p.Kind)
		}
		if p.Duration != 0 || p.Timestamp != "" {
			return fmt.Errorf("%w: break carries foreign parameters", ErrInvalidParams)
		}
	case ActionNone:
		if p != (Params{}) {
			return fmt.Errorf("%w: none action carries parameters", ErrInvalidParams)
		}
	default:
		return fmt.Errorf("%w: unknown action type %q", ErrInvalidParams, a.Type)
	}
	return nil
}
