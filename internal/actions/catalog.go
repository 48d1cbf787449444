// Package actions maps the discrete action ids the micro policy learns over
// to concrete contracts.Action values and back.
package actions

import (
	"strings"
	"time"

	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
)

// Catalog ids. The order of All is the deterministic tie-break order.
const (
	Focus25        = "focus_25"
	Focus45        = "focus_45"
	Focus90        = "focus_90"
	Reminder       = "reminder"
	BreakStretch   = "break_stretch"
	BreakBreathing = "break_breathing"
	BreakWalk      = "break_walk"
	None           = "none"
)

// All lists every catalog id in tie-break order.
var All = []string{Focus25, Focus45, Focus90, Reminder, BreakStretch, BreakBreathing, BreakWalk, None}

// FocusDurations are the session lengths the catalog knows.
var FocusDurations = []int{25, 45, 90}

// defaultReminderDelay is used when the utterance names no deadline.
const defaultReminderDelay = time.Hour

// Known reports whether id is a catalog id.
func Known(id string) bool {
	for _, x := range All {
		if x == id {
			return true
		}
	}
	return false
}

// TypeOf returns the action type of a catalog id.
func TypeOf(id string) contracts.ActionType {
	switch {
	case strings.HasPrefix(id, "focus_"):
		return contracts.ActionEnterFocusMode
	case id == Reminder:
		return contracts.ActionSetReminder
	case strings.HasPrefix(id, "break_"):
		return contracts.ActionSuggestBreak
	}
	return contracts.ActionNone
}

// Legal filters All down to the ids whose type is allowed. None is always legal.
func Legal(allowed func(contracts.ActionType) bool) []string {
	out := make([]string, 0, len(All))
	for _, id := range All {
		if id == None || allowed == nil || allowed(TypeOf(id)) {
			out = append(out, id)
		}
	}
	return out
}

// Materialize turns a catalog id into an Action, filling task and deadline
// from the input entities.
func Materialize(id string, in contracts.InputState, now time.Time) contracts.Action {
	task := in.Entity("task")
	switch id {
	case Focus25:
		return contracts.EnterFocusMode(25, task)
	case Focus45:
		return contracts.EnterFocusMode(45, task)
	case Focus90:
		return contracts.EnterFocusMode(90, task)
	case Reminder:
		return contracts.SetReminder(ReminderTime(in, now), task)
	case BreakStretch:
		return contracts.SuggestBreak(contracts.BreakStretch)
	case BreakBreathing:
		return contracts.SuggestBreak(contracts.BreakBreathing)
	case BreakWalk:
		return contracts.SuggestBreak(contracts.BreakWalk)
	}
	return contracts.NoneAction()
}

// IDOf maps any action back to its catalog id. Focus durations snap to the
// nearest catalog session length, ties toward the shorter one.
func IDOf(a contracts.Action) string {
	switch a.Type {
	case contracts.ActionEnterFocusMode:
		switch NearestDuration(a.Params.Duration) {
		case 25:
			return Focus25
		case 45:
			return Focus45
		default:
			return Focus90
		}
	case contracts.ActionSetReminder:
		return Reminder
	case contracts.ActionSuggestBreak:
		switch a.Params.Kind {
		case contracts.BreakBreathing:
			return BreakBreathing
		case contracts.BreakWalk:
			return BreakWalk
		default:
			return BreakStretch
		}
	}
	return None
}

// NearestDuration snaps d to the closest of FocusDurations.
func NearestDuration(d int) int {
	best := FocusDurations[0]
	for _, c := range FocusDurations[1:] {
		if abs(c-d) < abs(best-d) {
			best = c
		}
	}
	return best
}

// ReminderTime resolves the "deadline" entity (a weekday name) to 09:00 local
// on the next such day, or now+1h without one.
func ReminderTime(in contracts.InputState, now time.Time) time.Time {
	day, ok := weekdays[strings.ToLower(in.Entity("deadline"))]
	if !ok {
		return now.Add(defaultReminderDelay).Truncate(time.Minute)
	}
	delta := (int(day) - int(now.Weekday()) + 7) % 7
	if delta == 0 {
		delta = 7
	}
	d := now.AddDate(0, 0, delta)
	return time.Date(d.Year(), d.Month(), d.Day(), 9, 0, 0, 0, now.Location())
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
