package perception

// #region imports
import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
)

// #endregion

// MaxUserText bounds the utterance length accepted per cycle.
const MaxUserText = 4096

// #region gap
// Gap records a perception field that was missing or unrecognized and was
// replaced by its Unknown value.
type Gap struct {
	Field string
	Raw   string
}

func (g Gap) String() string {
	if g.Raw == "" {
		return g.Field + ": missing"
	}
	return fmt.Sprintf("%s: unrecognized %q", g.Field, g.Raw)
}

// #endregion

// #region adapter
// Adapter normalizes upstream recognition output into an InputState.
type Adapter struct {
	logger *zap.Logger
}

// NewAdapter builds an adapter. A nil logger is replaced by a no-op logger.
func NewAdapter(logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{logger: logger.Named("perception")}
}

// Normalize builds the canonical InputState for req. Unknown field values
// become the Unknown bucket and are reported as gaps. Only a request that
// cannot form a minimally valid state returns ErrMalformedRequest.
func (a *Adapter) Normalize(req contracts.DecisionRequest) (contracts.InputState, []Gap, error) {
	p := req.Perception
	if !utf8.ValidString(p.UserText) {
		return contracts.InputState{}, nil, fmt.Errorf("%w: user_text is not valid utf-8", contracts.ErrMalformedRequest)
	}
	if len(p.UserText) > MaxUserText {
		return contracts.InputState{}, nil, fmt.Errorf("%w: user_text exceeds %d bytes", contracts.ErrMalformedRequest, MaxUserText)
	}

	var gaps []Gap
	text := strings.Join(strings.Fields(p.UserText), " ")
	if text == "" {
		gaps = append(gaps, Gap{Field: "user_text"})
	}

	emotion := parseEmotion(p.SpeechEmotion)
	if emotion == contracts.EmotionUnknown {
		gaps = append(gaps, Gap{Field: "speech_emotion", Raw: p.SpeechEmotion})
	}
	sentiment := parseSentiment(p.TextSentiment)
	if sentiment == contracts.SentimentUnknown {
		gaps = append(gaps, Gap{Field: "text_sentiment", Raw: p.TextSentiment})
	}
	tod := parseTimeOfDay(p.TimeOfDay)
	if tod == contracts.TimeUnknown {
		gaps = append(gaps, Gap{Field: "time_of_day", Raw: p.TimeOfDay})
	}

	flags := make([]contracts.Flag, 0, len(p.ContextFlags))
	for _, f := range p.ContextFlags {
		f = strings.ToLower(strings.TrimSpace(f))
		if f != "" {
			flags = append(flags, contracts.Flag(f))
		}
	}

	in := contracts.NewInputState(contracts.InputState{
		SessionID:     req.SessionID,
		UserID:        req.UserID,
		UserText:      text,
		SpeechEmotion: emotion,
		TextSentiment: sentiment,
		ContextFlags:  flags,
		TimeOfDay:     tod,
		Intent:        ClassifyIntent(text),
		Entities:      ExtractEntities(text),
	})

	if len(gaps) > 0 {
		a.logger.Debug("recognition gaps", zap.String("session_id", req.SessionID), zap.Stringers("gaps", gaps))
	}
	return in, gaps, nil
}

// #endregion

// #region parsers
func parseEmotion(s string) contracts.SpeechEmotion {
	switch e := contracts.SpeechEmotion(strings.ToLower(strings.TrimSpace(s))); e {
	case contracts.EmotionStress, contracts.EmotionCalm, contracts.EmotionHappy,
		contracts.EmotionSad, contracts.EmotionAngry, contracts.EmotionFatigue:
		return e
	case "stressed", "anxious":
		return contracts.EmotionStress
	case "tired", "fatigued":
		return contracts.EmotionFatigue
	}
	return contracts.EmotionUnknown
}

func parseSentiment(s string) contracts.TextSentiment {
	switch v := contracts.TextSentiment(strings.ToLower(strings.TrimSpace(s))); v {
	case contracts.SentimentPositive, contracts.SentimentNeutral, contracts.SentimentNegative:
		return v
	}
	return contracts.SentimentUnknown
}

func parseTimeOfDay(s string) contracts.TimeOfDay {
	switch v := contracts.TimeOfDay(strings.ToLower(strings.TrimSpace(s))); v {
	case contracts.TimeMorning, contracts.TimeAfternoon, contracts.TimeEvening, contracts.TimeNight:
		return v
	}
	return contracts.TimeUnknown
}

// #endregion

// #region intent
var reminderKeywords = []string{"remind", "reminder", "don't forget", "dont forget", "deadline", "due "}
var focusKeywords = []string{"focus", "concentrate", "deep work", "get this done", "finish", "no distractions"}
var breakKeywords = []string{"tired", "exhausted", "break", "rest", "stretch", "my back", "my eyes"}

// ClassifyIntent picks an intent by keyword heuristics. No model call.
// Reminder wins over focus, focus over break.
func ClassifyIntent(text string) contracts.Intent {
	lower := strings.ToLower(text)
	if lower == "" {
		return contracts.IntentUnknown
	}
	switch {
	case containsAny(lower, reminderKeywords):
		return contracts.IntentReminder
	case containsAny(lower, focusKeywords):
		return contracts.IntentFocus
	case containsAny(lower, breakKeywords):
		return contracts.IntentBreak
	}
	return contracts.IntentChat
}

func containsAny(s string, kws []string) bool {
	for _, kw := range kws {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// #endregion

// #region entities
var (
	taskPattern     = regexp.MustCompile(`(?i)\b(?:finish|complete|work on|submit|write)\s+(?:the\s+|my\s+)?([A-Za-z0-9][\w-]*(?:\s+[A-Za-z0-9][\w-]*)?)`)
	deadlinePattern = regexp.MustCompile(`(?i)\bby\s+(monday|tuesday|wednesday|thursday|friday|saturday|sunday|tomorrow|tonight)\b`)
)

// stopTails are words the task pattern must not swallow.
var stopTails = map[string]bool{"by": true, "before": true, "today": true, "tonight": true, "tomorrow": true}

// ExtractEntities pulls the task and deadline mentioned in the utterance.
func ExtractEntities(text string) map[string]string {
	out := map[string]string{}
	if m := taskPattern.FindStringSubmatch(text); m != nil {
		words := strings.Fields(m[1])
		if len(words) == 2 && stopTails[strings.ToLower(words[1])] {
			words = words[:1]
		}
		out["task"] = strings.Join(words, " ")
	}
	if m := deadlinePattern.FindStringSubmatch(text); m != nil {
		out["deadline"] = strings.ToLower(m[1])
	}
	return out
}

// #endregion
