package contracts

import "errors"

// Error taxonomy of the decision core. Only ErrMalformedRequest fails a cycle,
// and even then the cycle answers with the None action.
var (
	ErrRecognitionGap             = errors.New("recognition gap")
	ErrMemoryUnavailable          = errors.New("memory unavailable")
	ErrMacroUnavailable           = errors.New("macro policy unavailable")
	ErrPersonaViolationUnresolved = errors.New("persona violation unresolved")
	ErrPersistenceFailure         = errors.New("persistence failure")

	ErrMalformedRequest    = errors.New("malformed request")
	ErrInvalidParams       = errors.New("invalid action parameters")
	ErrUnknownCycle        = errors.New("unknown cycle")
	ErrDuplicateSubmission = errors.New("duplicate submission")
)

// Flags attached to an OutputCommand for degraded cycles.
const (
	FlagMemoryUnavailable   = "memory_unavailable"
	FlagMacroUnavailable    = "macro_unavailable"
	FlagViolationUnresolved = "persona_violation_unresolved"
	FlagInvalidAction       = "invalid_action"
	FlagFailClosed          = "fail_closed"
	FlagRecognitionGap      = "recognition_gap"
)
