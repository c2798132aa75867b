// Package logevents holds the action and extra names understood by the voice
// search logging collector. Producers use these when broadcasting usage events
// so the collector can aggregate them per application.
package logevents

// ActionLogEvent is the broadcast action the logging collector listens for.
const ActionLogEvent = "ACTION_LOG_EVENT"

// Extra keys carried by an [ActionLogEvent] broadcast.
const (
	ExtraAppName        = "APP_NAME"
	ExtraEvent          = "EVENT"
	ExtraCallingAppName = "CALLING_APP_NAME"
	ExtraTimestamp      = "TIMESTAMP"
)

// Voice IME values for [ExtraAppName] and [ExtraEvent].
const (
	VoiceImeAppName      = "VoiceIme"
	VoiceImeTextAccepted = "IME_TEXT_ACCEPTED"
)
