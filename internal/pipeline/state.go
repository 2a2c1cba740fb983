package pipeline

// State is a step of the per-message state machine.
//
//	RECEIVED → (STATUS_ONLY → ACK) | (NO_TEXT → ACK) | TEXT_READY → AUTH_CHECK →
//	  {UNAUTHENTICATED → PROMPT_LOGIN, AUTHENTICATED → CLASSIFY → DISPATCH → REPLY_SENT}
//
// MEDIA_FAILED and LOGIN_COMMAND are terminal branches that reply once.
type State string

const (
	StateReceived        State = "RECEIVED"
	StateStatusOnly      State = "STATUS_ONLY"
	StateNoText          State = "NO_TEXT"
	StateAck             State = "ACK"
	StateTextReady       State = "TEXT_READY"
	StateMediaFailed     State = "MEDIA_FAILED"
	StateLoginCommand    State = "LOGIN_COMMAND"
	StateAuthCheck       State = "AUTH_CHECK"
	StateUnauthenticated State = "UNAUTHENTICATED"
	StatePromptLogin     State = "PROMPT_LOGIN"
	StateAuthenticated   State = "AUTHENTICATED"
	StateClassify        State = "CLASSIFY"
	StateDispatch        State = "DISPATCH"
	StateReplySent       State = "REPLY_SENT"
)

// Outcomes recorded per delivery.
const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)
