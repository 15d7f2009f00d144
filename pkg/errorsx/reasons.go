package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonNoActiveSession ReasonCode = "no_active_session"
	ReasonAlreadyActive   ReasonCode = "already_active"
	ReasonSessionClosed   ReasonCode = "session_closed"
	ReasonStageRegression ReasonCode = "stage_regression"
	ReasonDraining        ReasonCode = "draining"

	ReasonSTTFailure     ReasonCode = "stt_failure"
	ReasonLLMFailure     ReasonCode = "llm_failure"
	ReasonTTSFailure     ReasonCode = "tts_failure"
	ReasonAdapterTimeout ReasonCode = "adapter_timeout"
	ReasonCircuitOpen    ReasonCode = "circuit_open"
	ReasonRateLimit      ReasonCode = "rate_limit"

	ReasonPersistenceFailure ReasonCode = "persistence_failure"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportSend             ReasonCode = "transport_send"
)

var userMessages = map[ReasonCode]string{
	ReasonNoActiveSession:    "There is no active call.",
	ReasonAlreadyActive:      "A call is already in progress.",
	ReasonSessionClosed:      "This call has already ended.",
	ReasonDraining:           "The service is shutting down. Please try again shortly.",
	ReasonSTTFailure:         "Sorry, I couldn't understand that. Please try again.",
	ReasonLLMFailure:         "I'm having trouble responding right now. Please say that again.",
	ReasonTTSFailure:         "Audio is unavailable for this reply.",
	ReasonAdapterTimeout:     "That took too long. Please try again.",
	ReasonCircuitOpen:        "The service is busy right now. Please try again in a moment.",
	ReasonRateLimit:          "The service is busy right now. Please try again in a moment.",
	ReasonPersistenceFailure: "We could not save this call. Please try again later.",
}

// UserMessage returns a short human-readable message for err. It never
// includes the wrapped error text.
func UserMessage(err error) string {
	if msg, ok := userMessages[Reason(err)]; ok {
		return msg
	}
	return "Something went wrong. Please try again."
}
