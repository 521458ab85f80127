package protocol

// Deterministic reason codes for decode failures and command dispositions.
// These strings are wire-visible: viewers see them as failure reasons and
// the audit trail records them verbatim.
const (
	ReasonDecodeError         = "DECODE_ERROR"
	ReasonConnectionLost      = "CONNECTION_LOST"
	ReasonCommandTimeout      = "COMMAND_TIMEOUT"
	ReasonCommandSuperseded   = "COMMAND_SUPERSEDED"
	ReasonCommandCancelled    = "COMMAND_CANCELLED"
	ReasonSafetyViolation     = "SAFETY_VIOLATION"
	ReasonViewerQueueOverflow = "VIEWER_QUEUE_OVERFLOW"
)
