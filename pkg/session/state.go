package session

// State is the lifecycle position of a Session.
type State int

const (
	StateIdle State = iota
	StateAuthorizing
	StateAwaitingStart
	StateStreaming
	StateClosing
	StateClosed
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAuthorizing:
		return "AUTHORIZING"
	case StateAwaitingStart:
		return "AWAITING_START"
	case StateStreaming:
		return "STREAMING"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

var validTransitions = map[State][]State{
	StateIdle:          {StateAuthorizing, StateClosing},
	StateAuthorizing:   {StateAwaitingStart, StateClosing},
	StateAwaitingStart: {StateStreaming, StateClosing},
	StateStreaming:     {StateClosing},
	StateClosing:       {StateClosed},
}

func transitionValid(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError represents an invalid state transition attempt
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}

// CloseReason records why a session ended.
type CloseReason string

const (
	CloseStopped        CloseReason = "stopped"
	CloseClientGone     CloseReason = "client_gone"
	CloseIdleTimeout    CloseReason = "idle_timeout"
	CloseUnauthorized   CloseReason = "unauthorized"
	CloseConfigMissing  CloseReason = "config_missing"
	CloseUpstreamFailed CloseReason = "upstream_failed"
	CloseUpstreamError  CloseReason = "upstream_error"
	CloseShutdown       CloseReason = "shutdown"
)

// WebSocket close codes used toward the client.
const (
	CodeNormal       = 1000
	CodeGoingAway    = 1001
	CodeInternal     = 1011
	CodeUnauthorized = 4001
)

// Code maps the reason to the close code sent to the client.
func (r CloseReason) Code() int {
	switch r {
	case CloseStopped, CloseClientGone, "":
		return CodeNormal
	case CloseIdleTimeout, CloseShutdown:
		return CodeGoingAway
	case CloseUnauthorized:
		return CodeUnauthorized
	default:
		return CodeInternal
	}
}
