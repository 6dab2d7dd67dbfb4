package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonAuthDenied    ReasonCode = "auth_denied"
	ReasonConfigMissing ReasonCode = "config_missing"

	ReasonUpstreamConnect     ReasonCode = "upstream_connect"
	ReasonUpstreamSend        ReasonCode = "upstream_send"
	ReasonUpstreamProtocol    ReasonCode = "upstream_protocol"
	ReasonUpstreamRateLimit   ReasonCode = "upstream_rate_limit"
	ReasonUpstreamCircuitOpen ReasonCode = "upstream_circuit_open"

	ReasonClientSend ReasonCode = "client_send"
)
