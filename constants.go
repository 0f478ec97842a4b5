package smartsocket

// Reserved event names. Applications must not emit these; they are produced
// by the runtime itself.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventError        = "error"
	EventRateLimited  = "__rate-limited__"
	EventReconnected  = "reconnected"
	EventMaxReconnect = "max_reconnect_reached"
)

// Connection error codes.
const (
	CodeConnRefused     = "conn_refused"
	CodeConnTimeout     = "conn_timeout"
	CodeHandshakeFailed = "handshake_failed"
	CodeAuthFailed      = "auth_failed"
	CodeMaxConnections  = "max_connections"
	CodeConnectionLost  = "connection_lost"
)

// Frame error codes.
const (
	CodeFrameInvalid       = "frame_invalid"
	CodeDecompressFailed   = "decompress_failed"
	CodeDecryptFailed      = "decrypt_failed"
	CodePayloadTooLarge    = "payload_too_large"
	CodePayloadParseFailed = "payload_parse_failed"
	CodeUnknownNamespace   = "unknown_namespace"
)

// Rate limiter error codes.
const (
	CodeRateLimited      = "rate_limited"
	CodeEventRateLimited = "event_rate_limited"
)

// Acknowledgement error codes.
const (
	CodeAckTimeout   = "ack_timeout"
	CodeAckInvalid   = "ack_invalid"
	CodeAckUnknownID = "ack_unknown_id"

	// ErrCodeAckTimeout is the stable application-facing code carried by
	// ack timeout callbacks.
	ErrCodeAckTimeout = "ERR_ACK_001"
)

// Standard error messages.
const (
	ErrServerAlreadyRunning = "server already running"
	ErrServerNotRunning     = "server not running"
	ErrSocketNotFound       = "socket not found"
	ErrConnectionClosed     = "connection is closed"
	ErrContextCancelled     = "context cancelled"
	ErrClientClosed         = "client is closed"
	ErrNamespacePath        = "namespace path must begin with '/'"
)

// RootNamespace is the path of the namespace that always exists.
const RootNamespace = "/"
