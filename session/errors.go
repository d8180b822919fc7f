package session

import "fmt"

// AppError is the taxonomy of application-level error codes carried on
// QUIC RESET_STREAM / STOP_SENDING / CONNECTION_CLOSE frames, named the
// way the wire dialects name them rather than after any internal type.
type AppError uint32

const (
	ErrNoError AppError = iota
	ErrWrongStream
	ErrUnknownStreamType
	ErrWrongStreamCount
	ErrClosedCriticalStream
	ErrRejected
	ErrCancelled
	ErrGeneralProtocolError
	ErrExcessiveLoad
	ErrIDFatalError
	ErrSettingsError
	ErrMissingSettings
	ErrRequestRejected
	ErrRequestCancelled
	ErrRequestIncomplete
	ErrConnectError
	ErrExcessiveLoad2
)

func (e AppError) String() string {
	switch e {
	case ErrNoError:
		return "NO_ERROR"
	case ErrWrongStream:
		return "HTTP_WRONG_STREAM"
	case ErrUnknownStreamType:
		return "HTTP_UNKNOWN_STREAM_TYPE"
	case ErrWrongStreamCount:
		return "HTTP_WRONG_STREAM_COUNT"
	case ErrClosedCriticalStream:
		return "HTTP_CLOSED_CRITICAL_STREAM"
	case ErrRejected:
		return "HTTP_REQUEST_REJECTED"
	case ErrCancelled:
		return "HTTP_REQUEST_CANCELLED"
	case ErrGeneralProtocolError:
		return "HTTP_GENERAL_PROTOCOL_ERROR"
	case ErrExcessiveLoad:
		return "HTTP_EXCESSIVE_LOAD"
	case ErrSettingsError:
		return "HTTP_SETTINGS_ERROR"
	default:
		return fmt.Sprintf("APP_ERROR(%d)", uint32(e))
	}
}

// ProxygenError classifies errors the way the connection observer and the
// telemetry layer bucket connection drops, not after any internal
// transport library's type.
type ProxygenError int

const (
	ErrorNone ProxygenError = iota
	ErrorConnectError
	ErrorConnectionReset
	ErrorNetwork
	ErrorStreamUnacknowledged
	ErrorTimeout
	ErrorDropped
	ErrorEOF
	ErrorShutdown
	ErrorALPNUnsupported
)

func (e ProxygenError) String() string {
	switch e {
	case ErrorNone:
		return "none"
	case ErrorConnectError:
		return "connect_error"
	case ErrorConnectionReset:
		return "connection_reset"
	case ErrorNetwork:
		return "network"
	case ErrorStreamUnacknowledged:
		return "stream_unacknowledged"
	case ErrorTimeout:
		return "timeout"
	case ErrorDropped:
		return "dropped"
	case ErrorEOF:
		return "eof"
	case ErrorShutdown:
		return "shutdown"
	case ErrorALPNUnsupported:
		return "alpn_unsupported"
	default:
		return "unknown"
	}
}

// ConnectionError is a connection-fatal error: the session is about to be
// or has been dropped because of it.
type ConnectionError struct {
	Proxygen ProxygenError
	App      AppError
	Msg      string
}

func (e *ConnectionError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Proxygen, e.Msg, e.App)
	}
	return fmt.Sprintf("%s (%s)", e.Proxygen, e.App)
}

// StreamError is delivered to a single transaction; the session continues.
type StreamError struct {
	App AppError
	Msg string
}

func (e *StreamError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.App, e.Msg)
	}
	return e.App.String()
}
