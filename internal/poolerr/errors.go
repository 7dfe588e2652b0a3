// Package poolerr defines the typed error kinds surfaced by the pool core.
package poolerr

import "fmt"

// Kind enumerates the error categories from the error handling design.
type Kind int

const (
	// TransportOpenFailed covers STDIO spawn or HTTP connect failures.
	TransportOpenFailed Kind = iota
	// HandshakeFailed covers a rejected or incompatible MCP initialize.
	HandshakeFailed
	// UnsupportedKind covers a ServerConfig.Kind the factory does not implement.
	UnsupportedKind
	// DownstreamRequestFailed covers a failed tools/list or tools/call on a back-end server.
	DownstreamRequestFailed
	// UnknownTool covers a tools/call prefix matching no participating server.
	UnknownTool
	// FilteredOut covers a tool present but INACTIVE in a namespace.
	FilteredOut
	// StoreUnavailable covers a failure to reach a backing store during filter classification.
	StoreUnavailable
)

func (k Kind) String() string {
	switch k {
	case TransportOpenFailed:
		return "TransportOpenFailed"
	case HandshakeFailed:
		return "HandshakeFailed"
	case UnsupportedKind:
		return "UnsupportedKind"
	case DownstreamRequestFailed:
		return "DownstreamRequestFailed"
	case UnknownTool:
		return "UnknownTool"
	case FilteredOut:
		return "FilteredOut"
	case StoreUnavailable:
		return "StoreUnavailable"
	default:
		return "Unknown"
	}
}

// Error is a typed pool error carrying optional server/session context.
type Error struct {
	Kind      Kind
	Server    string
	SessionID string
	Err       error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Server != "" {
		msg = fmt.Sprintf("%s (server=%s)", msg, e.Server)
	}
	if e.SessionID != "" {
		msg = fmt.Sprintf("%s (session=%s)", msg, e.SessionID)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a typed pool error.
func New(kind Kind, server, sessionID string, err error) *Error {
	return &Error{Kind: kind, Server: server, SessionID: sessionID, Err: err}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	pe, ok := err.(*Error)
	if !ok {
		return false
	}
	return pe.Kind == kind
}
