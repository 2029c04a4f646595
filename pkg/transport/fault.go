package transport

import (
	"errors"
	"fmt"
	"strings"

	"github.com/toolfront/toolfront/pkg/wire"
)

// FaultKind classifies an adapter failure so callers can decide between a
// retry affordance, a re-authorization affordance, or plain error display.
type FaultKind string

const (
	// FaultProtocol covers malformed requests and backend-reported JSON-RPC
	// errors.
	FaultProtocol FaultKind = "protocol"
	// FaultTransport covers connection-level failures (refused, DNS, TLS).
	// The adapter never retries these.
	FaultTransport FaultKind = "transport"
	// FaultSessionExpired marks a server-side session termination. Handled
	// inside the streaming adapter with exactly one re-initialize attempt.
	FaultSessionExpired FaultKind = "session_expired"
	// FaultAuth marks a 401/403 from the backend, surfaced distinctly so the
	// caller can trigger re-authorization.
	FaultAuth FaultKind = "auth"
	// FaultTimeout marks an exceeded bounded wait, distinct from a
	// backend-reported fault.
	FaultTimeout FaultKind = "timeout"
	// FaultCanceled marks an in-flight call rejected because the adapter was
	// closed or the caller's context ended.
	FaultCanceled FaultKind = "canceled"
)

// Fault is the error type surfaced by every adapter. Kind is always set;
// Code carries the JSON-RPC error code for protocol faults.
type Fault struct {
	Kind    FaultKind
	Code    int
	Message string
	Err     error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("transport: %s fault: %s: %v", f.Kind, f.Message, f.Err)
	}
	return fmt.Sprintf("transport: %s fault: %s", f.Kind, f.Message)
}

func (f *Fault) Unwrap() error { return f.Err }

// IsFault reports whether err carries the given fault kind.
func IsFault(err error, kind FaultKind) bool {
	var f *Fault
	return errors.As(err, &f) && f.Kind == kind
}

// NewProtocolFault builds a protocol fault carrying a JSON-RPC error code.
// Higher layers use it to reject requests with a specific code before any
// backend exchange happens.
func NewProtocolFault(code int, message string) *Fault {
	return &Fault{Kind: FaultProtocol, Code: code, Message: message}
}

func protocolFault(code int, message string) *Fault {
	return NewProtocolFault(code, message)
}

func transportFault(message string, err error) *Fault {
	return &Fault{Kind: FaultTransport, Message: message, Err: err}
}

func authFault(status int) *Fault {
	return &Fault{Kind: FaultAuth, Message: fmt.Sprintf("backend rejected credentials (HTTP %d)", status)}
}

func timeoutFault(message string) *Fault {
	return &Fault{Kind: FaultTimeout, Message: message}
}

func canceledFault(message string, err error) *Fault {
	return &Fault{Kind: FaultCanceled, Message: message, Err: err}
}

func sessionExpiredFault(message string) *Fault {
	return &Fault{Kind: FaultSessionExpired, Message: message}
}

// sessionNotFoundCode is emitted by streamable backends when a request
// references a session that was terminated server-side.
const sessionNotFoundCode = -32001

// classifyRPCError turns a backend error object into a Fault.
// sessionEstablished widens the session-expiry detection to "not found"
// phrasing, which only makes sense after a successful initialize.
func classifyRPCError(rpcErr *wire.Error, sessionEstablished bool) *Fault {
	if sessionEstablished {
		lower := strings.ToLower(rpcErr.Message)
		if rpcErr.Code == sessionNotFoundCode ||
			strings.Contains(lower, "session not found") ||
			strings.Contains(lower, "session expired") {
			return sessionExpiredFault(rpcErr.Message)
		}
	}
	return &Fault{Kind: FaultProtocol, Code: rpcErr.Code, Message: rpcErr.Message}
}

// isMethodNotFound reports whether err is the backend telling us the method
// does not exist. Optional capabilities (resources) are coerced to empty
// results on this signal.
func isMethodNotFound(err error) bool {
	var f *Fault
	if errors.As(err, &f) && f.Kind == FaultProtocol && f.Code == wire.CodeMethodNotFound {
		return true
	}
	return false
}
