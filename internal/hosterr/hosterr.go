// Package hosterr defines the error taxonomy shared across the
// transport, protocol, RPC, and guest-lifecycle layers. Kinds are
// sentinel errors checked with errors.Is, wrapped with %w at each
// layer boundary the way the rest of this codebase wraps errors.
package hosterr

import "errors"

// Sentinel error kinds. See spec §7 for the propagation policy that
// governs each one.
var (
	// ErrTransientIO covers broken pipe, connection reset, and other
	// recoverable I/O faults. sock.Socket does not return this value: it
	// treats a read error like end of stream (onEnd fires, the
	// descriptor closes after the grace window), and its onClose
	// listeners receive hadError=false.
	ErrTransientIO = errors.New("hosterr: transient I/O error")

	// ErrFraming covers header parse failure or a negative/overflowing
	// declared length. Fatal to the connection.
	ErrFraming = errors.New("hosterr: framing error")

	// ErrReplayExhausted is returned when a peer requests replay of a
	// frame id that has already been trimmed from the outgoing log.
	// Fatal to the connection.
	ErrReplayExhausted = errors.New("hosterr: replay exhausted")

	// ErrRpcMethodNotFound is replied as Reply-Err; the connection
	// stays up.
	ErrRpcMethodNotFound = errors.New("hosterr: rpc method not found")

	// ErrRpcBadArguments is replied as Reply-Err; the connection stays
	// up.
	ErrRpcBadArguments = errors.New("hosterr: rpc bad arguments")

	// ErrRpcHandlerException wraps a panic or returned error from a
	// dispatched handler; replied as Reply-Err with kind/message/stack.
	ErrRpcHandlerException = errors.New("hosterr: rpc handler exception")

	// ErrRpcCancelled completes a caller's reply slot when the call
	// was cancelled before a reply arrived (spec scenario 3).
	ErrRpcCancelled = errors.New("hosterr: rpc call cancelled")

	// ErrGuestVersionUnsupported is raised before spawn when the
	// discovered runtime is below the minimum supported version.
	ErrGuestVersionUnsupported = errors.New("hosterr: guest version unsupported")

	// ErrGuestSpawnFailed is raised when the guest process could not
	// be started or exited before completing its handshake.
	ErrGuestSpawnFailed = errors.New("hosterr: guest spawn failed")

	// ErrHandshakeFailure covers an unknown control byte or malformed
	// init blob. Fatal for the connection.
	ErrHandshakeFailure = errors.New("hosterr: handshake failure")
)

// Descriptor is the wire-level shape of an RPC error reply: kind,
// human message, and an optional stack trace captured only when
// recovering from a panic in a dispatched handler.
type Descriptor struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// kindNames maps sentinel errors to their wire "kind" string.
var kindNames = map[error]string{
	ErrTransientIO:             "TransientIO",
	ErrFraming:                 "FramingError",
	ErrReplayExhausted:         "ReplayExhausted",
	ErrRpcMethodNotFound:       "RpcMethodNotFound",
	ErrRpcBadArguments:         "RpcBadArguments",
	ErrRpcHandlerException:     "RpcHandlerException",
	ErrRpcCancelled:            "RpcCancelled",
	ErrGuestVersionUnsupported: "GuestVersionUnsupported",
	ErrGuestSpawnFailed:        "GuestSpawnFailed",
	ErrHandshakeFailure:        "HandshakeFailure",
}

// KindOf returns the wire "kind" name for a sentinel error, or
// "Unknown" if err doesn't match one of the taxonomy's kinds via
// errors.Is.
func KindOf(err error) string {
	for sentinel, name := range kindNames {
		if errors.Is(err, sentinel) {
			return name
		}
	}
	return "Unknown"
}

// ToDescriptor builds a wire Descriptor from an error. If err carries a
// stack trace (see WithStack), it is attached to the descriptor.
func ToDescriptor(err error) Descriptor {
	d := Descriptor{Kind: KindOf(err), Message: err.Error()}
	var sp stackProvider
	if errors.As(err, &sp) {
		d.Stack = sp.Stack()
	}
	return d
}

// stackProvider is implemented by errors constructed with WithStack.
type stackProvider interface {
	Stack() string
}

// WithStack attaches a captured stack trace to err, so that
// ToDescriptor can carry it on the wire. The sentinel identity of err
// is preserved: errors.Is and errors.As still see through to err.
func WithStack(err error, stack string) error {
	return &stackedError{err: err, stack: stack}
}

type stackedError struct {
	err   error
	stack string
}

func (e *stackedError) Error() string { return e.err.Error() }
func (e *stackedError) Unwrap() error { return e.err }
func (e *stackedError) Stack() string { return e.stack }
