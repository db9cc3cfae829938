// Package rpc implements the bidirectional RPC layer (spec L5) on top
// of internal/wire: proxy identifiers, request/reply correlation,
// cancellation tokens, and dispatch to registered service handlers
// using declarative method tables instead of runtime reflection (spec
// §9, Reflective Dispatch design note).
package rpc

import (
	"encoding/binary"
	"encoding/json"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"

	"github.com/ehrlich-b/exthost/internal/hosterr"
	"github.com/ehrlich-b/exthost/internal/wire"
)

// FrameType is the RPC-level message discriminator carried in the "k"
// field of the JSON envelope that forms every wire.Frame payload this
// layer produces.
type FrameType byte

const (
	FrameRequest FrameType = iota
	FrameReplyOK
	FrameReplyErr
	FrameCancel
)

// envelope is the decoded shape of an RPC frame payload, independent
// of FrameType (fields not applicable to a given type are zero).
type envelope struct {
	Kind        FrameType           `json:"k"`
	Correlation uint64              `json:"c"`
	ProxyID     int32               `json:"p,omitempty"`
	MethodIndex int                 `json:"m,omitempty"`
	Args        json.RawMessage     `json:"a,omitempty"`
	Result      json.RawMessage     `json:"r,omitempty"`
	Err         *hosterr.Descriptor `json:"e,omitempty"`
}

// Decoder decodes one positional argument from raw JSON. Declarative
// per-method argument decoders replace runtime reflection/coercion.
type Decoder func(raw json.RawMessage) (any, error)

// MethodSpec declares one callable method on a service shape: its
// name, argument decoders, and the Go function that implements it. Its
// position in ServiceHandler.Methods is the index used on the wire
// instead of the name. Handler receives already-decoded
// positional arguments and returns a JSON-marshalable result or an
// error.
type MethodSpec struct {
	Name     string
	Decoders []Decoder
	// Handler receives decoded positional args plus a channel closed
	// when the caller sends a Cancel frame for this call. Honoring it
	// is best-effort, per spec §7/§9: the call must still eventually
	// complete or repudiate.
	Handler func(args []any, cancel <-chan struct{}) (any, error)
}

// ServiceHandler is a registered shape's method table, indexed by the
// wire method index. This is the seam where leaf services
// (spec L11, out of scope) would plug in their per-method logic.
type ServiceHandler struct {
	Methods []MethodSpec
}

// pendingCall tracks one outstanding request awaiting a reply.
type pendingCall struct {
	reply  chan callResult
	cancel chan struct{}
}

type callResult struct {
	value json.RawMessage
	err   error
}

// Layer wires a wire.Protocol to a set of registered service handlers
// and exposes Call for issuing outbound requests.
type Layer struct {
	proto *wire.Protocol
	log   *slog.Logger

	mu             sync.Mutex
	services       map[int32]*ServiceHandler
	pending        map[uint64]*pendingCall
	inboundCancels map[uint64]chan struct{}
}

// New builds an RPC Layer on top of an already-framed protocol. It does
// not register itself as the protocol's message handler; see
// HandleFrame.
func New(proto *wire.Protocol) *Layer {
	l := &Layer{
		proto:          proto,
		log:            slog.Default(),
		services:       make(map[int32]*ServiceHandler),
		pending:        make(map[uint64]*pendingCall),
		inboundCancels: make(map[uint64]chan struct{}),
	}
	return l
}

// logger returns l.log, falling back to slog.Default() for Layers
// built as bare struct literals (test helpers) rather than via New.
func (l *Layer) logger() *slog.Logger {
	if l.log != nil {
		return l.log
	}
	return slog.Default()
}

// HandleFrame is the wire.Protocol onMessage callback; wire it with
// proto's constructor: wire.New(conn, layer.HandleFrame).
func (l *Layer) HandleFrame(f wire.Frame) {
	var env envelope
	if err := json.Unmarshal(f.Payload, &env); err != nil {
		l.logger().Warn("dropping malformed rpc envelope", "err", err)
		return
	}
	switch env.Kind {
	case FrameRequest:
		go l.dispatch(env)
	case FrameReplyOK:
		l.completeCall(env.Correlation, env.Result, nil)
	case FrameReplyErr:
		l.completeCall(env.Correlation, nil, descriptorToError(env.Err))
	case FrameCancel:
		l.cancelInbound(env.Correlation)
	}
}

// RegisterService attaches a handler to a proxy id (spec §4.6).
func (l *Layer) RegisterService(proxyID int32, h *ServiceHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services[proxyID] = h
}

// newCorrelationID draws from a UUIDv4's low 32 bits: the correlation
// space only needs to be unique within the window of outstanding
// calls, so a random source avoids persisting a counter across
// reconnects.
func newCorrelationID() uint64 {
	id := uuid.New()
	return uint64(binary.BigEndian.Uint32(id[12:16]))
}

// Call issues a request to proxyID/methodIndex with already-JSON-
// encoded args, and blocks until a reply or cancellation arrives.
// cancel, if non-nil, is closed to request best-effort cancellation.
func (l *Layer) Call(proxyID int32, methodIndex int, args json.RawMessage, cancel <-chan struct{}) (json.RawMessage, error) {
	corr := newCorrelationID()
	pc := &pendingCall{reply: make(chan callResult, 1), cancel: make(chan struct{})}

	l.mu.Lock()
	l.pending[corr] = pc
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.pending, corr)
		l.mu.Unlock()
	}()

	env := envelope{Kind: FrameRequest, Correlation: corr, ProxyID: proxyID, MethodIndex: methodIndex, Args: args}
	l.send(env)

	if cancel == nil {
		result := <-pc.reply
		return result.value, result.err
	}
	select {
	case result := <-pc.reply:
		return result.value, result.err
	case <-cancel:
		l.send(envelope{Kind: FrameCancel, Correlation: corr})
		return nil, hosterr.ErrRpcCancelled
	}
}

func (l *Layer) send(env envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		l.logger().Error("failed to marshal rpc envelope", "kind", env.Kind, "err", err)
		return
	}
	l.proto.Send(payload)
}

func (l *Layer) completeCall(corr uint64, value json.RawMessage, err error) {
	l.mu.Lock()
	pc, ok := l.pending[corr]
	l.mu.Unlock()
	if !ok {
		return
	}
	select {
	case pc.reply <- callResult{value: value, err: err}:
	default:
	}
}

func (l *Layer) cancelInbound(corr uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	// Inbound cancellation of a request we're currently handling is
	// tracked per-dispatch; see dispatch's local cancel registry.
	if c, ok := l.inboundCancels[corr]; ok {
		select {
		case <-c:
		default:
			close(c)
		}
	}
}

func (l *Layer) dispatch(env envelope) {
	l.mu.Lock()
	h, ok := l.services[env.ProxyID]
	l.mu.Unlock()
	if !ok || env.MethodIndex < 0 || env.MethodIndex >= len(h.Methods) {
		l.replyErr(env.Correlation, hosterr.ErrRpcMethodNotFound)
		return
	}
	spec := h.Methods[env.MethodIndex]

	var rawArgs []json.RawMessage
	if len(env.Args) > 0 {
		if err := json.Unmarshal(env.Args, &rawArgs); err != nil {
			l.replyErr(env.Correlation, hosterr.ErrRpcBadArguments)
			return
		}
	}
	if len(rawArgs) != len(spec.Decoders) {
		l.replyErr(env.Correlation, hosterr.ErrRpcBadArguments)
		return
	}
	args := make([]any, len(rawArgs))
	for i, raw := range rawArgs {
		v, err := spec.Decoders[i](raw)
		if err != nil {
			l.replyErr(env.Correlation, hosterr.ErrRpcBadArguments)
			return
		}
		args[i] = v
	}

	cancelCh := make(chan struct{})
	l.mu.Lock()
	l.inboundCancels[env.Correlation] = cancelCh
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.inboundCancels, env.Correlation)
		l.mu.Unlock()
	}()

	result, err := l.invoke(spec, args, cancelCh)
	if err != nil {
		l.replyErr(env.Correlation, err)
		return
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		l.replyErr(env.Correlation, hosterr.ErrRpcHandlerException)
		return
	}
	l.send(envelope{Kind: FrameReplyOK, Correlation: env.Correlation, Result: encoded})
}

// invoke calls the handler, recovering a panic into a
// RpcHandlerException descriptor with a captured stack trace, per the
// teacher's recoveryUnary/recoveryStream interceptor pattern
// generalized from gRPC interceptors to a plain deferred recover.
func (l *Layer) invoke(spec MethodSpec, args []any, cancel <-chan struct{}) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			l.logger().Error("rpc handler panicked", "recovered", r)
			err = hosterr.WithStack(hosterr.ErrRpcHandlerException, stack)
		}
	}()
	return spec.Handler(args, cancel)
}

func (l *Layer) replyErr(corr uint64, err error) {
	desc := hosterr.ToDescriptor(err)
	l.send(envelope{Kind: FrameReplyErr, Correlation: corr, Err: &desc})
}

func descriptorToError(d *hosterr.Descriptor) error {
	if d == nil {
		return hosterr.ErrRpcHandlerException
	}
	return &remoteError{Descriptor: *d}
}

// remoteError wraps a Descriptor received from the peer as a local
// Go error value.
type remoteError struct {
	hosterr.Descriptor
}

func (e *remoteError) Error() string { return e.Message }

// Is matches the sentinel whose wire kind the peer reported, so
// errors.Is and hosterr.KindOf see through a remote reply.
func (e *remoteError) Is(target error) bool {
	k := hosterr.KindOf(target)
	return k != "Unknown" && k == e.Kind
}
