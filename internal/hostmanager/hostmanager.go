// Package hostmanager implements the host manager (spec L9): it owns
// one guest connection's entire life, driving the Ready/init-blob/
// Initialized handshake, wiring the RPC layer and service registry,
// activating the extension, and tearing everything down in the right
// order on dispose. It does not attach a document/editor mirror to the
// connection.
package hostmanager

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/ehrlich-b/exthost/internal/registry"
	"github.com/ehrlich-b/exthost/internal/rpc"
	"github.com/ehrlich-b/exthost/internal/sock"
	"github.com/ehrlich-b/exthost/internal/wire"
)

// Handshake control bytes, carried as one-byte wire.TypeControl
// payloads (see SPEC_FULL.md §9, Handshake control-byte encoding).
const (
	ctrlReady       byte = 0x01
	ctrlInitialized byte = 0x02
	ctrlTerminate   byte = 0x03
)

// InitBlob is the JSON document sent to the guest once, immediately
// after Ready (spec §6).
type InitBlob struct {
	Commit      string          `json:"commit"`
	Version     string          `json:"version"`
	Environment Environment     `json:"environment"`
	Workspace   Workspace       `json:"workspace"`
	Extensions  []Extension     `json:"extensions"`
	Config      json.RawMessage `json:"configuration"`
}

type Environment struct {
	AppName string `json:"appName"`
}

type Workspace struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Folders []string `json:"folders"`
}

type Extension struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

// BuildInitBlob hook: supplied by the caller so the host manager stays
// agnostic of exactly how IDE state is gathered.
type BuildInitBlob func() (InitBlob, error)

// ActivateExtension calls activate(extensionId) on the guest's
// extension service (spec §4.9: "on success nothing is surfaced, on
// failure a diagnostic is logged").
type ActivateExtension func(ctx context.Context, extensionID string) error

// Options configures one Manager.
type Options struct {
	ExtensionID  string
	BuildInit    BuildInitBlob
	Activate     ActivateExtension
	RegisterHost func(reg *registry.Registry, layer *rpc.Layer) // host-provided service registration hook
	Logger       *slog.Logger
}

// Manager owns one guest connection end to end.
type Manager struct {
	opts Options
	log  *slog.Logger

	sock     *sock.Socket
	proto    *wire.Protocol
	rpcLayer *rpc.Layer
	registry *registry.Registry

	tasksCtx    context.Context
	cancelTasks context.CancelFunc

	mu         sync.Mutex
	disposed   bool
	cleanups   []func()
	terminated chan struct{}
}

// New constructs a Manager bound to an already-accepted guest
// connection (e.g. the one net.Conn returned from
// transport.Listener.Accept).
func New(conn *sock.Socket, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := &Manager{
		opts:       opts,
		log:        opts.Logger,
		sock:       conn,
		terminated: make(chan struct{}),
	}
	return m
}

// Start wires the protocol, registers the dispose order, and begins
// receiving. The handshake itself runs asynchronously as frames
// arrive; Start returns once the listener is attached.
func (m *Manager) Start(ctx context.Context) error {
	m.tasksCtx, m.cancelTasks = context.WithCancel(ctx)
	m.registry = registry.New()
	m.proto = wire.New(m.sock, m.handleFrame)
	m.proto.OnDisconnected(func(err error) {
		m.log.Warn("guest connection disconnected", "err", err)
	})

	m.rpcLayer = rpc.New(m.proto)
	if m.opts.RegisterHost != nil {
		m.opts.RegisterHost(m.registry, m.rpcLayer)
	}

	// Construction order is socket, protocol, RPC, tasks; dispose runs
	// the reverse (spec §4.9: "cancels any scoped tasks, disposes the
	// RPC manager, then the protocol, then the socket, in that order").
	m.registerCleanup(func() { _ = m.sock.Dispose() })
	m.registerCleanup(func() { m.proto.Dispose() })
	// No separate RPC-layer close: rpc.Layer has no background
	// resources of its own, only state guarded by the protocol's
	// lifetime, so this cleanup entry is a no-op placeholder that
	// documents the four-layer order.
	m.registerCleanup(func() {})
	m.registerCleanup(m.cancelTasks)
	return nil
}

func (m *Manager) registerCleanup(f func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups = append(m.cleanups, f)
}

func (m *Manager) handleFrame(f wire.Frame) {
	if f.Type == wire.TypeControl && len(f.Payload) == 1 {
		// onMessage runs with the protocol's lock held, and the handshake
		// steps call back into the protocol (Send, Dispose).
		go m.handleHandshakeByte(f.Payload[0])
		return
	}
	// "other, len > 1": an RPC envelope, already demultiplexed by L4;
	// forward to the RPC layer.
	m.rpcLayer.HandleFrame(f)
}

func (m *Manager) handleHandshakeByte(b byte) {
	switch b {
	case ctrlReady:
		m.onReady()
	case ctrlInitialized:
		m.onInitialized()
	case ctrlTerminate:
		m.onTerminate()
	default:
		m.log.Warn("unknown control frame", "byte", b)
	}
}

func (m *Manager) onReady() {
	if m.opts.BuildInit == nil {
		m.log.Error("no init blob builder configured")
		return
	}
	blob, err := m.opts.BuildInit()
	if err != nil {
		m.log.Error("failed to build init blob", "err", err)
		return
	}
	payload, err := json.Marshal(blob)
	if err != nil {
		m.log.Error("failed to marshal init blob", "err", err)
		return
	}
	m.proto.Send(payload)
}

func (m *Manager) onInitialized() {
	// RPC layer and registry are already wired in Start; no editor
	// mirror is attached to the connection, so activation is the only
	// step here.
	if m.opts.Activate == nil {
		return
	}
	go func() {
		if err := m.opts.Activate(m.tasksCtx, m.opts.ExtensionID); err != nil {
			m.log.Error("extension activation failed", "extension", m.opts.ExtensionID, "err", err)
		}
	}()
}

func (m *Manager) onTerminate() {
	m.mu.Lock()
	select {
	case <-m.terminated:
		m.mu.Unlock()
		return
	default:
		close(m.terminated)
	}
	m.mu.Unlock()
	m.Dispose()
}

// Terminated is closed once a Terminate control frame has begun
// shutdown.
func (m *Manager) Terminated() <-chan struct{} {
	return m.terminated
}

// Dispose runs the four-layer teardown exactly once, in construction-
// reverse order.
func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	cleanups := m.cleanups
	m.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
}
