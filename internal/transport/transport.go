// Package transport implements the connection listener (spec L8): a
// TCP loopback or Unix domain socket server that accepts exactly the
// guest runtime's single connection and hands it off as a net.Conn.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Kind selects the listening transport.
type Kind int

const (
	// KindTCP listens on 127.0.0.1:0 (OS-assigned port).
	KindTCP Kind = iota
	// KindUDS listens on a temporary Unix domain socket file.
	KindUDS
)

// acceptRetryDelay is how long Listener waits after a transient Accept
// error before retrying, matching the teacher's listener loops which
// never busy-spin on Accept errors.
var acceptRetryDelay = time.Second

// Listener accepts a single inbound connection from a spawned guest
// process and then, by design, stops accepting further connections:
// the host speaks to exactly one guest per Listener (spec §4.8).
type Listener struct {
	kind     Kind
	ln       net.Listener
	udsPath  string
	conns    chan net.Conn
	errs     chan error
	stopped  chan struct{}
	stopOnce bool
	log      *slog.Logger
}

// Listen opens a TCP loopback listener and returns its address
// components for composing the guest's environment. log may be nil,
// in which case slog.Default() is used.
func Listen(log *slog.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen tcp: %w", err)
	}
	l := newListener(KindTCP, ln, "", log)
	go l.acceptLoop()
	return l, nil
}

// ListenUnix opens a Unix domain socket listener at path, removing any
// stale socket file first (mirrors the teacher's transport server's
// stale-socket cleanup). log may be nil, in which case slog.Default()
// is used.
func ListenUnix(path string, log *slog.Logger) (*Listener, error) {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen unix %s: %w", path, err)
	}
	tuneUnixListener(ln, log)
	l := newListener(KindUDS, ln, path, log)
	go l.acceptLoop()
	return l, nil
}

// DialDebugHost connects directly to an already-running guest runtime
// listening at addr, bypassing Listen/Spawn entirely. This backs the
// --debug-host developer flag (spec §9 Open Question: debug-host
// connect path).
func DialDebugHost(addr string) (net.Conn, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial debug host %s: %w", addr, err)
	}
	return conn, nil
}

// tuneUnixListener sets SO_REUSEADDR on the listener's underlying fd
// so a restarted host can rebind a socket path its own prior process
// is still tearing down, the one fd-level tuning net.UnixListener
// doesn't expose directly. Best-effort: failures are ignored, the
// listener still works without it.
func tuneUnixListener(ln net.Listener, log *slog.Logger) {
	ul, ok := ln.(*net.UnixListener)
	if !ok {
		return
	}
	raw, err := ul.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil && log != nil {
			log.Debug("SO_REUSEADDR tuning failed", "err", err)
		}
	})
}

func newListener(kind Kind, ln net.Listener, udsPath string, log *slog.Logger) *Listener {
	if log == nil {
		log = slog.Default()
	}
	return &Listener{
		kind:    kind,
		ln:      ln,
		udsPath: udsPath,
		conns:   make(chan net.Conn, 1),
		errs:    make(chan error, 1),
		stopped: make(chan struct{}),
		log:     log,
	}
}

// Addr returns the TCP host/port this listener is bound to. Only
// meaningful for KindTCP.
func (l *Listener) Addr() (host string, port int) {
	tcpAddr, ok := l.ln.Addr().(*net.TCPAddr)
	if !ok {
		return "", 0
	}
	return tcpAddr.IP.String(), tcpAddr.Port
}

// SocketPath returns the Unix domain socket path. Only meaningful for
// KindUDS.
func (l *Listener) SocketPath() string {
	return l.udsPath
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.stopped:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.Warn("transport accept error, retrying", "err", err)
			select {
			case <-time.After(acceptRetryDelay):
				continue
			case <-l.stopped:
				return
			}
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}
		select {
		case l.conns <- conn:
		case <-l.stopped:
			conn.Close()
			return
		}
		return // single-guest listener: stop accepting after the first connection
	}
}

// Accept blocks until the guest's single connection arrives, the
// context is cancelled, or the listener is stopped.
func (l *Listener) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case err := <-l.errs:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.stopped:
		return nil, errors.New("transport: listener stopped")
	}
}

// Stop closes the underlying listener and cleans up a Unix socket
// file if one was created. Idempotent.
func (l *Listener) Stop() error {
	if l.stopOnce {
		return nil
	}
	l.stopOnce = true
	close(l.stopped)
	err := l.ln.Close()
	if l.kind == KindUDS && l.udsPath != "" {
		if rmErr := os.Remove(l.udsPath); rmErr != nil && !os.IsNotExist(rmErr) {
			l.log.Warn("failed to remove uds socket file", "path", l.udsPath, "err", rmErr)
		}
	}
	return err
}
