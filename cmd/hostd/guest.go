package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehrlich-b/exthost/internal/config"
	"github.com/ehrlich-b/exthost/internal/guestproc"
	"github.com/ehrlich-b/exthost/internal/transport"
)

// acceptTimeout bounds how long hostd waits for the spawned guest to
// connect back before giving up (spec §4.8: the host is the one
// listening, so a guest that never dials in must not hang hostd
// forever).
const acceptTimeout = 30 * time.Second

type guestHandle struct {
	mgr       *guestproc.Manager
	sessionID string
}

// spawnGuest opens the configured transport listener, discovers and
// spawns the guest runtime, and waits for its single connect-back.
func spawnGuest(ctx context.Context, rtCfg *config.RuntimeConfig, opts runOpts, log *slog.Logger) (*transport.Listener, *guestHandle, net.Conn, error) {
	sessionID := uuid.NewString()

	var listener *transport.Listener
	var gTransport guestproc.Transport
	var err error

	switch rtCfg.Transport.Kind {
	case "tcp":
		listener, err = transport.Listen(log)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("listen tcp: %w", err)
		}
		host, port := listener.Addr()
		gTransport = guestproc.Transport{Kind: "tcp", TCPHost: host, TCPPort: port}
	default:
		socketPath := rtCfg.Transport.Path
		if socketPath == "" {
			socketPath = filepath.Join(os.TempDir(), fmt.Sprintf("exthost-%s.sock", sessionID))
		}
		listener, err = transport.ListenUnix(socketPath, log)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("listen uds: %w", err)
		}
		gTransport = guestproc.Transport{Kind: "uds", UDSPath: listener.SocketPath()}
	}

	executable, err := guestproc.Discover(guestproc.DiscoverOpts{
		BundledPath:   rtCfg.GuestBundledPath,
		FallbackPaths: rtCfg.GuestFallbackPaths,
	})
	if err != nil {
		listener.Stop()
		return nil, nil, nil, fmt.Errorf("discover guest runtime: %w", err)
	}

	if err := checkGuestVersion(executable); err != nil {
		listener.Stop()
		return nil, nil, nil, err
	}

	entryFile := opts.entryFile
	if entryFile == "" {
		entryFile = filepath.Join(filepath.Dir(executable), "exthost-entry.js")
	}

	guest, err := guestproc.Spawn(ctx, guestproc.SpawnOpts{
		Executable: executable,
		EntryFile:  entryFile,
		Transport:  gTransport,
		ProxyEnv: guestproc.ProxyEnv{
			HTTPProxy:  rtCfg.Proxy.HTTPProxy,
			HTTPSProxy: rtCfg.Proxy.HTTPSProxy,
			NoProxy:    rtCfg.Proxy.NoProxy,
			PACURL:     rtCfg.Proxy.PACURL,
		},
		OnOutputLine: func(line string) {
			log.Debug("guest output", "sessionID", sessionID, "line", line)
		},
		Log: log,
	})
	if err != nil {
		listener.Stop()
		return nil, nil, nil, fmt.Errorf("spawn guest: %w", err)
	}

	acceptCtx, cancel := context.WithTimeout(ctx, acceptTimeout)
	defer cancel()
	conn, err := listener.Accept(acceptCtx)
	if err != nil {
		guest.Stop()
		listener.Stop()
		return nil, nil, nil, fmt.Errorf("accept guest connection: %w", err)
	}

	return listener, &guestHandle{mgr: guest, sessionID: sessionID}, conn, nil
}

// checkGuestVersion runs the discovered runtime with --version and
// refuses anything below guestproc.MinVersion before spawning for
// real (spec §4.7).
func checkGuestVersion(executable string) error {
	out, err := exec.Command(executable, "--version").Output()
	if err != nil {
		return fmt.Errorf("check guest runtime version: %w", err)
	}
	return guestproc.CheckVersion(strings.TrimSpace(string(out)))
}
