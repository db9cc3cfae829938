// Command hostd is the IDE-side extension host runtime: it owns the
// transport listener, spawns (or attaches to) the guest runtime,
// drives the persistent RPC protocol for the lifetime of one guest
// connection, and keeps a document/editor mirror whose deltas are
// logged; the mirror is not attached to the guest connection.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ehrlich-b/exthost/internal/config"
	"github.com/ehrlich-b/exthost/internal/fswatch"
	"github.com/ehrlich-b/exthost/internal/hostmanager"
	"github.com/ehrlich-b/exthost/internal/logger"
	"github.com/ehrlich-b/exthost/internal/mirror"
	"github.com/ehrlich-b/exthost/internal/registry"
	"github.com/ehrlich-b/exthost/internal/rpc"
	"github.com/ehrlich-b/exthost/internal/secretstore"
	"github.com/ehrlich-b/exthost/internal/sessionstore"
	"github.com/ehrlich-b/exthost/internal/sock"
	"github.com/ehrlich-b/exthost/internal/transport"
)

type runOpts struct {
	extensionID string
	entryFile   string
	debugHost   string
	logLevel    string
	logFile     string
}

func main() {
	var opts runOpts

	root := &cobra.Command{
		Use:   "hostd",
		Short: "IDE extension host runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}

	root.Flags().StringVar(&opts.extensionID, "extension-id", "exthost.default", "extension id reported in the init blob")
	root.Flags().StringVar(&opts.entryFile, "entry", "", "guest runtime entry file (defaults to a file named exthost-entry.js next to the runtime executable)")
	root.Flags().StringVar(&opts.debugHost, "debug-host", "", "connect to an already-listening guest at host:port instead of spawning one (spec §4.8 debug-host path)")
	root.Flags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")
	root.Flags().StringVar(&opts.logFile, "log-file", "", "override the configured log file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(opts runOpts) error {
	userConfigDir, err := config.GetUserConfigDir()
	if err != nil {
		return fmt.Errorf("resolve user config dir: %w", err)
	}
	projectDir, err := config.GetProjectDir()
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}
	if err := config.EnsureConfigDirs(userConfigDir, projectDir); err != nil {
		return fmt.Errorf("ensure config dirs: %w", err)
	}

	rtCfg, err := config.LoadRuntimeConfig(userConfigDir)
	if err != nil {
		return fmt.Errorf("load runtime config: %w", err)
	}
	if rtCfg.HostID == "" {
		rtCfg.HostID = uuid.NewString()
		if err := config.SaveRuntimeConfig(userConfigDir, rtCfg); err != nil {
			return fmt.Errorf("save runtime config: %w", err)
		}
	}

	settings := config.NewManager()
	if err := settings.Load(userConfigDir, projectDir); err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	merged := settings.Get()

	level := firstNonEmpty(opts.logLevel, rtCfg.LogLevel, merged.LogLevel)
	logFile := firstNonEmpty(opts.logFile, rtCfg.LogFile)
	if err := logger.Init(level, logFile); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	log := logger.Log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessionDBPath := rtCfg.SessionDBPath
	if sessionDBPath == "" {
		sessionDBPath = filepath.Join(userConfigDir, "sessions.db")
	}
	store, err := sessionstore.Open(sessionDBPath)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()

	secrets, err := secretstore.New(rtCfg.SecretsDir)
	if err != nil {
		return fmt.Errorf("open secret store: %w", err)
	}

	mir := mirror.New(func(d mirror.Delta) {
		log.Debug("mirror flush", "documents", len(d.Documents), "editors", len(d.Editors))
	}, log)

	watcher, err := fswatch.New(mir, log)
	if err != nil {
		return fmt.Errorf("start fswatch: %w", err)
	}
	defer watcher.Close()
	mir.SetDocumentHooks(func(uri string) {
		if err := watcher.Track(uri); err != nil {
			log.Warn("fswatch track failed", "uri", uri, "err", err)
		}
	}, watcher.Untrack)

	var conn net.Conn
	var listener *transport.Listener
	var guest *guestHandle

	if opts.debugHost != "" {
		log.Info("connecting to debug host", "addr", opts.debugHost)
		conn, err = transport.DialDebugHost(opts.debugHost)
		if err != nil {
			return fmt.Errorf("dial debug host: %w", err)
		}
	} else {
		listener, guest, conn, err = spawnGuest(ctx, rtCfg, opts, log)
		if err != nil {
			return err
		}
		defer listener.Stop()
		defer guest.mgr.Stop()
	}

	label := "debug-host:" + opts.debugHost
	if guest != nil {
		label = "guest:" + guest.sessionID
	}
	socket := sock.New(conn, label, log)

	workspaceName := filepath.Base(projectDir)

	var hostRegistry *registry.Registry
	var rpcLayer *rpc.Layer

	hm := hostmanager.New(socket, hostmanager.Options{
		ExtensionID: opts.extensionID,
		BuildInit: func() (hostmanager.InitBlob, error) {
			return hostmanager.InitBlob{
				Commit:  "dev",
				Version: "1.0.0",
				Environment: hostmanager.Environment{
					AppName: "exthost",
				},
				Workspace: hostmanager.Workspace{
					ID:      rtCfg.HostID,
					Name:    workspaceName,
					Folders: []string{projectDir},
				},
				Extensions: []hostmanager.Extension{
					{ID: opts.extensionID, Version: "0.0.0"},
				},
			}, nil
		},
		Activate: func(ctx context.Context, extensionID string) error {
			return activateExtension(ctx, hostRegistry, rpcLayer, extensionID)
		},
		RegisterHost: func(reg *registry.Registry, layer *rpc.Layer) {
			hostRegistry = reg
			rpcLayer = layer
			registerHostServices(reg, layer, secrets, log)
		},
		Logger: log,
	})

	if err := hm.Start(ctx); err != nil {
		return fmt.Errorf("start host manager: %w", err)
	}

	select {
	case <-ctx.Done():
		log.Info("host shutting down")
	case <-hm.Terminated():
		log.Info("guest requested termination")
	}

	hm.Dispose()
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
