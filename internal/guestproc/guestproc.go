// Package guestproc implements the guest process manager (spec L7):
// runtime discovery, minimum-version enforcement, spawn with composed
// environment, a merged stdout+stderr monitor, and graceful stop.
package guestproc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	goversion "github.com/hashicorp/go-version"

	"github.com/ehrlich-b/exthost/internal/hosterr"
)

// MinVersion is the lowest guest runtime version this host will
// spawn, per spec §4.7.
var MinVersion = goversion.Must(goversion.NewVersion("20.6.0"))

// GracefulStopTimeout is how long Stop waits for the process to exit
// after SIGTERM before forcing termination.
var GracefulStopTimeout = 5 * time.Second

// FinalizationWindow is the additional grace period after the process
// actually exits, before Stop's caller is released, giving the
// monitor goroutine time to drain final output.
var FinalizationWindow = 2 * time.Second

// Transport selects how the spawned runtime should connect back.
type Transport struct {
	// Kind is either "uds" or "tcp".
	Kind string
	// UDSPath is set when Kind == "uds".
	UDSPath string
	// TCPHost/TCPPort are set when Kind == "tcp".
	TCPHost string
	TCPPort int
}

// DiscoverOpts controls runtime executable discovery order (spec
// §4.7): bundled distribution, then PATH, then a fixed fallback list.
type DiscoverOpts struct {
	BundledPath   string
	FallbackPaths []string
}

// Discover locates a runtime executable, preferring a bundled
// distribution, then the process PATH, then fixed fallback locations.
func Discover(opts DiscoverOpts) (string, error) {
	if opts.BundledPath != "" {
		if st, err := os.Stat(opts.BundledPath); err == nil && !st.IsDir() {
			return opts.BundledPath, nil
		}
	}
	if p, err := exec.LookPath("node"); err == nil {
		return p, nil
	}
	for _, p := range opts.FallbackPaths {
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: no guest runtime found", hosterr.ErrGuestSpawnFailed)
}

// CheckVersion parses a version string (as reported by `<exe>
// --version`) and refuses anything below MinVersion.
func CheckVersion(reported string) error {
	reported = strings.TrimSpace(strings.TrimPrefix(reported, "v"))
	v, err := goversion.NewVersion(reported)
	if err != nil {
		return fmt.Errorf("%w: unparseable version %q", hosterr.ErrGuestVersionUnsupported, reported)
	}
	if v.LessThan(MinVersion) {
		return fmt.Errorf("%w: %s < %s", hosterr.ErrGuestVersionUnsupported, v, MinVersion)
	}
	return nil
}

// SpawnOpts configures one guest process launch.
type SpawnOpts struct {
	Executable string
	EntryFile  string
	Transport  Transport
	ProxyEnv   ProxyEnv
	ExtraEnv   map[string]string
	// OnOutputLine is invoked for every line of merged stdout+stderr,
	// in order, on the monitor goroutine.
	OnOutputLine func(line string)
	// Log receives lifecycle diagnostics (spawn, signal/kill failures,
	// abnormal exit). Defaults to slog.Default() if nil.
	Log *slog.Logger
}

// ProxyEnv carries the proxy-related environment derived from IDE
// configuration or, failing that, from the parent environment (spec
// §4.7/§6): HTTP_PROXY/HTTPS_PROXY/NO_PROXY or a PAC URL.
type ProxyEnv struct {
	HTTPProxy  string
	HTTPSProxy string
	NoProxy    string
	PACURL     string
}

// Manager owns one spawned guest process's lifecycle.
type Manager struct {
	mu      sync.Mutex
	cmd     *exec.Cmd
	done    chan struct{}
	exitErr error
	stopped bool
	log     *slog.Logger
}

// Spawn starts the runtime executable with the arguments and
// environment composition described in spec §6/§4.7, merging stderr
// into stdout and feeding lines to OnOutputLine as they arrive.
func Spawn(ctx context.Context, opts SpawnOpts) (*Manager, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	args := buildArgs(opts)
	cmd := exec.CommandContext(ctx, opts.Executable, args...)
	cmd.Env = buildEnv(opts)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = GracefulStopTimeout

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", hosterr.ErrGuestSpawnFailed, err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", hosterr.ErrGuestSpawnFailed, err)
	}

	m := &Manager{cmd: cmd, done: make(chan struct{}), log: log}
	log.Debug("guest spawned", "executable", opts.Executable, "pid", cmd.Process.Pid)
	go m.monitor(stdout, opts.OnOutputLine)
	return m, nil
}

func buildArgs(opts SpawnOpts) []string {
	willSend := "0"
	args := []string{opts.EntryFile}
	switch opts.Transport.Kind {
	case "tcp":
		willSend = "1"
		args = append(args,
			fmt.Sprintf("--socket-host=%s", opts.Transport.TCPHost),
			fmt.Sprintf("--socket-port=%d", opts.Transport.TCPPort),
		)
	case "uds":
		// Socket path is conveyed via SOCKET_HOOK in the environment,
		// not as an argument (spec §4.7).
	}
	args = append(args, fmt.Sprintf("--will-send-socket=%s", willSend))
	return args
}

func buildEnv(opts SpawnOpts) []string {
	env := os.Environ()
	set := func(key, val string) {
		env = append(env, key+"="+val)
	}

	switch opts.Transport.Kind {
	case "uds":
		set("SOCKET_HOOK", opts.Transport.UDSPath)
	case "tcp":
		set("WILL_SEND_SOCKET", "1")
		set("SOCKET_HOST", opts.Transport.TCPHost)
		set("SOCKET_PORT", fmt.Sprintf("%d", opts.Transport.TCPPort))
	}

	if opts.ProxyEnv.HTTPProxy != "" {
		set("HTTP_PROXY", opts.ProxyEnv.HTTPProxy)
	}
	if opts.ProxyEnv.HTTPSProxy != "" {
		set("HTTPS_PROXY", opts.ProxyEnv.HTTPSProxy)
	}
	if opts.ProxyEnv.NoProxy != "" {
		set("NO_PROXY", opts.ProxyEnv.NoProxy)
	}
	if opts.ProxyEnv.PACURL != "" {
		set("PROXY_PAC_URL", opts.ProxyEnv.PACURL)
	}

	path := os.Getenv("PATH")
	augmented := augmentPath(path)
	set("PATH", augmented)

	for k, v := range opts.ExtraEnv {
		set(k, v)
	}
	return env
}

// commonPackageManagerDirs are appended to PATH so the guest can find
// package-manager-installed tools even when the host's own PATH
// doesn't include them (spec §4.7: "a PATH augmented with common
// package-manager directories").
var commonPackageManagerDirs = []string{
	filepath.Join(os.Getenv("HOME"), ".npm-global", "bin"),
	filepath.Join(os.Getenv("HOME"), ".yarn", "bin"),
	filepath.Join(os.Getenv("HOME"), ".local", "bin"),
	"/usr/local/bin",
}

func augmentPath(existing string) string {
	parts := strings.Split(existing, string(os.PathListSeparator))
	seen := make(map[string]bool, len(parts))
	for _, p := range parts {
		seen[p] = true
	}
	for _, dir := range commonPackageManagerDirs {
		if dir == "" || seen[dir] {
			continue
		}
		parts = append(parts, dir)
		seen[dir] = true
	}
	return strings.Join(parts, string(os.PathListSeparator))
}

func (m *Manager) monitor(stdout io.Reader, onLine func(string)) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if onLine != nil {
			onLine(scanner.Text())
		}
	}
	if err := scanner.Err(); err != nil {
		m.log.Warn("guest output scan error", "err", err)
	}
	err := m.cmd.Wait()
	m.mu.Lock()
	m.exitErr = err
	m.mu.Unlock()
	if err != nil {
		m.log.Warn("guest process exited with error", "err", err)
	}
	time.Sleep(FinalizationWindow)
	close(m.done)
}

// Stop requests graceful termination (SIGTERM) and waits up to
// GracefulStopTimeout for the process to exit; a guest that ignores
// SIGTERM is force-killed after the timeout. Either way Stop then
// waits for the finalization window. A second call is idempotent.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		<-m.done
		return m.exitErr
	}
	m.stopped = true
	proc := m.cmd.Process
	m.mu.Unlock()

	if proc != nil {
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			m.log.Warn("sigterm failed", "pid", proc.Pid, "err", err)
		}
	}

	select {
	case <-m.done:
	case <-time.After(GracefulStopTimeout):
		if proc != nil {
			m.log.Warn("guest ignored sigterm, forcing kill", "pid", proc.Pid)
			if err := proc.Kill(); err != nil {
				m.log.Warn("kill failed", "pid", proc.Pid, "err", err)
			}
		}
		<-m.done
	}
	return m.exitErr
}

// Done returns a channel closed once the process has exited and the
// finalization window has elapsed.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// ExitError returns the process's exit error, valid only after Done
// is closed.
func (m *Manager) ExitError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exitErr
}
