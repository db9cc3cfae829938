package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// TransportConfig selects how the host listens for the guest's
// connect-back: a Unix domain socket (the default) or a loopback TCP
// port, plus the path/port chosen for it.
type TransportConfig struct {
	Kind string `yaml:"kind"`           // "uds" or "tcp"
	Path string `yaml:"path,omitempty"` // uds socket path, when Kind == "uds"
}

// ProxyConfig carries the proxy environment forwarded to the guest
// process on spawn.
type ProxyConfig struct {
	HTTPProxy  string `yaml:"http_proxy,omitempty"`
	HTTPSProxy string `yaml:"https_proxy,omitempty"`
	NoProxy    string `yaml:"no_proxy,omitempty"`
	PACURL     string `yaml:"pac_url,omitempty"`
}

// RuntimeConfig holds the host's own operational settings persisted
// in ~/.exthost/exthost.yaml. Distinct from Settings/Manager, which
// merge overridable per-project knobs: RuntimeConfig is the host's
// durable identity and defaults.
type RuntimeConfig struct {
	HostID    string          `yaml:"host_id"`
	LogLevel  string          `yaml:"log_level,omitempty"`
	LogFile   string          `yaml:"log_file,omitempty"`
	Transport TransportConfig `yaml:"transport,omitempty"`

	// SocketPath is a legacy scalar form of Transport; on load it
	// migrates into Transport{Kind: "uds", Path: SocketPath} and is
	// never written back out.
	SocketPath string `yaml:"socket_path,omitempty"`

	GuestBundledPath   string   `yaml:"guest_bundled_path,omitempty"`
	GuestFallbackPaths []string `yaml:"guest_fallback_paths,omitempty"`

	SessionDBPath string `yaml:"session_db_path,omitempty"`
	SecretsDir    string `yaml:"secrets_dir,omitempty"`

	Proxy ProxyConfig `yaml:"proxy,omitempty"`
}

// LoadRuntimeConfig reads exthost.yaml from dir. If the file doesn't
// exist, it returns a zero-value config (no error).
func LoadRuntimeConfig(dir string) (*RuntimeConfig, error) {
	cfg := &RuntimeConfig{}
	path := filepath.Join(dir, "exthost.yaml")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Migrate legacy socket_path scalar into the Transport struct.
	if cfg.SocketPath != "" && cfg.Transport.Kind == "" {
		cfg.Transport = TransportConfig{Kind: "uds", Path: cfg.SocketPath}
	}
	cfg.SocketPath = ""

	return cfg, nil
}

// SaveRuntimeConfig writes exthost.yaml to dir.
func SaveRuntimeConfig(dir string, cfg *RuntimeConfig) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "exthost.yaml"), data, 0644)
}
