package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Settings holds the host-runtime settings that can be overridden per
// user or per project, merged with project taking precedence over
// user.
type Settings struct {
	LogLevel           string   `json:"log_level,omitempty"`
	Transport          string   `json:"transport,omitempty"` // "tcp" or "uds"
	GuestBundledPath   string   `json:"guest_bundled_path,omitempty"`
	GuestFallbackPaths []string `json:"guest_fallback_paths,omitempty"`
}

// Manager loads user and project settings.json files and merges them.
type Manager struct {
	userSettings    *Settings
	projectSettings *Settings
	merged          *Settings
}

func NewManager() *Manager {
	return &Manager{
		userSettings:    &Settings{},
		projectSettings: &Settings{},
		merged:          &Settings{},
	}
}

func (m *Manager) Load(userConfigDir, projectDir string) error {
	userConfigPath := filepath.Join(userConfigDir, "settings.json")
	if err := m.loadSettings(userConfigPath, m.userSettings); err != nil {
		return err
	}

	projectConfigPath := filepath.Join(projectDir, ".exthost", "settings.json")
	if err := m.loadSettings(projectConfigPath, m.projectSettings); err != nil {
		return err
	}

	m.mergeSettings()

	return nil
}

func (m *Manager) loadSettings(path string, settings *Settings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // no settings file, use defaults
		}
		return err
	}

	return json.Unmarshal(data, settings)
}

func (m *Manager) mergeSettings() {
	m.merged = &Settings{
		LogLevel:           m.getStringValue(m.userSettings.LogLevel, m.projectSettings.LogLevel, "info"),
		Transport:          m.getStringValue(m.userSettings.Transport, m.projectSettings.Transport, "uds"),
		GuestBundledPath:   m.getStringValue(m.userSettings.GuestBundledPath, m.projectSettings.GuestBundledPath, ""),
		GuestFallbackPaths: m.getStringSliceValue(m.userSettings.GuestFallbackPaths, m.projectSettings.GuestFallbackPaths),
	}
}

func (m *Manager) getStringValue(user, project, defaultValue string) string {
	if project != "" {
		return project
	}
	if user != "" {
		return user
	}
	return defaultValue
}

func (m *Manager) getStringSliceValue(user, project []string) []string {
	if len(project) > 0 {
		return project
	}
	return user
}

func (m *Manager) Get() *Settings {
	return m.merged
}

func (m *Manager) SaveUserSettings(userConfigDir string) error {
	configPath := filepath.Join(userConfigDir, "settings.json")

	if err := os.MkdirAll(userConfigDir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(m.userSettings, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0644)
}

func (m *Manager) SaveProjectSettings(projectDir string) error {
	exthostDir := filepath.Join(projectDir, ".exthost")
	configPath := filepath.Join(exthostDir, "settings.json")

	if err := os.MkdirAll(exthostDir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(m.projectSettings, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0644)
}
