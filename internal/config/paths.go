package config

import (
	"os"
	"path/filepath"
)

// GetUserConfigDir returns ~/.exthost, creating nothing.
func GetUserConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(homeDir, ".exthost"), nil
}

// GetProjectDir walks up from the working directory looking for a
// workspace root: a .exthost directory (existing host state) or a
// .git directory (repo root). Falls back to the working directory
// itself if neither is found.
func GetProjectDir() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	dir := wd
	for {
		exthostDir := filepath.Join(dir, ".exthost")
		if _, err := os.Stat(exthostDir); err == nil {
			return dir, nil
		}

		gitDir := filepath.Join(dir, ".git")
		if _, err := os.Stat(gitDir); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return wd, nil
		}
		dir = parent
	}
}

// EnsureConfigDirs creates the user config dir and the project's
// .exthost dir if they don't already exist.
func EnsureConfigDirs(userConfigDir, projectDir string) error {
	if err := os.MkdirAll(userConfigDir, 0755); err != nil {
		return err
	}

	projectConfigDir := filepath.Join(projectDir, ".exthost")
	if err := os.MkdirAll(projectConfigDir, 0755); err != nil {
		return err
	}

	return nil
}
