package internal

import (
	"path/filepath"

	"github.com/nyxandro/remote-vibe-station-sub000/pkg/config"
)

var (
	version   = "dev"
	gitCommit string
)

// GetConfigPath returns the default config file location.
func GetConfigPath() string {
	return filepath.Join(config.HomePath(), "config.json")
}

// LoadConfig loads the station configuration from the default path.
func LoadConfig() (*config.Config, error) {
	return config.LoadConfig(GetConfigPath())
}

// GetVersion returns the version string.
func GetVersion() string {
	return version
}

// GetGitCommit returns the git commit the binary was built from.
func GetGitCommit() string {
	return gitCommit
}
