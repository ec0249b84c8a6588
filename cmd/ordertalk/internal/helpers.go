package internal

import (
	"os"
	"path/filepath"

	"github.com/fleetgrid/ordertalk/pkg/config"
)

var (
	version   = "dev"
	gitCommit string
)

func GetConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".ordertalk", "config.json")
}

func LoadConfig() (*config.Config, error) {
	return config.LoadConfig(GetConfigPath())
}

// FormatVersion returns the version string with optional git commit.
func FormatVersion() string {
	v := version
	if gitCommit != "" {
		v += " (" + gitCommit + ")"
	}
	return v
}
