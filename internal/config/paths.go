package config

import (
	"os"
	"path/filepath"
)

// Dir returns the panemux state directory (~/.panemux), creating nothing.
func Dir() string {
	if dir := os.Getenv("PANEMUX_DIR"); dir != "" {
		return dir
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".panemux"
	}
	return filepath.Join(homeDir, ".panemux")
}

// SocketPath returns the default daemon unix socket path.
func SocketPath() string {
	return filepath.Join(Dir(), "panemuxd.sock")
}

// TokenPath returns the daemon auth token file path.
func TokenPath() string {
	return filepath.Join(Dir(), "panemuxd.token")
}

// DatabasePath returns the default cold-restore database path.
func DatabasePath() string {
	return filepath.Join(Dir(), "panemuxd.db")
}

// ConfigPath returns the default config file path.
func ConfigPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// EnsureDir creates the state directory with owner-only permissions.
// The socket and token live here, so the mode matters.
func EnsureDir() error {
	return os.MkdirAll(Dir(), 0700)
}
