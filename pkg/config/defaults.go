package config

import (
	"os"
	"path/filepath"
	"time"
)

// Store defaults.
const (
	DefaultStoreFile        = "index.db"
	DefaultStoreBusyTimeout = 30 * time.Second
)

// Repository defaults.
const (
	DefaultDriver = "libgit2"
	DefaultKind   = "git"
)

// Sync defaults.
const (
	DefaultSyncBatchSize       = 100
	DefaultSyncRefreshInterval = time.Duration(0)
	DefaultSyncWatch           = false
	DefaultSyncDebounce        = 2 * time.Second
	DefaultSyncAllowPartial    = false
)

// Cache defaults.
const DefaultCacheMaxHandles = 64

// Checkpoint defaults.
const (
	DefaultCheckpointEnabled = true
	DefaultCheckpointResume  = true
	DefaultCheckpointMaxAge  = 7 * 24 * time.Hour
)

// Server defaults.
const (
	DefaultServerHost = "127.0.0.1"
	DefaultServerPort = 8080
)

// Logging defaults.
const (
	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"
)

// DefaultHome returns ~/.forgemirror, the parent of every default path.
func DefaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	return filepath.Join(home, ".forgemirror")
}
