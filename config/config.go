// Package config provides configuration for the strata daemon.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds daemon configuration.
type Config struct {
	// Listen is the address to listen on (e.g., ":7460").
	Listen string `yaml:"listen"`
	// DataDir is the root directory for per-project state.
	DataDir string `yaml:"data_dir"`
	// AuthSecret is the HS256 key for bearer tokens. Empty disables auth.
	AuthSecret string `yaml:"auth_secret"`
	// DefaultBranch is the branch name init and clone establish.
	DefaultBranch string `yaml:"default_branch"`
	// SyncWorkers sizes the push/pull/clone worker pool.
	SyncWorkers int `yaml:"sync_workers"`
	// SyncTimeout bounds one sync operation end to end.
	SyncTimeout time.Duration `yaml:"sync_timeout"`
	// MaxOpenProjects is the LRU capacity of the project registry.
	MaxOpenProjects int `yaml:"max_open_projects"`
	// ProjectIdleTTL closes project handles idle longer than this.
	ProjectIdleTTL time.Duration `yaml:"project_idle_ttl"`
	// MaxFileBytes caps a single file in a checkpoint; 0 means no cap.
	MaxFileBytes int64 `yaml:"max_file_bytes"`
	// IgnoreExtras are extra ignore patterns applied to every project tree.
	IgnoreExtras []string `yaml:"ignore_extras"`
	// Version is the daemon version string.
	Version string `yaml:"-"`
	// Debug enables debug logging.
	Debug bool `yaml:"debug"`
}

// FromEnv creates a Config from environment variables.
func FromEnv() *Config {
	return &Config{
		Listen:          getEnv("STRATA_ADDR", ":7460"),
		DataDir:         getEnv("STRATA_DATA_DIR", "./data"),
		AuthSecret:      getEnv("STRATA_AUTH_SECRET", ""),
		DefaultBranch:   getEnv("STRATA_DEFAULT_BRANCH", "main"),
		SyncWorkers:     getEnvInt("STRATA_SYNC_WORKERS", 4),
		SyncTimeout:     getEnvDuration("STRATA_SYNC_TIMEOUT", 60*time.Second),
		MaxOpenProjects: getEnvInt("STRATA_MAX_OPEN_PROJECTS", 256),
		ProjectIdleTTL:  getEnvDuration("STRATA_PROJECT_IDLE_TIMEOUT", 10*time.Minute),
		MaxFileBytes:    getEnvInt64("STRATA_MAX_FILE_BYTES", 16*1024*1024), // 16MB default
		Version:         getEnv("STRATA_VERSION", "0.1.0"),
		Debug:           getEnvBool("STRATA_DEBUG", false),
	}
}

// LoadFile overlays values from a YAML config file onto cfg. Only keys
// present in the file override; a missing file is an error (the caller
// asked for it explicitly).
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data directory required")
	}
	if c.DefaultBranch == "" {
		return fmt.Errorf("default branch required")
	}
	if c.SyncWorkers < 0 {
		return fmt.Errorf("sync workers must be >= 0")
	}
	if c.SyncTimeout < 0 {
		return fmt.Errorf("sync timeout must be >= 0")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
