// Package config loads and validates the server configuration.
//
// Configuration comes from three layers, later layers winning:
//
//  1. built-in defaults
//  2. an optional arena.yaml file (with {{.VAR}} environment expansion)
//  3. environment variables (ARENA_ADDR, DATABASE_URL, ...)
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// DefaultMaxRequestBody is the request body size limit in bytes. Larger
// bodies are rejected with 413 before any JSON parsing happens.
const DefaultMaxRequestBody = 1_000_000

// Config is the resolved server configuration.
type Config struct {
	// Addr is the HTTP listen address, e.g. ":8080".
	Addr string

	// DatabaseURL selects the storage backend. "postgres://..." uses the
	// pgx driver; anything else is treated as a sqlite file path (an
	// optional "file:" prefix is accepted).
	DatabaseURL string

	// DataDir holds server-managed files: the default sqlite database,
	// admin_hashes.txt and the plugins directory.
	DataDir string

	// PluginsDir is where uploaded environment plugins are unpacked.
	PluginsDir string

	// AdminHashes are the accepted admin password hashes (prefix-tagged,
	// e.g. "sha256:<hex>"). Any one of them authorizes an admin request.
	AdminHashes []string

	// MaxRequestBody is the request body limit in bytes.
	MaxRequestBody int64

	// LogLevel is the slog level for the whole process.
	LogLevel slog.Level

	// Database pool settings.
	MaxOpenConns int
	MaxIdleConns int
}

// fileConfig mirrors the arena.yaml layout.
type fileConfig struct {
	Server struct {
		Addr           string `yaml:"addr"`
		MaxRequestBody int64  `yaml:"max_request_body"`
	} `yaml:"server"`
	Database struct {
		URL          string `yaml:"url"`
		MaxOpenConns int    `yaml:"max_open_conns"`
		MaxIdleConns int    `yaml:"max_idle_conns"`
	} `yaml:"database"`
	Admin struct {
		// Auth is a single prefix-tagged hash; additional hashes can be
		// listed one per line in <data_dir>/admin_hashes.txt.
		Auth string `yaml:"auth"`
	} `yaml:"admin"`
	DataDir    string `yaml:"data_dir"`
	PluginsDir string `yaml:"plugins_dir"`
	LogLevel   string `yaml:"log_level"`
}

func defaults() *Config {
	return &Config{
		Addr:           ":8080",
		DataDir:        "./data",
		MaxRequestBody: DefaultMaxRequestBody,
		LogLevel:       slog.LevelInfo,
		MaxOpenConns:   10,
		MaxIdleConns:   5,
	}
}

// finalize fills derived fields and validates the result.
func (c *Config) finalize() error {
	if c.DatabaseURL == "" {
		c.DatabaseURL = filepath.Join(c.DataDir, "arena.db")
	}
	if c.PluginsDir == "" {
		c.PluginsDir = filepath.Join(c.DataDir, "plugins")
	}

	// Merge hashes from <data_dir>/admin_hashes.txt, one per line.
	hashFile := filepath.Join(c.DataDir, "admin_hashes.txt")
	if data, err := os.ReadFile(hashFile); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			c.AdminHashes = append(c.AdminHashes, line)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read %s: %w", hashFile, err)
	}

	for _, h := range c.AdminHashes {
		if !strings.Contains(h, ":") {
			return fmt.Errorf("admin hash %q is not prefix-tagged (want e.g. sha256:<hex>)", truncate(h, 12))
		}
	}
	if c.MaxRequestBody <= 0 {
		return fmt.Errorf("max_request_body must be positive, got %d", c.MaxRequestBody)
	}
	return nil
}

// IsPostgres reports whether DatabaseURL points at a postgres server
// rather than a sqlite file.
func (c *Config) IsPostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") ||
		strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

// SQLitePath returns the sqlite file path with any "file:" prefix removed.
func (c *Config) SQLitePath() string {
	return strings.TrimPrefix(c.DatabaseURL, "file:")
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
