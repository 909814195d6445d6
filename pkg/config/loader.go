package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Load resolves the configuration. path names the YAML file; an empty path
// means "arena.yaml in the current directory, if present". A missing file
// is not an error; defaults plus environment variables are a complete
// configuration for development setups.
func Load(path string) (*Config, error) {
	cfg := defaults()

	explicit := path != ""
	if path == "" {
		path = "arena.yaml"
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var fc fileConfig
		if err := yaml.Unmarshal(expandEnv(data), &fc); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		applyFile(cfg, &fc)
		slog.Info("Loaded configuration file", "path", path)
	case os.IsNotExist(err) && !explicit:
		slog.Info("No configuration file, using defaults and environment")
	default:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.finalize(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyFile(cfg *Config, fc *fileConfig) {
	if fc.Server.Addr != "" {
		cfg.Addr = fc.Server.Addr
	}
	if fc.Server.MaxRequestBody != 0 {
		cfg.MaxRequestBody = fc.Server.MaxRequestBody
	}
	if fc.Database.URL != "" {
		cfg.DatabaseURL = fc.Database.URL
	}
	if fc.Database.MaxOpenConns != 0 {
		cfg.MaxOpenConns = fc.Database.MaxOpenConns
	}
	if fc.Database.MaxIdleConns != 0 {
		cfg.MaxIdleConns = fc.Database.MaxIdleConns
	}
	if fc.Admin.Auth != "" {
		cfg.AdminHashes = append(cfg.AdminHashes, fc.Admin.Auth)
	}
	if fc.DataDir != "" {
		cfg.DataDir = fc.DataDir
	}
	if fc.PluginsDir != "" {
		cfg.PluginsDir = fc.PluginsDir
	}
	if fc.LogLevel != "" {
		if lvl, err := parseLogLevel(fc.LogLevel); err == nil {
			cfg.LogLevel = lvl
		} else {
			slog.Warn("Ignoring invalid log_level in config file", "value", fc.LogLevel)
		}
	}
}

// applyEnv applies environment variable overrides on top of file values.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("ARENA_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("ARENA_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("ARENA_PLUGINS_DIR"); v != "" {
		cfg.PluginsDir = v
	}
	if v := os.Getenv("ARENA_ADMIN_AUTH"); v != "" {
		cfg.AdminHashes = append(cfg.AdminHashes, v)
	}
	if v := os.Getenv("ARENA_LOG_LEVEL"); v != "" {
		lvl, err := parseLogLevel(v)
		if err != nil {
			return fmt.Errorf("invalid ARENA_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = lvl
	}
	return nil
}

// expandEnv expands environment variables in YAML content using Go
// templates. {{.VAR_NAME}} syntax is used instead of $VAR so that literal
// dollar signs (common in password hashes and regex patterns) survive
// untouched. Missing variables expand to the empty string; a malformed
// template passes the content through for the YAML parser to report.
func expandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	envMap := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			envMap[kv[:i]] = kv[i+1:]
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}
	return buf.Bytes()
}
