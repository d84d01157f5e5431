package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.gatherly/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds connection and storage settings.
type ConfigDefault struct {
	BaseURL     string `toml:"base_url,omitempty"`
	Transport   string `toml:"transport,omitempty"`
	RedisAddr   string `toml:"redis_addr,omitempty"`
	RedisPrefix string `toml:"redis_prefix,omitempty"`
	QueuePath   string `toml:"queue_path,omitempty"`
	LogLevel    string `toml:"log_level,omitempty"`
}

// ConfigAuth holds the session credentials and the member identity.
type ConfigAuth struct {
	Token      string `toml:"token,omitempty"`
	TenantID   string `toml:"tenant_id,omitempty"`
	MemberID   string `toml:"member_id,omitempty"`
	MemberName string `toml:"member_name,omitempty"`
}

// configKeys lists every settable key in dot notation.
var configKeys = []string{
	"default.base_url",
	"default.transport",
	"default.redis_addr",
	"default.redis_prefix",
	"default.queue_path",
	"default.log_level",
	"auth.token",
	"auth.tenant_id",
	"auth.member_id",
	"auth.member_name",
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.gatherly, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".gatherly")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file as written, without env overrides.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "auth.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. auth.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "transport":
			if value != "websocket" && value != "redis" {
				return fmt.Errorf("transport must be websocket or redis")
			}
			cfg.Default.Transport = value
		case "redis_addr":
			cfg.Default.RedisAddr = value
		case "redis_prefix":
			cfg.Default.RedisPrefix = value
		case "queue_path":
			cfg.Default.QueuePath = value
		case "log_level":
			cfg.Default.LogLevel = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "tenant_id":
			cfg.Auth.TenantID = value
		case "member_id":
			cfg.Auth.MemberID = value
		case "member_name":
			cfg.Auth.MemberName = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "gatherly",
	Short: "Gatherly sync CLI",
	Long: "Command-line interface for the Gatherly realtime sync core.\n" +
		"Manage configuration, inspect the offline queue, send messages and watch live events.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
