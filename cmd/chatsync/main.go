package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds endpoint and engine settings.
type ConfigDefault struct {
	BaseURL        string `toml:"base_url"`
	WSURL          string `toml:"ws_url"`
	PollInterval   string `toml:"poll_interval"`
	ReconnectDelay string `toml:"reconnect_delay"`
	LogLevel       string `toml:"log_level"`
}

// ConfigAuth holds the session credentials.
type ConfigAuth struct {
	Token    string `toml:"token"`
	UserID   string `toml:"user_id"`
	MemberID string `toml:"member_id"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
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

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "ws_url":
			cfg.Default.WSURL = value
		case "poll_interval", "reconnect_delay":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("invalid duration for %s: %w", key, err)
			}
			if field == "poll_interval" {
				cfg.Default.PollInterval = value
			} else {
				cfg.Default.ReconnectDelay = value
			}
		case "log_level":
			if _, err := parseLogLevel(value); err != nil {
				return err
			}
			cfg.Default.LogLevel = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "member_id":
			cfg.Auth.MemberID = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	return nil
}

// applyEnv overlays CHATSYNC_* variables, including those from a .env file
// in the working directory, onto cfg.
func applyEnv(cfg *Config) {
	_ = godotenv.Load(".env")

	overrides := []struct {
		env string
		dst *string
	}{
		{"CHATSYNC_TOKEN", &cfg.Auth.Token},
		{"CHATSYNC_USER_ID", &cfg.Auth.UserID},
		{"CHATSYNC_MEMBER_ID", &cfg.Auth.MemberID},
		{"CHATSYNC_BASE_URL", &cfg.Default.BaseURL},
		{"CHATSYNC_WS_URL", &cfg.Default.WSURL},
	}
	for _, o := range overrides {
		if v := strings.TrimSpace(os.Getenv(o.env)); v != "" {
			*o.dst = v
		}
	}
}

// ============================================================================
// Logging
// ============================================================================

var logLevelFlag string

func parseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q (valid: debug, info, warn, error)", s)
	}
	return level, nil
}

// newLogger writes text logs to stderr. The flag wins over the config file.
func newLogger(cfg *Config) *slog.Logger {
	raw := valueOrDefault(logLevelFlag, valueOrDefault(cfg.Default.LogLevel, "warn"))
	level, err := parseLogLevel(raw)
	if err != nil {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Chat conversation sync CLI",
	Long:  "Command-line client for a chat backend.\nRead history, send messages, watch live traffic and chat in a terminal UI.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "log level: debug, info, warn, error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
