// Package config provides YAML-based configuration loading for Pairline.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Pairline configuration, loaded from pairline.yaml.
type Config struct {
	SessionID     string          `yaml:"session_id"`
	AdminJID      string          `yaml:"admin_jid"`
	CommandPrefix string          `yaml:"command_prefix"`
	Greeting      GreetingConfig  `yaml:"greeting"`
	HTTP          HTTPConfig      `yaml:"http"`
	Storage       StorageConfig   `yaml:"storage"`
	Pairing       PairingConfig   `yaml:"pairing"`
	Transport     TransportConfig `yaml:"transport"`
	History       HistoryConfig   `yaml:"history"`
	Notify        NotifyConfig    `yaml:"notify"`
	Digest        DigestConfig    `yaml:"digest"`

	// ReconnectDelayMS is the fixed delay before a reconnect attempt after a
	// non-terminal connection drop. There is no exponential growth.
	ReconnectDelayMS int `yaml:"reconnect_delay_ms"`
}

// GreetingConfig controls the fallback reply for plain chat messages.
type GreetingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Text    string `yaml:"text"`
}

// HTTPConfig holds settings for the pairing HTTP server.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// StorageConfig selects and configures the credential store backend.
type StorageConfig struct {
	Backend string      `yaml:"backend"` // "file" or "redis"
	Dir     string      `yaml:"dir"`     // file backend: parent directory for session dirs
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds connection settings for the Redis credential backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PairingConfig controls self-issued pairing code generation.
type PairingConfig struct {
	TTLSeconds int `yaml:"ttl_seconds"`
	CodeLength int `yaml:"code_length"`
}

// TransportConfig configures the WhatsApp transport client.
type TransportConfig struct {
	DeviceName string `yaml:"device_name"`
	StoreDSN   string `yaml:"store_dsn"` // sqlite DSN for the protocol key store
	Mock       bool   `yaml:"mock"`      // use the in-memory mock client (development)
}

// HistoryConfig configures the pairing event log database.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Driver  string `yaml:"driver"` // "sqlite" or "mysql"
	DSN     string `yaml:"dsn"`
}

// NotifyConfig configures optional admin notification sinks.
type NotifyConfig struct {
	Discord DiscordNotifyConfig `yaml:"discord"`
	Slack   SlackNotifyConfig   `yaml:"slack"`
}

// DiscordNotifyConfig holds Discord notifier credentials.
type DiscordNotifyConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// SlackNotifyConfig holds Slack notifier credentials.
type SlackNotifyConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// DigestConfig schedules the daily status digest sent to the admin.
type DigestConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"` // 5-field cron expression
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.SessionID == "" {
		c.SessionID = "pairline-session"
	}
	if c.CommandPrefix == "" {
		c.CommandPrefix = "."
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 3000
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "file"
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = "sessions"
	}
	if c.Storage.Backend == "redis" && c.Storage.Redis.Addr == "" {
		c.Storage.Redis.Addr = "localhost:6379"
	}
	if c.Pairing.TTLSeconds == 0 {
		c.Pairing.TTLSeconds = 600
	}
	if c.Pairing.CodeLength == 0 {
		c.Pairing.CodeLength = 8
	}
	if c.Transport.DeviceName == "" {
		c.Transport.DeviceName = "Pairline"
	}
	if c.Transport.StoreDSN == "" {
		c.Transport.StoreDSN = "file:pairline-wa.db?_foreign_keys=on"
	}
	if c.History.Driver == "" {
		c.History.Driver = "sqlite"
	}
	if c.History.DSN == "" && c.History.Driver == "sqlite" {
		c.History.DSN = "pairline-history.db"
	}
	if c.Digest.Cron == "" {
		c.Digest.Cron = "0 9 * * *"
	}
	if c.ReconnectDelayMS == 0 {
		c.ReconnectDelayMS = 3000
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Storage.Backend {
	case "file", "redis":
	default:
		errs = append(errs, fmt.Sprintf("storage.backend must be \"file\" or \"redis\", got %q", c.Storage.Backend))
	}
	switch c.History.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("history.driver must be \"sqlite\" or \"mysql\", got %q", c.History.Driver))
	}
	if c.History.Enabled && c.History.DSN == "" {
		errs = append(errs, "history.dsn is required when history is enabled")
	}
	if strings.ContainsAny(c.CommandPrefix, " \t\n") {
		errs = append(errs, "command_prefix must not contain whitespace")
	}
	if c.Pairing.CodeLength < 4 || c.Pairing.CodeLength > 12 {
		errs = append(errs, "pairing.code_length must be between 4 and 12")
	}
	if c.Notify.Discord.BotToken != "" && c.Notify.Discord.ChannelID == "" {
		errs = append(errs, "notify.discord.channel_id is required with a bot token")
	}
	if c.Notify.Slack.BotToken != "" && c.Notify.Slack.ChannelID == "" {
		errs = append(errs, "notify.slack.channel_id is required with a bot token")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
