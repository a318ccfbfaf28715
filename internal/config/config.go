// Package config provides YAML-based configuration loading for Stationmaster.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Stationmaster configuration, loaded from
// stationmaster.yaml.
type Config struct {
	Panel   PanelConfig   `yaml:"panel"`
	Chat    ChatConfig    `yaml:"chat"`
	Logs    LogsConfig    `yaml:"logs"`
	Actions ActionsConfig `yaml:"actions"`
	State   StateConfig   `yaml:"state"`
	Web     WebConfig     `yaml:"web"`
}

// PanelConfig holds connection settings for the game-server panel API.
type PanelConfig struct {
	BaseURL  string       `yaml:"base_url"`
	ServerID string       `yaml:"server_id"`
	OAuth2   OAuth2Config `yaml:"oauth2"`
}

// OAuth2Config holds client_credentials settings for panel authentication.
type OAuth2Config struct {
	ClientID      string `yaml:"client_id"`
	ClientSecret  string `yaml:"client_secret"`
	TokenEndpoint string `yaml:"token_endpoint"`
}

// ChatConfig selects and configures the chat platform.
type ChatConfig struct {
	Platform             string        `yaml:"platform"` // "discord" or "slack"
	Discord              DiscordConfig `yaml:"discord"`
	Slack                SlackConfig   `yaml:"slack"`
	DashboardRefreshCron string        `yaml:"dashboard_refresh_cron"`
}

// DiscordConfig holds Discord gateway and channel settings.
type DiscordConfig struct {
	Token              string `yaml:"token"`
	GuildID            string `yaml:"guild_id"`
	DashboardChannelID string `yaml:"dashboard_channel_id"`
	LogParentChannelID string `yaml:"log_parent_channel_id"`
	AllowedRoleID      string `yaml:"allowed_role_id"`
}

// SlackConfig holds Slack Socket Mode settings.
type SlackConfig struct {
	AppToken           string `yaml:"app_token"`
	BotToken           string `yaml:"bot_token"`
	DashboardChannelID string `yaml:"dashboard_channel_id"`
	LogChannelID       string `yaml:"log_channel_id"`
}

// LogsConfig controls the console log sync pipeline.
type LogsConfig struct {
	AutoResume      bool         `yaml:"auto_resume"`
	Timezone        string       `yaml:"timezone"`
	BatchSeconds    int          `yaml:"batch_seconds"`
	MaxCharsPerPost int          `yaml:"max_chars_per_post"`
	Thread          ThreadConfig `yaml:"thread"`
}

// ThreadConfig controls daily log thread naming and archival.
type ThreadConfig struct {
	NameFormat         string `yaml:"name_format"` // {date} is replaced with YYYY-MM-DD
	AutoArchiveMinutes int    `yaml:"auto_archive_minutes"`
}

// ActionsConfig controls lifecycle action coordination.
type ActionsConfig struct {
	CooldownSec int           `yaml:"cooldown_sec"`
	Restart     RestartConfig `yaml:"restart"`
}

// RestartConfig controls the stop-then-start composite action.
type RestartConfig struct {
	StopWaitSec int `yaml:"stop_wait_sec"`
}

// StateConfig selects the persistent state backend.
type StateConfig struct {
	Driver string      `yaml:"driver"` // "sqlite" or "mysql"
	Path   string      `yaml:"path"`   // sqlite file path
	MySQL  MySQLConfig `yaml:"mysql"`
}

// MySQLConfig holds connection settings for the MySQL state backend.
type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// WebConfig controls the optional local status HTTP server.
type WebConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
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
	c.Panel.BaseURL = strings.TrimRight(c.Panel.BaseURL, "/")
	if c.Panel.OAuth2.TokenEndpoint == "" {
		c.Panel.OAuth2.TokenEndpoint = "/oauth2/token"
	}
	if c.Chat.Platform == "" {
		c.Chat.Platform = "discord"
	}
	if c.Chat.DashboardRefreshCron == "" {
		c.Chat.DashboardRefreshCron = "*/5 * * * *"
	}
	if c.Logs.Timezone == "" {
		c.Logs.Timezone = "UTC"
	}
	if c.Logs.BatchSeconds == 0 {
		c.Logs.BatchSeconds = 5
	}
	if c.Logs.MaxCharsPerPost == 0 {
		c.Logs.MaxCharsPerPost = 1900
	}
	if c.Logs.Thread.NameFormat == "" {
		c.Logs.Thread.NameFormat = "server-log-{date}"
	}
	if c.Logs.Thread.AutoArchiveMinutes == 0 {
		c.Logs.Thread.AutoArchiveMinutes = 1440
	}
	if c.Actions.CooldownSec == 0 {
		c.Actions.CooldownSec = 10
	}
	if c.Actions.Restart.StopWaitSec == 0 {
		c.Actions.Restart.StopWaitSec = 30
	}
	if c.State.Driver == "" {
		c.State.Driver = "sqlite"
	}
	if c.State.Path == "" {
		c.State.Path = "./data/stationmaster.db"
	}
	if c.State.MySQL.Host == "" {
		c.State.MySQL.Host = "127.0.0.1"
	}
	if c.State.MySQL.Port == 0 {
		c.State.MySQL.Port = 3306
	}
	if c.State.MySQL.User == "" {
		c.State.MySQL.User = "root"
	}
	if c.State.MySQL.Database == "" {
		c.State.MySQL.Database = "stationmaster"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 8080
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Panel.BaseURL == "" {
		errs = append(errs, "panel.base_url is required")
	}
	if c.Panel.ServerID == "" {
		errs = append(errs, "panel.server_id is required")
	}
	if c.Panel.OAuth2.ClientID == "" {
		errs = append(errs, "panel.oauth2.client_id is required")
	}
	if c.Panel.OAuth2.ClientSecret == "" {
		errs = append(errs, "panel.oauth2.client_secret is required")
	}
	switch c.Chat.Platform {
	case "discord":
		if c.Chat.Discord.Token == "" {
			errs = append(errs, "chat.discord.token is required")
		}
		if c.Chat.Discord.DashboardChannelID == "" {
			errs = append(errs, "chat.discord.dashboard_channel_id is required")
		}
		if c.Chat.Discord.LogParentChannelID == "" {
			errs = append(errs, "chat.discord.log_parent_channel_id is required")
		}
	case "slack":
		if c.Chat.Slack.AppToken == "" {
			errs = append(errs, "chat.slack.app_token is required")
		}
		if c.Chat.Slack.BotToken == "" {
			errs = append(errs, "chat.slack.bot_token is required")
		}
		if c.Chat.Slack.LogChannelID == "" {
			errs = append(errs, "chat.slack.log_channel_id is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("chat.platform %q is not supported (use discord or slack)", c.Chat.Platform))
	}
	switch c.State.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("state.driver %q is not supported (use sqlite or mysql)", c.State.Driver))
	}
	if _, err := time.LoadLocation(c.Logs.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("logs.timezone %q is not a valid IANA timezone", c.Logs.Timezone))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Location resolves the configured log timezone. Config validation has
// already checked the name, so this only fails if tzdata is unavailable.
func (c *LogsConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}
