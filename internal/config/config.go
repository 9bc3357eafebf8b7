package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	DefaultModel              = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens          = 2048
	DefaultTemperature        = 0.7
	DefaultBufSize            = 100
	DefaultAwayAfter          = "30m"
	DefaultDormantAfter       = "24h"
	DefaultPresenceSweep      = "5m"
	DefaultIdleInterval       = "10m"
	DefaultMaxUnshared        = 50
	DefaultTriggerSweep       = "1m"
	DefaultQuietHours         = "22:00-08:00"
	DefaultTelegramRatePerSec = 1.0
	DefaultAgentID            = "companion"
	DefaultAgentName          = "Companion"
	DefaultAgentPersona       = "A warm, curious companion who keeps the user's interests in mind between conversations."

	homeEnv = "COMPANION_HOME"
)

type Config struct {
	Agent      AgentConfig      `json:"agent"`
	Provider   ProviderConfig   `json:"provider"`
	Channels   ChannelsConfig   `json:"channels"`
	Presence   PresenceConfig   `json:"presence"`
	Engagement EngagementConfig `json:"engagement"`
	Triggers   TriggersConfig   `json:"triggers"`
	Storage    StorageConfig    `json:"storage"`
	Agents     []AgentProfile   `json:"agents"`
}

type AgentConfig struct {
	Workspace   string  `json:"workspace"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"maxTokens"`
	Temperature float64 `json:"temperature"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "anthropic" (default) or "openai"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled       bool     `json:"enabled"`
	Token         string   `json:"token"`
	AllowFrom     []string `json:"allowFrom"`
	Proxy         string   `json:"proxy,omitempty"`
	RatePerSecond float64  `json:"ratePerSecond,omitempty"`
}

// PresenceConfig durations are Go duration strings ("30m", "24h").
type PresenceConfig struct {
	AwayAfter     string `json:"awayAfter"`
	DormantAfter  string `json:"dormantAfter"`
	SweepInterval string `json:"sweepInterval"`
}

type EngagementConfig struct {
	IdleInterval       string `json:"idleInterval"`
	MaxUnsharedPerUser int    `json:"maxUnsharedPerUser"`
}

type TriggersConfig struct {
	SweepInterval string `json:"sweepInterval"`
	Timezone      string `json:"timezone,omitempty"`
	QuietHours    string `json:"quietHours,omitempty"`
}

type StorageConfig struct {
	DataDir    string `json:"dataDir,omitempty"`
	ThoughtsDB string `json:"thoughtsDb,omitempty"`
}

// AgentProfile is one persona of the roster. Every user is accompanied by
// every configured agent.
type AgentProfile struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Persona string `json:"persona"`
}

// envOverrides lists every variable that can override the file config. Empty
// values leave the file value alone.
type envOverrides struct {
	APIKey          string `env:"COMPANION_API_KEY"`
	AnthropicKey    string `env:"ANTHROPIC_API_KEY"`
	AnthropicToken  string `env:"ANTHROPIC_AUTH_TOKEN"`
	OpenAIKey       string `env:"OPENAI_API_KEY"`
	BaseURL         string `env:"COMPANION_BASE_URL"`
	AnthropicURL    string `env:"ANTHROPIC_BASE_URL"`
	Model           string `env:"COMPANION_MODEL"`
	TelegramToken   string `env:"COMPANION_TELEGRAM_TOKEN"`
	AwayAfter       string `env:"COMPANION_AWAY_AFTER"`
	DormantAfter    string `env:"COMPANION_DORMANT_AFTER"`
	IdleInterval    string `env:"COMPANION_IDLE_INTERVAL"`
	QuietHours      string `env:"COMPANION_QUIET_HOURS"`
	Timezone        string `env:"COMPANION_TIMEZONE"`
	DataDir         string `env:"COMPANION_DATA_DIR"`
	MaxUnsharedUser string `env:"COMPANION_MAX_UNSHARED"`
}

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Workspace:   filepath.Join(ConfigDir(), "workspace"),
			Model:       DefaultModel,
			MaxTokens:   DefaultMaxTokens,
			Temperature: DefaultTemperature,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{RatePerSecond: DefaultTelegramRatePerSec},
		},
		Presence: PresenceConfig{
			AwayAfter:     DefaultAwayAfter,
			DormantAfter:  DefaultDormantAfter,
			SweepInterval: DefaultPresenceSweep,
		},
		Engagement: EngagementConfig{
			IdleInterval:       DefaultIdleInterval,
			MaxUnsharedPerUser: DefaultMaxUnshared,
		},
		Triggers: TriggersConfig{
			SweepInterval: DefaultTriggerSweep,
			QuietHours:    DefaultQuietHours,
		},
		Agents: []AgentProfile{{
			ID:      DefaultAgentID,
			Name:    DefaultAgentName,
			Persona: DefaultAgentPersona,
		}},
	}
}

// ConfigDir is $COMPANION_HOME, or ~/.companion.
func ConfigDir() string {
	if dir := os.Getenv(homeEnv); dir != "" {
		return dir
	}
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".companion")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// DataDir is where presence.json, triggers.json and the thought database live.
func (c *Config) DataDir() string {
	if c.Storage.DataDir != "" {
		return c.Storage.DataDir
	}
	return filepath.Join(ConfigDir(), "data")
}

func (c *Config) ThoughtsDBPath() string {
	if c.Storage.ThoughtsDB != "" {
		return c.Storage.ThoughtsDB
	}
	return filepath.Join(c.DataDir(), "thoughts.db")
}

func (c *Config) PresencePath() string {
	return filepath.Join(c.DataDir(), "presence.json")
}

func (c *Config) TriggersPath() string {
	return filepath.Join(c.DataDir(), "triggers.json")
}

// Location resolves the trigger time zone, falling back to local time.
func (c *Config) Location() *time.Location {
	tz := strings.TrimSpace(c.Triggers.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Printf("[config] unknown timezone %q, using local time: %v", tz, err)
		return time.Local
	}
	return loc
}

// Duration parses s, returning fallback when s is empty or malformed.
func Duration(s string, fallback time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		log.Printf("[config] invalid duration %q, using %s", s, fallback)
		return fallback
	}
	return d
}

func LoadConfig() (*Config, error) {
	loadDotEnv()
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

// loadDotEnv reads .env from the working directory and the config dir.
// Variables already set in the environment win.
func loadDotEnv() {
	for _, path := range []string{".env", filepath.Join(ConfigDir(), ".env")} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			log.Printf("[config] load %s warning: %v", path, err)
		}
	}
}

func applyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	if o.APIKey != "" {
		cfg.Provider.APIKey = o.APIKey
	}
	for _, key := range []string{o.AnthropicKey, o.AnthropicToken} {
		if key != "" && cfg.Provider.APIKey == "" {
			cfg.Provider.APIKey = key
		}
	}
	if o.OpenAIKey != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = o.OpenAIKey
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if o.BaseURL != "" {
		cfg.Provider.BaseURL = o.BaseURL
	}
	if o.AnthropicURL != "" && cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = o.AnthropicURL
	}
	if o.Model != "" {
		cfg.Agent.Model = o.Model
	}
	if o.TelegramToken != "" {
		cfg.Channels.Telegram.Token = o.TelegramToken
	}
	if o.AwayAfter != "" {
		cfg.Presence.AwayAfter = o.AwayAfter
	}
	if o.DormantAfter != "" {
		cfg.Presence.DormantAfter = o.DormantAfter
	}
	if o.IdleInterval != "" {
		cfg.Engagement.IdleInterval = o.IdleInterval
	}
	if o.QuietHours != "" {
		cfg.Triggers.QuietHours = o.QuietHours
	}
	if o.Timezone != "" {
		cfg.Triggers.Timezone = o.Timezone
	}
	if o.DataDir != "" {
		cfg.Storage.DataDir = o.DataDir
	}
	if o.MaxUnsharedUser != "" {
		n, err := strconv.Atoi(o.MaxUnsharedUser)
		if err != nil {
			return fmt.Errorf("parse COMPANION_MAX_UNSHARED: %w", err)
		}
		cfg.Engagement.MaxUnsharedPerUser = n
	}
	return nil
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Agent.Workspace == "" {
		cfg.Agent.Workspace = def.Agent.Workspace
	}
	if cfg.Agent.Model == "" {
		cfg.Agent.Model = def.Agent.Model
	}
	if cfg.Agent.MaxTokens <= 0 {
		cfg.Agent.MaxTokens = def.Agent.MaxTokens
	}
	if cfg.Presence.AwayAfter == "" {
		cfg.Presence.AwayAfter = DefaultAwayAfter
	}
	if cfg.Presence.DormantAfter == "" {
		cfg.Presence.DormantAfter = DefaultDormantAfter
	}
	if cfg.Presence.SweepInterval == "" {
		cfg.Presence.SweepInterval = DefaultPresenceSweep
	}
	if cfg.Engagement.IdleInterval == "" {
		cfg.Engagement.IdleInterval = DefaultIdleInterval
	}
	if cfg.Engagement.MaxUnsharedPerUser <= 0 {
		cfg.Engagement.MaxUnsharedPerUser = DefaultMaxUnshared
	}
	if cfg.Triggers.SweepInterval == "" {
		cfg.Triggers.SweepInterval = DefaultTriggerSweep
	}
	if cfg.Channels.Telegram.RatePerSecond <= 0 {
		cfg.Channels.Telegram.RatePerSecond = DefaultTelegramRatePerSec
	}
	if len(cfg.Agents) == 0 {
		cfg.Agents = def.Agents
	}
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
