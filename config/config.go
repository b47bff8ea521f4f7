// Package config loads the server configuration: built-in defaults, then an
// optional YAML file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/warp/tabcoin-engine/firewall"
	"github.com/warp/tabcoin-engine/ledger"
	"github.com/warp/tabcoin-engine/prestige"
	"github.com/warp/tabcoin-engine/reward"
)

type ServerConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite | postgres
	DSN    string `yaml:"dsn"`    // file path for sqlite, URL for postgres
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"` // empty disables the balance cache
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type LogConfig struct {
	Environment string `yaml:"environment"` // development | production
	Level       string `yaml:"level"`
}

type RewardConfig struct {
	Base           int64         `yaml:"base"`
	Week           time.Duration `yaml:"week"`
	PrestigeLimit  int           `yaml:"prestige_limit"`
	PrestigeOffset time.Duration `yaml:"prestige_offset"`
	IsRoot         bool          `yaml:"is_root"`
}

// PrestigeConfig selects the history used for the initial tabcoins of a
// new content.
type PrestigeConfig struct {
	ContentLimit int           `yaml:"content_limit"`
	TimeOffset   time.Duration `yaml:"time_offset"`
}

type RuleConfig struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

type FirewallConfig struct {
	Rules map[string]RuleConfig `yaml:"rules"`
}

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Log      LogConfig      `yaml:"log"`
	Reward   RewardConfig   `yaml:"reward"`
	Prestige PrestigeConfig `yaml:"prestige"`
	Firewall FirewallConfig `yaml:"firewall"`
}

func Default() Config {
	rules := make(map[string]RuleConfig)
	for _, r := range firewall.DefaultRules() {
		rules[r.ID] = RuleConfig{Limit: r.Limit, Window: r.Window}
	}
	return Config{
		Server:   ServerConfig{Port: 8080, AllowedOrigins: []string{"*"}},
		Database: DatabaseConfig{Driver: "sqlite", DSN: "tabcoin.db"},
		Redis:    RedisConfig{TTL: 5 * time.Minute},
		Log:      LogConfig{Environment: "development", Level: "info"},
		Reward: RewardConfig{
			Base:           20,
			Week:           ledger.Week,
			PrestigeLimit:  10,
			PrestigeOffset: 36 * time.Hour,
			IsRoot:         true,
		},
		Prestige: PrestigeConfig{ContentLimit: 20, TimeOffset: time.Hour},
		Firewall: FirewallConfig{Rules: rules},
	}
}

// Load reads path over the defaults. An empty path skips the file.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := c.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		c.Log.Environment = v
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	return nil
}

func (c Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database dsn is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Redis.TTL <= 0 {
		return fmt.Errorf("invalid redis ttl %s: cached balances must expire", c.Redis.TTL)
	}
	for id, r := range c.Firewall.Rules {
		if r.Limit < 0 || r.Window < 0 {
			return fmt.Errorf("invalid firewall rule %q", id)
		}
	}
	return nil
}

// FirewallRules merges the configured limits into the built-in rules.
// Rules missing from the configuration keep their defaults.
func (c Config) FirewallRules() []firewall.Rule {
	rules := firewall.DefaultRules()
	for i, r := range rules {
		if rc, ok := c.Firewall.Rules[r.ID]; ok {
			rules[i].Limit = rc.Limit
			if rc.Window > 0 {
				rules[i].Window = rc.Window
			}
		}
	}
	return rules
}

func (c Config) Rewards() reward.Config {
	return reward.Config{
		Base: c.Reward.Base,
		Week: c.Reward.Week,
		Prestige: prestige.Options{
			TimeOffset: c.Reward.PrestigeOffset,
			IsRoot:     c.Reward.IsRoot,
			Limit:      c.Reward.PrestigeLimit,
		},
	}
}

func (c Config) PublishPrestige() prestige.Options {
	return prestige.Options{TimeOffset: c.Prestige.TimeOffset, Limit: c.Prestige.ContentLimit}
}
