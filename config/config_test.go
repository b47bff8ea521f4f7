package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/tabcoin-engine/config"
	"github.com/warp/tabcoin-engine/firewall"
)

func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	c, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, c.Server.Port)
	assert.Equal(t, "sqlite", c.Database.Driver)
	assert.Equal(t, int64(20), c.Reward.Base)
	assert.Equal(t, 36*time.Hour, c.Reward.PrestigeOffset)
	assert.Equal(t, 10, c.Reward.PrestigeLimit)
	assert.True(t, c.Reward.IsRoot)
	assert.Len(t, c.FirewallRules(), 3)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
database:
  driver: postgres
  dsn: postgres://localhost/tabcoin
redis:
  addr: localhost:6379
  ttl: 30s
reward:
  base: 10
  prestige_offset: 12h
firewall:
  rules:
    create:user:
      limit: 5
      window: 1h
`)
	c, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, c.Server.Port)
	assert.Equal(t, "postgres", c.Database.Driver)
	assert.Equal(t, 30*time.Second, c.Redis.TTL)

	rc := c.Rewards()
	assert.Equal(t, int64(10), rc.Base)
	assert.Equal(t, 12*time.Hour, rc.Prestige.TimeOffset)
	assert.Equal(t, 10, rc.Prestige.Limit, "unset keys keep their defaults")

	for _, r := range c.FirewallRules() {
		switch r.ID {
		case firewall.RuleCreateUser:
			assert.Equal(t, 5, r.Limit)
			assert.Equal(t, time.Hour, r.Window)
		case firewall.RuleCreateContentChild:
			assert.Equal(t, 5, r.Limit)
			assert.Equal(t, 30*time.Minute, r.Window)
		}
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9090\n")
	t.Setenv("PORT", "7070")
	t.Setenv("DATABASE_URL", "/tmp/other.db")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("REDIS_ADDR", "cache:6379")

	c, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, c.Server.Port)
	assert.Equal(t, "/tmp/other.db", c.Database.DSN)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, "cache:6379", c.Redis.Addr)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})
	t.Run("bad yaml", func(t *testing.T) {
		_, err := config.Load(writeConfig(t, "server: [1, 2"))
		assert.Error(t, err)
	})
	t.Run("unknown driver", func(t *testing.T) {
		_, err := config.Load(writeConfig(t, "database:\n  driver: mongo\n"))
		assert.ErrorContains(t, err, "mongo")
	})
	t.Run("redis ttl without expiry", func(t *testing.T) {
		for _, ttl := range []string{"0s", "-1m"} {
			_, err := config.Load(writeConfig(t, "redis:\n  ttl: "+ttl+"\n"))
			assert.ErrorContains(t, err, "redis ttl", ttl)
		}
	})
	t.Run("bad port env", func(t *testing.T) {
		t.Setenv("PORT", "http")
		_, err := config.Load("")
		assert.Error(t, err)
	})
}
