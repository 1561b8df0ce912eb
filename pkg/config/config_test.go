package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Castellan-Labs/castellan/pkg/config"
	"github.com/Castellan-Labs/castellan/pkg/contracts"
)

// TestLoad_Defaults verifies that Load() returns sensible defaults
// when no environment variables are set.
func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("TICK_INTERVAL", "")
	t.Setenv("NOTIFY_CHANNELS", "")
	t.Setenv("SQLITE_PATH", "")

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.TickInterval)
	assert.Equal(t, []contracts.Channel{contracts.ChannelEmail, contracts.ChannelInApp}, cfg.Channels)
	assert.Empty(t, cfg.SQLitePath) // in-memory store by default
}

// TestLoad_Overrides verifies that environment variables correctly
// override default values.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("TICK_INTERVAL", "5s")
	t.Setenv("NOTIFY_CHANNELS", "sms, chat ,bogus")
	t.Setenv("SQLITE_PATH", "/var/lib/castellan/castellan.db")
	t.Setenv("SEND_RATE_PER_SEC", "2.5")
	t.Setenv("SEND_BURST", "4")
	t.Setenv("REDIS_DB", "3")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, 5*time.Second, cfg.TickInterval)
	assert.Equal(t, []contracts.Channel{contracts.ChannelSMS, contracts.ChannelChat}, cfg.Channels)
	assert.Equal(t, "/var/lib/castellan/castellan.db", cfg.SQLitePath)
	assert.Equal(t, 2.5, cfg.SendRatePerSec)
	assert.Equal(t, 4, cfg.SendBurst)
	assert.Equal(t, 3, cfg.RedisDB)
}

func TestLoad_Roster(t *testing.T) {
	t.Setenv("DIRECTORY_ROSTER", "mlro:u-1|u-2, senior_analyst:u-3 ,compliance_team:")

	cfg := config.Load()

	assert.Equal(t, []string{"u-1", "u-2"}, cfg.Roster["mlro"])
	assert.Equal(t, []string{"u-3"}, cfg.Roster["senior_analyst"])
	users, ok := cfg.Roster["compliance_team"]
	assert.True(t, ok)
	assert.Empty(t, users)
}

func TestLoad_BadValuesFallBack(t *testing.T) {
	t.Setenv("TICK_INTERVAL", "not-a-duration")
	t.Setenv("SEND_BURST", "many")

	cfg := config.Load()

	assert.Equal(t, 30*time.Second, cfg.TickInterval)
	assert.Equal(t, 10, cfg.SendBurst)
}
