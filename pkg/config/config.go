// Package config loads engine configuration from the environment,
// 12-factor style. Rule profiles are YAML files loaded separately by
// pkg/rules.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Castellan-Labs/castellan/pkg/contracts"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// SQLitePath is the durable history store; empty selects the
	// in-memory store.
	SQLitePath string

	// PostgresURL enables the notification outbox when set.
	PostgresURL string

	// RedisAddr enables the shared send limiter when set.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// RuleProfile is the YAML rule profile installed at startup.
	RuleProfile string

	// CaseFeedURL is polled for case snapshots each tick; empty means
	// cases arrive only via the push endpoint.
	CaseFeedURL string

	// Roster maps target roles to assignable user IDs, e.g.
	// "mlro:u-1|u-2,senior_analyst:u-3".
	Roster map[string][]string

	TickInterval time.Duration
	Channels     []contracts.Channel

	// SendRatePerSec / SendBurst bound outbound notification delivery.
	SendRatePerSec float64
	SendBurst      int

	// JWTSecret signs admin bearer tokens for rule mutations.
	JWTSecret string

	// OTLPEndpoint enables trace/metric export when set.
	OTLPEndpoint string
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	cfg := &Config{
		Port:           envOr("PORT", "8080"),
		LogLevel:       envOr("LOG_LEVEL", "INFO"),
		SQLitePath:     os.Getenv("SQLITE_PATH"),
		PostgresURL:    os.Getenv("POSTGRES_URL"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		RedisDB:        envInt("REDIS_DB", 0),
		RuleProfile:    os.Getenv("RULE_PROFILE"),
		CaseFeedURL:    os.Getenv("CASE_FEED_URL"),
		TickInterval:   envDuration("TICK_INTERVAL", 30*time.Second),
		SendRatePerSec: envFloat("SEND_RATE_PER_SEC", 5),
		SendBurst:      envInt("SEND_BURST", 10),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		OTLPEndpoint:   os.Getenv("OTLP_ENDPOINT"),
	}
	cfg.Channels = parseChannels(envOr("NOTIFY_CHANNELS", "email,in_app"))
	cfg.Roster = parseRoster(os.Getenv("DIRECTORY_ROSTER"))
	return cfg
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

// parseRoster decodes "role:user|user,role:user" into a role roster.
// A role with no users is kept; notifications for it fall back to the
// role-wide channel.
func parseRoster(s string) map[string][]string {
	if s == "" {
		return nil
	}
	roster := make(map[string][]string)
	for _, entry := range strings.Split(s, ",") {
		role, users, _ := strings.Cut(strings.TrimSpace(entry), ":")
		if role == "" {
			continue
		}
		var ids []string
		for _, u := range strings.Split(users, "|") {
			if u = strings.TrimSpace(u); u != "" {
				ids = append(ids, u)
			}
		}
		roster[role] = ids
	}
	return roster
}

func parseChannels(s string) []contracts.Channel {
	var out []contracts.Channel
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		switch contracts.Channel(part) {
		case contracts.ChannelEmail, contracts.ChannelSMS, contracts.ChannelInApp, contracts.ChannelChat:
			out = append(out, contracts.Channel(part))
		}
	}
	if len(out) == 0 {
		out = []contracts.Channel{contracts.ChannelEmail, contracts.ChannelInApp}
	}
	return out
}
