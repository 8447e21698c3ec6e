package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port            string
	Environment     string
	AllowedOrigins  []string
	JWTSecret       string
	RequireAuth     bool
	PresenceTTL     time.Duration
	ShutdownTimeout time.Duration
	Redis           RedisConfig
	Peer            PeerConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// PeerConfig configures the client-side connector.
type PeerConfig struct {
	SignalingURL        string
	ReconnectDelay      time.Duration
	HeartbeatInterval   time.Duration
	MaxMissedHeartbeats int
	NegotiationTimeout  time.Duration
	STUNServers         []string
	RejoinOnReconnect   bool
	IncludeLoopback     bool
}

// DefaultSTUNServers are the public STUN endpoints used when P2P_STUN_SERVERS
// is unset.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

var envKeys = []string{
	"PORT",
	"ENVIRONMENT",
	"ALLOWED_ORIGINS",
	"JWT_SECRET",
	"REQUIRE_AUTH",
	"PRESENCE_TTL",
	"SHUTDOWN_TIMEOUT",
	"REDIS_HOST",
	"REDIS_PORT",
	"REDIS_PASSWORD",
	"REDIS_DB",
	"SIGNALING_URL",
	"P2P_RECONNECT_DELAY",
	"P2P_HEARTBEAT_INTERVAL",
	"P2P_MAX_MISSED_HEARTBEATS",
	"P2P_NEGOTIATION_TIMEOUT",
	"P2P_STUN_SERVERS",
	"P2P_REJOIN_ON_RECONNECT",
	"P2P_INCLUDE_LOOPBACK",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	v.SetDefault("JWT_SECRET", "change-me-in-production")
	v.SetDefault("REQUIRE_AUTH", false)
	v.SetDefault("PRESENCE_TTL", "24h")
	v.SetDefault("SHUTDOWN_TIMEOUT", "10s")
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", "6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("SIGNALING_URL", "ws://localhost:8080/p2p/ws/peer")
	v.SetDefault("P2P_RECONNECT_DELAY", "5s")
	v.SetDefault("P2P_HEARTBEAT_INTERVAL", "30s")
	v.SetDefault("P2P_MAX_MISSED_HEARTBEATS", 3)
	v.SetDefault("P2P_NEGOTIATION_TIMEOUT", "30s")
	v.SetDefault("P2P_STUN_SERVERS", strings.Join(DefaultSTUNServers, ","))
	v.SetDefault("P2P_REJOIN_ON_RECONNECT", true)
	v.SetDefault("P2P_INCLUDE_LOOPBACK", false)

	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	// A missing .env file is not an error.
	_ = v.ReadInConfig()

	cfg := &Config{
		Port:            v.GetString("PORT"),
		Environment:     v.GetString("ENVIRONMENT"),
		AllowedOrigins:  splitList(v.GetString("ALLOWED_ORIGINS")),
		JWTSecret:       v.GetString("JWT_SECRET"),
		RequireAuth:     v.GetBool("REQUIRE_AUTH"),
		PresenceTTL:     v.GetDuration("PRESENCE_TTL"),
		ShutdownTimeout: v.GetDuration("SHUTDOWN_TIMEOUT"),
		Redis: RedisConfig{
			Host:     v.GetString("REDIS_HOST"),
			Port:     v.GetString("REDIS_PORT"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		Peer: PeerConfig{
			SignalingURL:        v.GetString("SIGNALING_URL"),
			ReconnectDelay:      v.GetDuration("P2P_RECONNECT_DELAY"),
			HeartbeatInterval:   v.GetDuration("P2P_HEARTBEAT_INTERVAL"),
			MaxMissedHeartbeats: v.GetInt("P2P_MAX_MISSED_HEARTBEATS"),
			NegotiationTimeout:  v.GetDuration("P2P_NEGOTIATION_TIMEOUT"),
			STUNServers:         splitList(v.GetString("P2P_STUN_SERVERS")),
			RejoinOnReconnect:   v.GetBool("P2P_REJOIN_ON_RECONNECT"),
			IncludeLoopback:     v.GetBool("P2P_INCLUDE_LOOPBACK"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server or connector cannot run with.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT must not be empty")
	}
	if c.IsProduction() && c.JWTSecret == "change-me-in-production" {
		return fmt.Errorf("JWT_SECRET must be changed in production")
	}
	if c.Peer.ReconnectDelay <= 0 {
		return fmt.Errorf("P2P_RECONNECT_DELAY must be positive, got %s", c.Peer.ReconnectDelay)
	}
	if c.Peer.HeartbeatInterval <= 0 {
		return fmt.Errorf("P2P_HEARTBEAT_INTERVAL must be positive, got %s", c.Peer.HeartbeatInterval)
	}
	if c.Peer.MaxMissedHeartbeats < 0 {
		return fmt.Errorf("P2P_MAX_MISSED_HEARTBEATS must not be negative")
	}
	if c.Peer.NegotiationTimeout < 0 {
		return fmt.Errorf("P2P_NEGOTIATION_TIMEOUT must not be negative")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// DefaultPeerConfig returns the connector settings used when no environment
// overrides are present.
func DefaultPeerConfig() PeerConfig {
	return PeerConfig{
		SignalingURL:        "ws://localhost:8080/p2p/ws/peer",
		ReconnectDelay:      5 * time.Second,
		HeartbeatInterval:   30 * time.Second,
		MaxMissedHeartbeats: 3,
		NegotiationTimeout:  30 * time.Second,
		STUNServers:         append([]string(nil), DefaultSTUNServers...),
		RejoinOnReconnect:   true,
	}
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
