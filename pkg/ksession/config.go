package ksession

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the recognized configuration surface from spec.md §6. Fields
// left at their zero value are filled in by withDefaults when the Session
// is constructed.
type Config struct {
	Host string
	Port int

	MaxFrameBytes         int32
	RateLimitPerSecond    int
	HeartbeatIdleSeconds  int
	RequestTimeoutSeconds float64

	InboundQueueSize int
	TickQueueSize    int
	DepthQueueSize   int
	CandleQueueSize  int

	DropInboundWhenFull bool

	ReconnectEnabled       bool
	ReconnectBackoffBaseMs int
	ReconnectBackoffCapMs  int
	ReconnectMaxAttempts   int // 0 means unlimited

	TLSConfig *tls.Config

	Logger  Logger
	Metrics *Metrics
}

const (
	defaultMaxFrameBytes          = 15 << 20
	defaultRateLimitPerSecond     = 5
	defaultHeartbeatIdleSeconds   = 20
	defaultRequestTimeoutSeconds  = 5.0
	defaultInboundQueueSize       = 256
	defaultTickQueueSize          = 256
	defaultDepthQueueSize         = 64
	defaultCandleQueueSize        = 32
	defaultReconnectBackoffBaseMs = 500
	defaultReconnectBackoffCapMs  = 30_000
)

func (c Config) withDefaults() Config {
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = defaultMaxFrameBytes
	}
	if c.RateLimitPerSecond <= 0 {
		c.RateLimitPerSecond = defaultRateLimitPerSecond
	}
	if c.HeartbeatIdleSeconds <= 0 {
		c.HeartbeatIdleSeconds = defaultHeartbeatIdleSeconds
	}
	if c.RequestTimeoutSeconds <= 0 {
		c.RequestTimeoutSeconds = defaultRequestTimeoutSeconds
	}
	if c.InboundQueueSize <= 0 {
		c.InboundQueueSize = defaultInboundQueueSize
	}
	if c.TickQueueSize <= 0 {
		c.TickQueueSize = defaultTickQueueSize
	}
	if c.DepthQueueSize <= 0 {
		c.DepthQueueSize = defaultDepthQueueSize
	}
	if c.CandleQueueSize <= 0 {
		c.CandleQueueSize = defaultCandleQueueSize
	}
	if c.ReconnectBackoffBaseMs <= 0 {
		c.ReconnectBackoffBaseMs = defaultReconnectBackoffBaseMs
	}
	if c.ReconnectBackoffCapMs <= 0 {
		c.ReconnectBackoffCapMs = defaultReconnectBackoffCapMs
	}
	if c.Logger == nil {
		c.Logger = NopLogger
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
	return c
}

func (c Config) requestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds * float64(time.Second))
}

func (c Config) heartbeatIdle() time.Duration {
	return time.Duration(c.HeartbeatIdleSeconds) * time.Second
}

// LoadConfig reads configuration from the process environment under the
// CTRADER_ prefix and an optional config file, grounded on
// adred-codev-ws_poc/go-server-3/internal/config.Load's viper usage. It
// does not set TLSConfig, Logger, or Metrics — those are constructed by
// the embedder and merged in afterwards.
func LoadConfig() (Config, error) {
	v := viper.New()

	v.SetDefault("host", "demo.ctraderapi.com")
	v.SetDefault("port", 5035)
	v.SetDefault("max_frame_bytes", defaultMaxFrameBytes)
	v.SetDefault("rate_limit_per_second", defaultRateLimitPerSecond)
	v.SetDefault("heartbeat_idle_seconds", defaultHeartbeatIdleSeconds)
	v.SetDefault("request_timeout_seconds", defaultRequestTimeoutSeconds)
	v.SetDefault("inbound_queue_size", defaultInboundQueueSize)
	v.SetDefault("tick_queue_size", defaultTickQueueSize)
	v.SetDefault("depth_queue_size", defaultDepthQueueSize)
	v.SetDefault("candle_queue_size", defaultCandleQueueSize)
	v.SetDefault("drop_inbound_when_full", false)
	v.SetDefault("reconnect_enabled", true)
	v.SetDefault("reconnect_backoff_base_ms", defaultReconnectBackoffBaseMs)
	v.SetDefault("reconnect_backoff_cap_ms", defaultReconnectBackoffCapMs)
	v.SetDefault("reconnect_max_attempts", 0)

	v.SetConfigName("ctrader")
	v.AddConfigPath(".")
	v.SetEnvPrefix("CTRADER")
	v.AutomaticEnv()

	_ = v.ReadInConfig() // optional: absence of a config file is not an error

	cfg := Config{
		Host:                   v.GetString("host"),
		Port:                   v.GetInt("port"),
		MaxFrameBytes:          int32(v.GetInt("max_frame_bytes")),
		RateLimitPerSecond:     v.GetInt("rate_limit_per_second"),
		HeartbeatIdleSeconds:   v.GetInt("heartbeat_idle_seconds"),
		RequestTimeoutSeconds:  v.GetFloat64("request_timeout_seconds"),
		InboundQueueSize:       v.GetInt("inbound_queue_size"),
		TickQueueSize:          v.GetInt("tick_queue_size"),
		DepthQueueSize:         v.GetInt("depth_queue_size"),
		CandleQueueSize:        v.GetInt("candle_queue_size"),
		DropInboundWhenFull:    v.GetBool("drop_inbound_when_full"),
		ReconnectEnabled:       v.GetBool("reconnect_enabled"),
		ReconnectBackoffBaseMs: v.GetInt("reconnect_backoff_base_ms"),
		ReconnectBackoffCapMs:  v.GetInt("reconnect_backoff_cap_ms"),
		ReconnectMaxAttempts:   v.GetInt("reconnect_max_attempts"),
	}

	if cfg.Host == "" {
		return Config{}, fmt.Errorf("ksession: host must not be empty")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("ksession: invalid port %d", cfg.Port)
	}
	return cfg, nil
}
