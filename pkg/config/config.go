package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v2"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SFUSIGNAL_"

type Config struct {
	Server struct {
		Address         string        `yaml:"address" env:"SFUSIGNAL_SERVER_ADDRESS"`
		ReadTimeout     time.Duration `yaml:"read_timeout" env:"SFUSIGNAL_SERVER_READ_TIMEOUT"`
		WriteTimeout    time.Duration `yaml:"write_timeout" env:"SFUSIGNAL_SERVER_WRITE_TIMEOUT"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SFUSIGNAL_SERVER_SHUTDOWN_TIMEOUT"`
	} `yaml:"server"`

	Signal struct {
		Path         string        `yaml:"path" env:"SFUSIGNAL_SIGNAL_PATH"`
		DefaultRoom  string        `yaml:"default_room" env:"SFUSIGNAL_SIGNAL_DEFAULT_ROOM"`
		PingInterval time.Duration `yaml:"ping_interval" env:"SFUSIGNAL_SIGNAL_PING_INTERVAL"`
		PongTimeout  time.Duration `yaml:"pong_timeout" env:"SFUSIGNAL_SIGNAL_PONG_TIMEOUT"`
		WriteTimeout time.Duration `yaml:"write_timeout" env:"SFUSIGNAL_SIGNAL_WRITE_TIMEOUT"`
	} `yaml:"signal"`

	Media struct {
		ListenIPs []ListenIP `yaml:"listen_ips"`
		PortRange struct {
			Min uint16 `yaml:"min" env:"SFUSIGNAL_MEDIA_PORT_MIN"`
			Max uint16 `yaml:"max" env:"SFUSIGNAL_MEDIA_PORT_MAX"`
		} `yaml:"port_range"`
		// AnnouncedIP overrides the announced address of every listen ip.
		AnnouncedIP string  `yaml:"announced_ip" env:"SFUSIGNAL_MEDIA_ANNOUNCED_IP"`
		Codecs      []Codec `yaml:"codecs"`
	} `yaml:"media"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled" env:"SFUSIGNAL_MONITORING_PROMETHEUS_ENABLED"`
		MetricsPath       string `yaml:"metrics_path" env:"SFUSIGNAL_MONITORING_METRICS_PATH"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level" env:"SFUSIGNAL_LOG_LEVEL"`
		Format string `yaml:"format" env:"SFUSIGNAL_LOG_FORMAT"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled" env:"SFUSIGNAL_REDIS_ENABLED"`
		Address  string `yaml:"address" env:"SFUSIGNAL_REDIS_ADDRESS"`
		Password string `yaml:"password" env:"SFUSIGNAL_REDIS_PASSWORD"`
		DB       int    `yaml:"db" env:"SFUSIGNAL_REDIS_DB"`
		PoolSize int    `yaml:"pool_size" env:"SFUSIGNAL_REDIS_POOL_SIZE"`
		Channel  string `yaml:"channel" env:"SFUSIGNAL_REDIS_CHANNEL"`
	} `yaml:"redis"`

	Auth struct {
		Enabled         bool          `yaml:"enabled" env:"SFUSIGNAL_AUTH_ENABLED"`
		JWTSecret       string        `yaml:"jwt_secret" env:"SFUSIGNAL_JWT_SECRET"`
		AccessTokenTTL  time.Duration `yaml:"access_token_ttl" env:"SFUSIGNAL_AUTH_ACCESS_TOKEN_TTL"`
		RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl" env:"SFUSIGNAL_AUTH_REFRESH_TOKEN_TTL"`
		AllowTokenIssue bool          `yaml:"allow_token_issue" env:"SFUSIGNAL_AUTH_ALLOW_TOKEN_ISSUE"`
		AllowedOrigins  []string      `yaml:"allowed_origins" env:"SFUSIGNAL_AUTH_ALLOWED_ORIGINS" env-separator:","`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled" env:"SFUSIGNAL_RATE_LIMITING_ENABLED"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int     `yaml:"connections_per_minute"`
			MessagesPerSecond    float64 `yaml:"messages_per_second"`
			Burst                int     `yaml:"burst"`
			MaxConcurrent        int     `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes  int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled" env:"SFUSIGNAL_TRACING_ENABLED"`
		ServiceName string  `yaml:"service_name" env:"SFUSIGNAL_TRACING_SERVICE_NAME"`
		JaegerURL   string  `yaml:"jaeger_url" env:"SFUSIGNAL_TRACING_JAEGER_URL"`
		Environment string  `yaml:"environment" env:"SFUSIGNAL_ENV"`
		SampleRate  float64 `yaml:"sample_rate" env:"SFUSIGNAL_TRACING_SAMPLE_RATE"`
	} `yaml:"tracing"`

	Reliability struct {
		Retry struct {
			Enabled      bool          `yaml:"enabled"`
			MaxAttempts  int           `yaml:"max_attempts"`
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
			Multiplier   float64       `yaml:"multiplier"`
		} `yaml:"retry"`

		CircuitBreaker struct {
			FailureThreshold    int           `yaml:"failure_threshold"`
			SuccessThreshold    int           `yaml:"success_threshold"`
			Timeout             time.Duration `yaml:"timeout"`
			MaxRequestsHalfOpen int           `yaml:"max_requests_half_open"`
		} `yaml:"circuit_breaker"`
	} `yaml:"reliability"`
}

type ListenIP struct {
	IP          string `yaml:"ip"`
	AnnouncedIP string `yaml:"announced_ip,omitempty"`
}

// Codec is one router media codec as written in the config file.
type Codec struct {
	Kind       string                 `yaml:"kind"`
	MimeType   string                 `yaml:"mime_type"`
	ClockRate  uint32                 `yaml:"clock_rate"`
	Channels   uint16                 `yaml:"channels,omitempty"`
	Parameters map[string]interface{} `yaml:"parameters,omitempty"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	if c.Signal.Path == "" || c.Signal.Path[0] != '/' {
		return fmt.Errorf("signal.path must start with /")
	}
	if c.Signal.DefaultRoom == "" {
		return fmt.Errorf("signal.default_room must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be greater than signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}

	if err := c.validateMedia(); err != nil {
		return err
	}

	if c.Monitoring.PrometheusEnabled && c.Monitoring.MetricsPath == "" {
		return fmt.Errorf("monitoring.metrics_path must not be empty when prometheus_enabled=true")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.Channel == "" {
			return fmt.Errorf("redis.channel must not be empty when redis.enabled=true")
		}
	}

	if c.Auth.Enabled || c.Auth.AllowTokenIssue {
		if len(c.Auth.JWTSecret) < 16 {
			return fmt.Errorf("auth.jwt_secret must be at least 16 characters")
		}
		if c.Auth.AccessTokenTTL <= 0 {
			return fmt.Errorf("auth.access_token_ttl must be > 0")
		}
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
	}
	if c.RateLimiting.WebSocket.MaxMessageSizeBytes <= 0 {
		return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be > 0")
	}

	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing is enabled")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	if c.Reliability.Retry.Enabled && c.Reliability.Retry.MaxAttempts < 0 {
		return fmt.Errorf("reliability.retry.max_attempts must be >= 0")
	}
	if c.Reliability.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("reliability.circuit_breaker.failure_threshold must be > 0")
	}
	if c.Reliability.CircuitBreaker.Timeout <= 0 {
		return fmt.Errorf("reliability.circuit_breaker.timeout must be > 0")
	}

	return nil
}

func (c *Config) validateMedia() error {
	if len(c.Media.ListenIPs) == 0 {
		return fmt.Errorf("media.listen_ips must not be empty")
	}
	for i, ip := range c.Media.ListenIPs {
		if ip.IP == "" {
			return fmt.Errorf("media.listen_ips[%d].ip must not be empty", i)
		}
	}
	if c.Media.PortRange.Min == 0 || c.Media.PortRange.Max == 0 {
		return fmt.Errorf("media.port_range.min and max must both be set")
	}
	if c.Media.PortRange.Min > c.Media.PortRange.Max {
		return fmt.Errorf("media.port_range.min must be <= max")
	}
	if len(c.Media.Codecs) == 0 {
		return fmt.Errorf("media.codecs must not be empty")
	}
	for i, codec := range c.Media.Codecs {
		if codec.Kind != "audio" && codec.Kind != "video" {
			return fmt.Errorf("media.codecs[%d].kind must be audio or video", i)
		}
		if codec.MimeType == "" || codec.ClockRate == 0 {
			return fmt.Errorf("media.codecs[%d] needs mime_type and clock_rate", i)
		}
	}
	return nil
}

// Load reads configuration from a YAML file on top of the defaults and then
// applies SFUSIGNAL_* environment overrides. A missing file means defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		// the file replaces these lists rather than merging into them
		cfg.Media.ListenIPs = nil
		cfg.Media.Codecs = nil
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
		if len(cfg.Media.ListenIPs) == 0 {
			cfg.Media.ListenIPs = DefaultConfig().Media.ListenIPs
		}
		if len(cfg.Media.Codecs) == 0 {
			cfg.Media.Codecs = DefaultConfig().Media.Codecs
		}
	}

	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	if cfg.Media.AnnouncedIP != "" {
		for i := range cfg.Media.ListenIPs {
			cfg.Media.ListenIPs[i].AnnouncedIP = cfg.Media.AnnouncedIP
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":3099"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.Signal.Path = "/ws"
	cfg.Signal.DefaultRoom = "default"
	cfg.Signal.PingInterval = 25 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second

	cfg.Media.ListenIPs = []ListenIP{{IP: "127.0.0.1"}}
	cfg.Media.PortRange.Min = 40000
	cfg.Media.PortRange.Max = 41000
	cfg.Media.Codecs = []Codec{
		{Kind: "audio", MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
		{
			Kind:      "video",
			MimeType:  "video/H264",
			ClockRate: 90000,
			Parameters: map[string]interface{}{
				"packetization-mode":      1,
				"profile-level-id":        "42e01f",
				"level-asymmetry-allowed": 1,
			},
		},
		{Kind: "video", MimeType: "video/VP8", ClockRate: 90000},
	}

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsPath = "/metrics"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.Channel = "sfusignal:events"

	cfg.Auth.Enabled = false
	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 15 * time.Minute
	cfg.Auth.RefreshTokenTTL = 7 * 24 * time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "sfusignal"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Reliability.Retry.Enabled = true
	cfg.Reliability.Retry.MaxAttempts = 3
	cfg.Reliability.Retry.InitialDelay = 100 * time.Millisecond
	cfg.Reliability.Retry.MaxDelay = 2 * time.Second
	cfg.Reliability.Retry.Multiplier = 2.0
	cfg.Reliability.CircuitBreaker.FailureThreshold = 5
	cfg.Reliability.CircuitBreaker.SuccessThreshold = 2
	cfg.Reliability.CircuitBreaker.Timeout = 30 * time.Second
	cfg.Reliability.CircuitBreaker.MaxRequestsHalfOpen = 1

	return cfg
}
