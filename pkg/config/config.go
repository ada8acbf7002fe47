package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"dropnet/pkg/validation"

	"github.com/pion/webrtc/v3"
	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Signal struct {
		Address         string        `yaml:"address"`
		ServerID        string        `yaml:"server_id"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
		PresenceTTL     time.Duration `yaml:"presence_ttl"`
	} `yaml:"signal"`

	Network struct {
		SignalURL          string        `yaml:"signal_url"`
		SignalingTimeout   time.Duration `yaml:"signaling_timeout"`
		PeerConnectTimeout time.Duration `yaml:"peer_connect_timeout"`
		DialAttempts       int           `yaml:"dial_attempts"`
		DialBackoff        time.Duration `yaml:"dial_backoff"`
	} `yaml:"network"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Transfer struct {
		OfferGrace         time.Duration `yaml:"offer_grace"`
		ChunkInterval      time.Duration `yaml:"chunk_interval"`
		BufferedAmountHigh uint64        `yaml:"buffered_amount_high"`
		BufferedAmountLow  uint64        `yaml:"buffered_amount_low"`
		EventBuffer        int           `yaml:"event_buffer"`
		// MaxFileSize is the largest offer a receiver accepts. Received
		// files are reassembled in memory.
		MaxFileSize int64 `yaml:"max_file_size"`
	} `yaml:"transfer"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Reliability struct {
		Enabled                 bool          `yaml:"enabled"`
		RetryAttempts           int           `yaml:"retry_attempts"`
		RetryInitialDelay       time.Duration `yaml:"retry_initial_delay"`
		BreakerFailureThreshold int           `yaml:"breaker_failure_threshold"`
		BreakerTimeout          time.Duration `yaml:"breaker_timeout"`
	} `yaml:"reliability"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
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
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Signal
	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.ShutdownTimeout <= 0 {
		return fmt.Errorf("signal.shutdown_timeout must be > 0")
	}
	if c.Signal.PresenceTTL < 0 {
		return fmt.Errorf("signal.presence_ttl must be >= 0")
	}

	// Network
	if err := validation.ValidateURL(c.Network.SignalURL); err != nil {
		return fmt.Errorf("network.signal_url: %w", err)
	}
	if c.Network.SignalingTimeout <= 0 {
		return fmt.Errorf("network.signaling_timeout must be > 0")
	}
	if c.Network.PeerConnectTimeout <= 0 {
		return fmt.Errorf("network.peer_connect_timeout must be > 0")
	}
	if c.Network.DialAttempts < 0 {
		return fmt.Errorf("network.dial_attempts must be >= 0")
	}

	// WebRTC
	for i, s := range c.WebRTC.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers[%d].urls must not be empty", i)
		}
		for _, u := range s.URLs {
			if err := validation.ValidateICEURL(u); err != nil {
				return fmt.Errorf("webrtc.ice_servers[%d]: %w", i, err)
			}
		}
	}
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	// Transfer
	if c.Transfer.OfferGrace < 0 {
		return fmt.Errorf("transfer.offer_grace must be >= 0")
	}
	if c.Transfer.ChunkInterval < 0 {
		return fmt.Errorf("transfer.chunk_interval must be >= 0")
	}
	if c.Transfer.BufferedAmountHigh == 0 {
		return fmt.Errorf("transfer.buffered_amount_high must be > 0")
	}
	if c.Transfer.BufferedAmountLow >= c.Transfer.BufferedAmountHigh {
		return fmt.Errorf("transfer.buffered_amount_low must be < buffered_amount_high")
	}
	if c.Transfer.EventBuffer < 0 {
		return fmt.Errorf("transfer.event_buffer must be >= 0")
	}
	if c.Transfer.MaxFileSize <= 0 || c.Transfer.MaxFileSize > validation.MaxFileSize {
		return fmt.Errorf("transfer.max_file_size must be in (0, %d]", validation.MaxFileSize)
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Reliability
	if c.Reliability.Enabled {
		if c.Reliability.RetryAttempts < 0 {
			return fmt.Errorf("reliability.retry_attempts must be >= 0")
		}
		if c.Reliability.BreakerFailureThreshold <= 0 {
			return fmt.Errorf("reliability.breaker_failure_threshold must be > 0 when reliability.enabled=true")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
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
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Signal.Address = ":8081"
	cfg.Signal.ServerID = "signal-1"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.ShutdownTimeout = 30 * time.Second
	cfg.Signal.AllowedOrigins = []string{"*"}
	cfg.Signal.PresenceTTL = 2 * time.Minute

	cfg.Network.SignalURL = "ws://localhost:8081/ws"
	cfg.Network.SignalingTimeout = 15 * time.Second
	cfg.Network.PeerConnectTimeout = 10 * time.Second
	cfg.Network.DialAttempts = 2
	cfg.Network.DialBackoff = 500 * time.Millisecond

	cfg.WebRTC.ICEServers = []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	}

	cfg.Transfer.OfferGrace = 500 * time.Millisecond
	cfg.Transfer.ChunkInterval = 10 * time.Millisecond
	cfg.Transfer.BufferedAmountHigh = 1 << 20
	cfg.Transfer.BufferedAmountLow = 256 << 10
	cfg.Transfer.EventBuffer = 64
	cfg.Transfer.MaxFileSize = 2 << 30

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Reliability.Enabled = true
	cfg.Reliability.RetryAttempts = 2
	cfg.Reliability.RetryInitialDelay = 50 * time.Millisecond
	cfg.Reliability.BreakerFailureThreshold = 5
	cfg.Reliability.BreakerTimeout = 10 * time.Second

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("DROPNET_SIGNAL_ADDRESS"); addr != "" {
		c.Signal.Address = addr
	}
	if id := os.Getenv("DROPNET_SERVER_ID"); id != "" {
		c.Signal.ServerID = id
	}
	if url := os.Getenv("DROPNET_SIGNAL_URL"); url != "" {
		c.Network.SignalURL = url
	}
	if level := os.Getenv("DROPNET_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("DROPNET_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if v := os.Getenv("DROPNET_SIGNALING_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Network.SignalingTimeout = d
		}
	}
	if v := os.Getenv("DROPNET_MAX_FILE_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Transfer.MaxFileSize = n
		}
	}
	if v := os.Getenv("DROPNET_TRACING_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Tracing.Enabled = b
		}
	}

	// The relay is supplied as an opaque URL/username/credential triple.
	if url := os.Getenv("DROPNET_TURN_URL"); url != "" {
		turn := ICEServer{
			URLs:       []string{url},
			Username:   os.Getenv("DROPNET_TURN_USERNAME"),
			Credential: os.Getenv("DROPNET_TURN_CREDENTIAL"),
		}
		replaced := false
		for i, s := range c.WebRTC.ICEServers {
			if s.Username != "" || s.Credential != "" {
				c.WebRTC.ICEServers[i] = turn
				replaced = true
				break
			}
		}
		if !replaced {
			c.WebRTC.ICEServers = append(c.WebRTC.ICEServers, turn)
		}
	}
}

// ICEServers converts the relay configuration for pion.
func (c *Config) ICEServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(c.WebRTC.ICEServers))
	for _, s := range c.WebRTC.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" || s.Credential != "" {
			server.Username = s.Username
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, server)
	}
	return servers
}
