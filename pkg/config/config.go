package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Duration is a time.Duration that reads either a Go duration string
// ("1500ms", "3s") or a number of milliseconds from JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return err
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalText lets env overlay values use duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

type Config struct {
	Server   ServerConfig   `json:"server"`
	Channel  ChannelConfig  `json:"channel"`
	Fallback FallbackConfig `json:"fallback"`
	Call     CallConfig     `json:"call"`
	Request  RequestConfig  `json:"request"`
	Log      LogConfig      `json:"log"`
}

type ServerConfig struct {
	APIBase      string `env:"TINYSIP_SERVER_API_BASE"      json:"api_base"`
	WSURL        string `env:"TINYSIP_SERVER_WS_URL"        json:"ws_url"`
	DashboardURL string `env:"TINYSIP_SERVER_DASHBOARD_URL" json:"dashboard_url"`
	StreamURL    string `env:"TINYSIP_SERVER_STREAM_URL"    json:"stream_url"`
	DashboardWS  string `env:"TINYSIP_SERVER_DASHBOARD_WS"  json:"dashboard_ws,omitempty"`
	Token        string `env:"TINYSIP_TOKEN"                json:"-"`
}

type ChannelConfig struct {
	MaxReconnectAttempts int      `env:"TINYSIP_CHANNEL_MAX_RECONNECT_ATTEMPTS" json:"max_reconnect_attempts"`
	ReconnectBaseDelay   Duration `env:"TINYSIP_CHANNEL_RECONNECT_BASE_DELAY"   json:"reconnect_base_delay"`
	ReconnectMaxDelay    Duration `env:"TINYSIP_CHANNEL_RECONNECT_MAX_DELAY"    json:"reconnect_max_delay"`
	PingInterval         Duration `env:"TINYSIP_CHANNEL_PING_INTERVAL"          json:"ping_interval"`
	HandshakeTimeout     Duration `env:"TINYSIP_CHANNEL_HANDSHAKE_TIMEOUT"      json:"handshake_timeout"`
	ReadLimit            int64    `env:"TINYSIP_CHANNEL_READ_LIMIT"             json:"read_limit"`
	QueueSize            int      `env:"TINYSIP_CHANNEL_QUEUE_SIZE"             json:"queue_size"`
}

type FallbackConfig struct {
	PushEnabled   bool     `env:"TINYSIP_FALLBACK_PUSH_ENABLED"   json:"push_enabled"`
	StreamEnabled bool     `env:"TINYSIP_FALLBACK_STREAM_ENABLED" json:"stream_enabled"`
	StreamRetry   Duration `env:"TINYSIP_FALLBACK_STREAM_RETRY"   json:"stream_retry"`
	PollInterval  Duration `env:"TINYSIP_FALLBACK_POLL_INTERVAL"  json:"poll_interval"`
}

type CallConfig struct {
	RingTimeout Duration `env:"TINYSIP_CALL_RING_TIMEOUT" json:"ring_timeout"`
}

type RequestConfig struct {
	Timeout Duration `env:"TINYSIP_REQUEST_TIMEOUT" json:"timeout"`
}

type LogConfig struct {
	Level   string `env:"TINYSIP_LOG_LEVEL"   json:"level"`
	Console bool   `env:"TINYSIP_LOG_CONSOLE" json:"console"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			APIBase:      "http://localhost:8081/api",
			WSURL:        "ws://localhost:8081/ws/events",
			DashboardURL: "http://localhost:8081/api/dashboard",
			StreamURL:    "http://localhost:8081/api/stream",
		},
		Channel: ChannelConfig{
			MaxReconnectAttempts: 5,
			ReconnectBaseDelay:   Duration(time.Second),
			ReconnectMaxDelay:    Duration(30 * time.Second),
			PingInterval:         Duration(25 * time.Second),
			HandshakeTimeout:     Duration(10 * time.Second),
			ReadLimit:            1 << 20,
			QueueSize:            100,
		},
		Fallback: FallbackConfig{
			PushEnabled:   false,
			StreamEnabled: true,
			StreamRetry:   Duration(3 * time.Second),
			PollInterval:  Duration(10 * time.Second),
		},
		Call: CallConfig{
			RingTimeout: Duration(60 * time.Second),
		},
		Request: RequestConfig{
			Timeout: Duration(10 * time.Second),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads the JSON file at path (a missing file is not an error),
// loads a .env file from the working directory if present, and overlays
// TINYSIP_* environment variables.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, err
		}
	}

	_ = godotenv.Load()

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

func (c *Config) Validate() error {
	for name, raw := range map[string]string{
		"server.api_base": c.Server.APIBase,
		"server.ws_url":   c.Server.WSURL,
	} {
		if raw == "" {
			return fmt.Errorf("%s is required", name)
		}
		if _, err := url.Parse(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.Channel.MaxReconnectAttempts < 1 {
		return fmt.Errorf("channel.max_reconnect_attempts must be at least 1, got %d",
			c.Channel.MaxReconnectAttempts)
	}
	if c.Channel.ReconnectBaseDelay <= 0 {
		return errors.New("channel.reconnect_base_delay must be positive")
	}
	if c.Fallback.PollInterval <= 0 {
		return errors.New("fallback.poll_interval must be positive")
	}
	return nil
}
