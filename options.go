package lockagent

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Options configures the agent.
type Options struct {
	Endpoint         string        `yaml:"endpoint"`
	Origin           string        `yaml:"origin"`
	ClientIdentity   string        `yaml:"client_identity"` // sent as User-Agent
	ConnectTimeout   time.Duration `yaml:"connect_timeout"` // bounded wait for the first connection
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`

	Emergency EmergencyConfig `yaml:"emergency"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Status    StatusConfig    `yaml:"status"`
	Logging   LoggingConfig   `yaml:"logging"`
	Power     PowerConfig     `yaml:"power"`
}

type EmergencyConfig struct {
	Password     string `yaml:"password"`
	PasswordHash string `yaml:"password_hash"` // bcrypt; used when Password is empty
	GrantSeconds int    `yaml:"grant_seconds"`
}

// ReconnectConfig enables a caller-side reconnect loop. Off by default: once the
// agent falls back to emergency mode it stays there for the session.
type ReconnectConfig struct {
	Enabled         bool          `yaml:"enabled"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxElapsed      time.Duration `yaml:"max_elapsed"` // 0 retries forever
}

type StatusConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type PowerConfig struct {
	DryRun bool `yaml:"dry_run"`
}

// DefaultOptions gives the production defaults.
func DefaultOptions() Options {
	return Options{
		Endpoint:         "wss://example.yourdomain.com/ws/",
		Origin:           "https://control.bravos.io.vn",
		ClientIdentity:   "ParentalControlAgent/1.0",
		ConnectTimeout:   60 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		PollInterval:     100 * time.Millisecond,
		WriteTimeout:     5 * time.Second,
		Emergency: EmergencyConfig{
			Password:     "emergency123",
			GrantSeconds: 3600,
		},
		Reconnect: ReconnectConfig{
			InitialInterval: 2 * time.Second,
			MaxInterval:     time.Minute,
		},
		Status: StatusConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:8091",
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "CONSOLE",
		},
	}
}

// LoadOptions layers an optional YAML file and then environment overrides on top of
// DefaultOptions. An empty path skips the file.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return opts, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &opts); err != nil {
			return opts, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	if err := opts.applyEnv(); err != nil {
		return opts, err
	}
	return opts, opts.Validate()
}

func (o *Options) applyEnv() error {
	if v := os.Getenv("LOCKAGENT_ENDPOINT"); v != "" {
		o.Endpoint = v
	}
	if v := os.Getenv("LOCKAGENT_ORIGIN"); v != "" {
		o.Origin = v
	}
	if v := os.Getenv("LOCKAGENT_CONNECT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("LOCKAGENT_CONNECT_TIMEOUT: %w", err)
		}
		o.ConnectTimeout = d
	}
	if v := os.Getenv("LOCKAGENT_STATUS_ADDR"); v != "" {
		o.Status.ListenAddr = v
	}
	if v := os.Getenv("LOCKAGENT_LOG_LEVEL"); v != "" {
		o.Logging.Level = v
	}
	if v := os.Getenv("LOCKAGENT_LOG_FORMAT"); v != "" {
		o.Logging.Format = v
	}
	if v := os.Getenv("LOCKAGENT_EMERGENCY_PASSWORD"); v != "" {
		o.Emergency.Password = v
	}
	if v := os.Getenv("LOCKAGENT_DRY_RUN"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LOCKAGENT_DRY_RUN: %w", err)
		}
		o.Power.DryRun = b
	}
	return nil
}

// Validate reports the first unusable setting.
func (o Options) Validate() error {
	u, err := url.Parse(o.Endpoint)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: scheme %q", ErrInvalidEndpoint, u.Scheme)
	}
	if o.ConnectTimeout <= 0 || o.HandshakeTimeout <= 0 || o.PollInterval <= 0 || o.WriteTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidOption)
	}
	if o.Emergency.Password == "" && o.Emergency.PasswordHash == "" {
		return fmt.Errorf("%w: emergency credential required", ErrInvalidOption)
	}
	if o.Emergency.GrantSeconds < 0 {
		return fmt.Errorf("%w: emergency grant_seconds %d", ErrInvalidOption, o.Emergency.GrantSeconds)
	}
	return nil
}
