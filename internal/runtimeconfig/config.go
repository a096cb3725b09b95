package runtimeconfig

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cusdeb/dominion/internal/paths"
	"gopkg.in/yaml.v3"
)

const (
	EngineDocker = "docker"
	EngineLocal  = "local"

	DefaultPollingFrequencySeconds = 15
	DefaultTimeoutSeconds          = 3600
	DefaultSpawnPeriodSeconds      = 5
	DefaultSlots                   = 1
	DefaultRedisPort               = 6379
)

type Config struct {
	Engine   EngineConfig   `yaml:"engine"`
	Builds   BuildsConfig   `yaml:"builds"`
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Notify   NotifyConfig   `yaml:"notify"`
}

type EngineConfig struct {
	Kind           string   `yaml:"kind"`
	DockerHost     string   `yaml:"docker_host"`
	BuilderImage   string   `yaml:"builder_image"`
	PinImageDigest bool     `yaml:"pin_image_digest"`
	LocalCommand   []string `yaml:"local_command"`
	LocalDir       string   `yaml:"local_dir"`
}

type BuildsConfig struct {
	ResultPath              string `yaml:"result_path"`
	PollingFrequencySeconds int64  `yaml:"polling_frequency_seconds"`
	TimeoutSeconds          int64  `yaml:"timeout_seconds"`
	SpawnPeriodSeconds      int64  `yaml:"spawn_period_seconds"`
	Slots                   int    `yaml:"slots"`
	DownloadURL             string `yaml:"download_url"` // {id} is replaced with the build id
}

// RedisConfig selects the shared broker and queue. With no host the
// server runs everything in memory.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type GatewayConfig struct {
	Listen             string            `yaml:"listen"`
	TLSCert            string            `yaml:"tls_cert"`
	TLSKey             string            `yaml:"tls_key"`
	Tokens             map[string]string `yaml:"tokens"`
	StatusCheckSeconds int64             `yaml:"status_check_seconds"`
	StartWaitSeconds   int64             `yaml:"start_wait_seconds"`
	// SubscriberBacklog caps the unread log lines queued per session.
	SubscriberBacklog  int               `yaml:"subscriber_backlog"`
}

type NotifyConfig struct {
	WebhookURL    string `yaml:"webhook_url"`
	OpsWebhookURL string `yaml:"ops_webhook_url"`
}

func Path() (string, error) {
	return paths.ConfigPath()
}

// Load reads the config file from its default location. A missing file
// yields the defaults.
func Load() (Config, string, error) {
	path, err := Path()
	if err != nil {
		return Config{}, "", err
	}
	cfg, err := LoadFile(path)
	return cfg, path, err
}

func LoadFile(path string) (Config, error) {
	cfg := Config{}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg.WithDefaults(), nil
		}
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg.WithDefaults(), nil
}

func (c Config) WithDefaults() Config {
	c.Engine.Kind = strings.ToLower(strings.TrimSpace(c.Engine.Kind))
	if c.Engine.Kind == "" {
		c.Engine.Kind = EngineDocker
	}
	if c.Builds.PollingFrequencySeconds == 0 {
		c.Builds.PollingFrequencySeconds = DefaultPollingFrequencySeconds
	}
	if c.Builds.TimeoutSeconds == 0 {
		c.Builds.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if c.Builds.SpawnPeriodSeconds == 0 {
		c.Builds.SpawnPeriodSeconds = DefaultSpawnPeriodSeconds
	}
	if c.Builds.Slots == 0 {
		c.Builds.Slots = DefaultSlots
	}
	c.Redis.Host = strings.TrimSpace(c.Redis.Host)
	if c.Redis.Port == 0 {
		c.Redis.Port = DefaultRedisPort
	}
	return c
}

// ApplyEnv overlays the environment variables the builders have always
// honoured. lookup is usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	seconds := func(key string, dst *int64) {
		raw, ok := lookup(key)
		if !ok || strings.TrimSpace(raw) == "" {
			return
		}
		v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("parse %s=%q: %w", key, raw, err))
			return
		}
		*dst = v
	}
	str := func(key string, dst *string) {
		if raw, ok := lookup(key); ok && strings.TrimSpace(raw) != "" {
			*dst = strings.TrimSpace(raw)
		}
	}

	seconds("POLLING_FREQUENCY", &c.Builds.PollingFrequencySeconds)
	seconds("TIMEOUT", &c.Builds.TimeoutSeconds)
	str("BUILD_RESULT_PATH", &c.Builds.ResultPath)
	str("REDIS_HOST", &c.Redis.Host)
	str("DOCKER_HOST", &c.Engine.DockerHost)
	str("DOMINION_LISTEN", &c.Gateway.Listen)
	if raw, ok := lookup("REDIS_PORT"); ok && strings.TrimSpace(raw) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			errs = append(errs, fmt.Errorf("parse REDIS_PORT=%q: %w", raw, err))
		} else {
			c.Redis.Port = port
		}
	}
	return errors.Join(errs...)
}

func (c Config) Validate() error {
	var errs []error
	switch c.Engine.Kind {
	case EngineDocker, EngineLocal:
	default:
		errs = append(errs, fmt.Errorf("invalid engine kind %q (expected %s or %s)", c.Engine.Kind, EngineDocker, EngineLocal))
	}
	if c.Builds.PollingFrequencySeconds <= 0 {
		errs = append(errs, fmt.Errorf("polling_frequency_seconds must be positive, got %d", c.Builds.PollingFrequencySeconds))
	}
	if c.Builds.TimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("timeout_seconds must be positive, got %d", c.Builds.TimeoutSeconds))
	}
	if c.Builds.SpawnPeriodSeconds <= 0 {
		errs = append(errs, fmt.Errorf("spawn_period_seconds must be positive, got %d", c.Builds.SpawnPeriodSeconds))
	}
	if c.Builds.Slots < 1 {
		errs = append(errs, fmt.Errorf("slots must be at least 1, got %d", c.Builds.Slots))
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid redis port %d", c.Redis.Port))
	}
	if c.Gateway.StatusCheckSeconds < 0 || c.Gateway.StartWaitSeconds < 0 {
		errs = append(errs, errors.New("gateway intervals must not be negative"))
	}
	if c.Gateway.SubscriberBacklog < 0 {
		errs = append(errs, fmt.Errorf("gateway subscriber_backlog must not be negative, got %d", c.Gateway.SubscriberBacklog))
	}
	if (c.Gateway.TLSCert == "") != (c.Gateway.TLSKey == "") {
		errs = append(errs, errors.New("gateway tls_cert and tls_key must be set together"))
	}
	return errors.Join(errs...)
}

func (c Config) PollingInterval() time.Duration {
	return time.Duration(c.Builds.PollingFrequencySeconds) * time.Second
}

func (c Config) Timeout() time.Duration {
	return time.Duration(c.Builds.TimeoutSeconds) * time.Second
}

func (c Config) SpawnPeriod() time.Duration {
	return time.Duration(c.Builds.SpawnPeriodSeconds) * time.Second
}

// RedisAddr is empty when no redis host is configured.
func (r RedisConfig) Addr() string {
	if r.Host == "" {
		return ""
	}
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}
