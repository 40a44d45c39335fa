// Package config loads the presence server configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mirkobrombin/go-presence/v1/lock"
)

// Transport kinds.
const (
	TransportRedis = "redis"
	TransportNATS  = "nats"
	TransportKafka = "kafka"
)

// Config is the full server configuration.
type Config struct {
	Redis     Redis     `yaml:"redis"`
	Transport Transport `yaml:"transport"`
	Lock      Lock      `yaml:"lock"`
	Breaker   Breaker   `yaml:"breaker"`
	Gateway   Gateway   `yaml:"gateway"`
	Metrics   Metrics   `yaml:"metrics"`
	Tracing   Tracing   `yaml:"tracing"`
}

// Redis configures the state store and lock nodes. The first address holds
// state; every address is a lock node.
type Redis struct {
	Addrs    []string      `yaml:"addrs"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Transport selects the pub/sub backend.
type Transport struct {
	Kind         string   `yaml:"kind"`
	NATSURL      string   `yaml:"nats_url"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
}

// Lock mirrors lock.Config.
type Lock struct {
	DriftFactor float64       `yaml:"drift_factor"`
	RetryCount  int           `yaml:"retry_count"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	RetryJitter time.Duration `yaml:"retry_jitter"`
}

// Breaker configures the publish circuit breaker. A zero threshold disables it.
type Breaker struct {
	Threshold int           `yaml:"threshold"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Gateway configures the WebSocket gateway.
type Gateway struct {
	Addr       string `yaml:"addr"`
	RoomPrefix string `yaml:"room_prefix"`
}

// Metrics configures the Prometheus endpoint. An empty address disables it.
type Metrics struct {
	Addr string `yaml:"addr"`
}

// Tracing toggles the stdout span exporter.
type Tracing struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a configuration for a single local Redis.
func Default() Config {
	lc := lock.DefaultConfig()
	return Config{
		Redis: Redis{
			Addrs:   []string{"localhost:6379"},
			Timeout: 5 * time.Second,
		},
		Transport: Transport{Kind: TransportRedis},
		Lock: Lock{
			DriftFactor: lc.DriftFactor,
			RetryCount:  lc.RetryCount,
			RetryDelay:  lc.RetryDelay,
			RetryJitter: lc.RetryJitter,
		},
		Breaker: Breaker{Threshold: 5, Timeout: 10 * time.Second},
		Gateway: Gateway{Addr: ":8080", RoomPrefix: "room:"},
		Metrics: Metrics{Addr: ":9090"},
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	if err := Decode(f, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Decode decodes YAML from r into out and rejects unknown fields.
func Decode(r io.Reader, out *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if len(c.Redis.Addrs) == 0 {
		errs = append(errs, errors.New("redis.addrs: at least one address is required"))
	}
	if c.Redis.Timeout < 0 {
		errs = append(errs, errors.New("redis.timeout: must not be negative"))
	}
	switch c.Transport.Kind {
	case TransportRedis:
	case TransportNATS:
		if c.Transport.NATSURL == "" {
			errs = append(errs, errors.New("transport.nats_url: required for nats transport"))
		}
	case TransportKafka:
		if len(c.Transport.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("transport.kafka_brokers: required for kafka transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("transport.kind: unknown transport %q", c.Transport.Kind))
	}
	if c.Lock.DriftFactor < 0 || c.Lock.DriftFactor >= 1 {
		errs = append(errs, errors.New("lock.drift_factor: must be in [0, 1)"))
	}
	if c.Lock.RetryDelay < 0 || c.Lock.RetryJitter < 0 {
		errs = append(errs, errors.New("lock: retry delay and jitter must not be negative"))
	}
	if c.Breaker.Threshold < 0 {
		errs = append(errs, errors.New("breaker.threshold: must not be negative"))
	}
	if c.Gateway.Addr == "" {
		errs = append(errs, errors.New("gateway.addr: required"))
	}
	return errors.Join(errs...)
}

// LockConfig converts the lock section.
func (c Config) LockConfig() lock.Config {
	return lock.Config{
		DriftFactor: c.Lock.DriftFactor,
		RetryCount:  c.Lock.RetryCount,
		RetryDelay:  c.Lock.RetryDelay,
		RetryJitter: c.Lock.RetryJitter,
	}
}
