package cluster

import (
	"fmt"
	"os"
	"time"

	"cluster-rpc/discovery"
	"cluster-rpc/transport"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config tunes one Registry.
type Config struct {
	// QueueSize bounds the registrar's event queue. Calls arriving while it
	// is full fail with ErrOverloaded; control events wait for room.
	QueueSize int `yaml:"queue_size"`
	// EntryQueueSize bounds each local entry's inbox.
	EntryQueueSize int `yaml:"entry_queue_size"`
	// DefaultTimeout applies to calls made with a zero timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// HandlerTimeout, when set, makes an entry answer with a timeout failure
	// if its handler runs longer.
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
	// RateLimit, when set, caps requests per second served by each entry.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	Logger            *zap.Logger           `yaml:"-"`
	Clock             clock.Clock           `yaml:"-"`
	MetricsRegisterer prometheus.Registerer `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		QueueSize:      1024,
		EntryQueueSize: 256,
		DefaultTimeout: 5 * time.Second,
		RateBurst:      1,
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("queue_size must be positive, got %d", c.QueueSize))
	}
	if c.EntryQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("entry_queue_size must be positive, got %d", c.EntryQueueSize))
	}
	if c.DefaultTimeout <= 0 {
		errs = append(errs, fmt.Errorf("default_timeout must be positive, got %s", c.DefaultTimeout))
	}
	if c.HandlerTimeout < 0 {
		errs = append(errs, fmt.Errorf("handler_timeout must not be negative, got %s", c.HandlerTimeout))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate_limit must not be negative, got %g", c.RateLimit))
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		errs = append(errs, fmt.Errorf("rate_burst must be positive when rate_limit is set, got %d", c.RateBurst))
	}
	if len(errs) > 0 {
		return fmt.Errorf("cluster: invalid config: %w", multierr.Combine(errs...))
	}
	return nil
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return cfg
}

// NodeConfig is the file layout read by LoadConfig: registry settings plus
// the TCP data plane and its etcd discovery backend.
type NodeConfig struct {
	Registry  Config               `yaml:"registry"`
	Transport transport.TCPConfig  `yaml:"transport"`
	Discovery discovery.EtcdConfig `yaml:"discovery"`
}

// LoadConfig reads a YAML node configuration. Missing registry settings keep
// their DefaultConfig values; durations are written as "250ms", "5s", ...
func LoadConfig(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cluster: read config: %w", err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*NodeConfig, error) {
	cfg := &NodeConfig{Registry: DefaultConfig()}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cluster: parse config: %w", err)
	}
	if err := cfg.Registry.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
