package core

import (
	"fmt"
	"strings"
	"time"
)

type DispatcherConfig struct {
	Workers        int           `koanf:"workers" mapstructure:"workers"`
	BatchSize      int           `koanf:"batch_size" mapstructure:"batch_size"`
	PollInterval   time.Duration `koanf:"poll_interval" mapstructure:"poll_interval"`
	LeaseDuration  time.Duration `koanf:"lease_duration" mapstructure:"lease_duration"`
	MaxAttempts    int           `koanf:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `koanf:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff" mapstructure:"max_backoff"`
	SendTimeout    time.Duration `koanf:"send_timeout" mapstructure:"send_timeout"`
}

type WebhookConfig struct {
	RetryBaseDelay time.Duration `koanf:"retry_base_delay" mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `koanf:"retry_max_delay" mapstructure:"retry_max_delay"`
	RetryCeiling   int           `koanf:"retry_ceiling" mapstructure:"retry_ceiling"`
	ReprocessBatch int           `koanf:"reprocess_batch" mapstructure:"reprocess_batch"`
}

type Config struct {
	ServiceName string           `koanf:"service_name" mapstructure:"service_name"`
	Dispatcher  DispatcherConfig `koanf:"dispatcher" mapstructure:"dispatcher"`
	Webhooks    WebhookConfig    `koanf:"webhooks" mapstructure:"webhooks"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "outbound",
		Dispatcher: DispatcherConfig{
			Workers:        4,
			BatchSize:      50,
			PollInterval:   time.Second,
			LeaseDuration:  30 * time.Second,
			MaxAttempts:    DefaultMaxAttempts,
			InitialBackoff: 2 * time.Second,
			MaxBackoff:     5 * time.Minute,
			SendTimeout:    30 * time.Second,
		},
		Webhooks: WebhookConfig{
			RetryBaseDelay: 30 * time.Second,
			RetryMaxDelay:  30 * time.Minute,
			RetryCeiling:   8,
			ReprocessBatch: 25,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if c.Dispatcher.Workers < 0 {
		return fmt.Errorf("core: dispatcher workers must not be negative")
	}
	if c.Dispatcher.BatchSize < 0 {
		return fmt.Errorf("core: dispatcher batch_size must not be negative")
	}
	if c.Dispatcher.MaxAttempts < 0 {
		return fmt.Errorf("core: dispatcher max_attempts must not be negative")
	}
	if c.Webhooks.RetryCeiling < 0 {
		return fmt.Errorf("core: webhooks retry_ceiling must not be negative")
	}
	return nil
}

// withDefaults back-fills zero values so callers can set only the policy
// knobs they care about.
func (c DispatcherConfig) withDefaults() DispatcherConfig {
	defaults := DefaultConfig().Dispatcher
	if c.Workers <= 0 {
		c.Workers = defaults.Workers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = defaults.LeaseDuration
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaults.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaults.MaxBackoff
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaults.SendTimeout
	}
	return c
}
