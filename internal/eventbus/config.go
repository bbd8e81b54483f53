package eventbus

import (
	"fmt"
	"time"

	"github.com/depin-orcha/orcha/internal/config"
	"github.com/depin-orcha/orcha/internal/logging"
)

// Config represents the event bus configuration
type Config struct {
	Type string      `json:"type" yaml:"type" mapstructure:"type"`
	NATS *NATSConfig `json:"nats,omitempty" yaml:"nats,omitempty" mapstructure:"nats"`
}

// DefaultConfig returns default event bus configuration
func DefaultConfig() *Config {
	return &Config{
		Type: "nats",
		NATS: DefaultNATSConfig(),
	}
}

// FromAppConfig maps the application eventbus section onto a NATS configuration
func FromAppConfig(cfg config.EventBusConfig) *Config {
	nc := DefaultNATSConfig()
	if cfg.URL != "" {
		nc.URL = cfg.URL
	}
	if cfg.StreamName != "" {
		nc.StreamName = cfg.StreamName
	}
	if cfg.SubjectPrefix != "" {
		nc.SubjectPrefix = cfg.SubjectPrefix
		nc.StreamSubjects = []string{cfg.SubjectPrefix + ".>"}
	}
	if cfg.MaxAge > 0 {
		nc.MaxAge = cfg.MaxAge
	}
	if cfg.ConnectTimeout > 0 {
		nc.ConnectTimeout = cfg.ConnectTimeout
	}
	return &Config{Type: "nats", NATS: nc}
}

// Validate validates the event bus configuration
func (c *Config) Validate() error {
	if c.Type == "" {
		return fmt.Errorf("event bus type is required")
	}

	switch c.Type {
	case "nats":
		if c.NATS == nil {
			return fmt.Errorf("NATS configuration is required when type is 'nats'")
		}
		return c.NATS.Validate()
	default:
		return fmt.Errorf("unsupported event bus type: %s", c.Type)
	}
}

// Validate validates the NATS configuration
func (c *NATSConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("NATS URL is required")
	}

	if c.StreamName == "" {
		return fmt.Errorf("NATS stream name is required")
	}

	if c.SubjectPrefix == "" {
		return fmt.Errorf("NATS subject prefix is required")
	}

	if len(c.StreamSubjects) == 0 {
		return fmt.Errorf("NATS stream subjects are required")
	}

	if c.MaxAge <= 0 {
		return fmt.Errorf("NATS max age must be positive")
	}

	if c.MaxBytes <= 0 {
		return fmt.Errorf("NATS max bytes must be positive")
	}

	if c.MaxMsgs <= 0 {
		return fmt.Errorf("NATS max messages must be positive")
	}

	if c.Replicas < 1 {
		return fmt.Errorf("NATS replicas must be at least 1")
	}

	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}

	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}

	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = 10
	}

	return nil
}

// NewEventBusFromConfig creates an event bus based on configuration
func NewEventBusFromConfig(cfg *Config, logger logging.Logger) (EventBus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event bus configuration: %w", err)
	}

	switch cfg.Type {
	case "nats":
		return NewNATSEventBus(cfg.NATS, logger)
	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}
