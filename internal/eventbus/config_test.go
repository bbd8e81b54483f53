package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/depin-orcha/orcha/internal/config"
	"github.com/depin-orcha/orcha/internal/logging"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "nats", cfg.Type)
	assert.NotNil(t, cfg.NATS)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, "ORCHA_EVENTS", cfg.NATS.StreamName)
	assert.Equal(t, "orcha.events", cfg.NATS.SubjectPrefix)
	assert.Equal(t, []string{"orcha.events.>"}, cfg.NATS.StreamSubjects)
	assert.Equal(t, 7*24*time.Hour, cfg.NATS.MaxAge)
	assert.Equal(t, int64(1024*1024*1024), cfg.NATS.MaxBytes)
	assert.Equal(t, int64(1000000), cfg.NATS.MaxMsgs)
	assert.Equal(t, 1, cfg.NATS.Replicas)
	assert.Equal(t, 10*time.Second, cfg.NATS.ConnectTimeout)
	assert.Equal(t, 2*time.Second, cfg.NATS.ReconnectWait)
	assert.Equal(t, 10, cfg.NATS.MaxReconnectAttempts)
}

func TestFromAppConfig(t *testing.T) {
	cfg := FromAppConfig(config.EventBusConfig{
		Enabled:        true,
		URL:            "nats://broker:4222",
		StreamName:     "EARNINGS",
		SubjectPrefix:  "earnings.events",
		MaxAge:         48 * time.Hour,
		ConnectTimeout: 3 * time.Second,
	})

	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	assert.Equal(t, "EARNINGS", cfg.NATS.StreamName)
	assert.Equal(t, "earnings.events", cfg.NATS.SubjectPrefix)
	assert.Equal(t, []string{"earnings.events.>"}, cfg.NATS.StreamSubjects)
	assert.Equal(t, 48*time.Hour, cfg.NATS.MaxAge)
	assert.Equal(t, 3*time.Second, cfg.NATS.ConnectTimeout)

	defaults := FromAppConfig(config.EventBusConfig{})
	assert.Equal(t, DefaultNATSConfig(), defaults.NATS)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{
			name:   "valid config",
			config: DefaultConfig(),
		},
		{
			name:    "empty type",
			config:  &Config{NATS: DefaultNATSConfig()},
			wantErr: true,
		},
		{
			name:    "unsupported type",
			config:  &Config{Type: "kafka", NATS: DefaultNATSConfig()},
			wantErr: true,
		},
		{
			name:    "missing nats section",
			config:  &Config{Type: "nats"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNATSConfig_Validate(t *testing.T) {
	valid := func() *NATSConfig {
		return &NATSConfig{
			URL:            "nats://localhost:4222",
			StreamName:     "TEST",
			SubjectPrefix:  "test",
			StreamSubjects: []string{"test.>"},
			MaxAge:         time.Hour,
			MaxBytes:       1024,
			MaxMsgs:        100,
			Replicas:       1,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *NATSConfig)
		wantErr bool
	}{
		{name: "valid config", mutate: func(c *NATSConfig) {}},
		{name: "empty URL", mutate: func(c *NATSConfig) { c.URL = "" }, wantErr: true},
		{name: "empty stream name", mutate: func(c *NATSConfig) { c.StreamName = "" }, wantErr: true},
		{name: "empty subject prefix", mutate: func(c *NATSConfig) { c.SubjectPrefix = "" }, wantErr: true},
		{name: "empty stream subjects", mutate: func(c *NATSConfig) { c.StreamSubjects = nil }, wantErr: true},
		{name: "zero max age", mutate: func(c *NATSConfig) { c.MaxAge = 0 }, wantErr: true},
		{name: "zero max bytes", mutate: func(c *NATSConfig) { c.MaxBytes = 0 }, wantErr: true},
		{name: "zero max messages", mutate: func(c *NATSConfig) { c.MaxMsgs = 0 }, wantErr: true},
		{name: "zero replicas", mutate: func(c *NATSConfig) { c.Replicas = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	t.Run("fills connection defaults", func(t *testing.T) {
		cfg := valid()
		cfg.MaxReconnectAttempts = -1
		assert.NoError(t, cfg.Validate())
		assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
		assert.Equal(t, 2*time.Second, cfg.ReconnectWait)
		assert.Equal(t, 10, cfg.MaxReconnectAttempts)
	})
}

func TestNewEventBusFromConfig(t *testing.T) {
	logger := logging.NewFromZap(zaptest.NewLogger(t))

	t.Run("unreachable server", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.NATS.URL = "nats://127.0.0.1:1"
		cfg.NATS.ConnectTimeout = time.Second
		cfg.NATS.MaxReconnectAttempts = 0

		_, err := NewEventBusFromConfig(cfg, logger)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to connect to NATS")
	})

	t.Run("invalid config", func(t *testing.T) {
		_, err := NewEventBusFromConfig(&Config{Type: "invalid"}, logger)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid event bus configuration")
	})

	t.Run("unsupported type", func(t *testing.T) {
		_, err := NewEventBusFromConfig(&Config{Type: "kafka", NATS: DefaultNATSConfig()}, logger)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported event bus type")
	})
}
