package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server" yaml:"server"`
	API          APIConfig          `mapstructure:"api" yaml:"api"`
	Logging      LoggingConfig      `mapstructure:"logging" yaml:"logging"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry" yaml:"telemetry"`
	EventBus     EventBusConfig     `mapstructure:"eventbus" yaml:"eventbus"`
	Storage      StorageConfig      `mapstructure:"storage" yaml:"storage"`
	Coordinator  CoordinatorConfig  `mapstructure:"coordinator" yaml:"coordinator"`
	Optimizer    OptimizerConfig    `mapstructure:"optimizer" yaml:"optimizer"`
	Reallocation ReallocationConfig `mapstructure:"reallocation" yaml:"reallocation"`
	Monitor      MonitorConfig      `mapstructure:"monitor" yaml:"monitor"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler" yaml:"scheduler"`
	Policy       PolicyConfig       `mapstructure:"policy" yaml:"policy"`
	Providers    []ProviderConfig   `mapstructure:"providers" yaml:"providers"`
}

// ServerConfig holds listener configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	GRPCPort        int           `mapstructure:"grpc_port" yaml:"grpc_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// APIConfig holds HTTP gateway settings
type APIConfig struct {
	RequestsPerMinute int           `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int           `mapstructure:"burst" yaml:"burst"`
	DashboardPush     time.Duration `mapstructure:"dashboard_push" yaml:"dashboard_push"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	OutputPath string `mapstructure:"output_path" yaml:"output_path"`
	ErrorPath  string `mapstructure:"error_path" yaml:"error_path"`
	Sampling   bool   `mapstructure:"sampling" yaml:"sampling"`
}

// TelemetryConfig holds telemetry configuration
type TelemetryConfig struct {
	Enabled        bool    `mapstructure:"enabled" yaml:"enabled"`
	PrometheusPort int     `mapstructure:"prometheus_port" yaml:"prometheus_port"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint" yaml:"jaeger_endpoint"`
	ServiceName    string  `mapstructure:"service_name" yaml:"service_name"`
	ServiceVersion string  `mapstructure:"service_version" yaml:"service_version"`
	SampleRate     float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
}

// EventBusConfig holds NATS JetStream configuration
type EventBusConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	URL            string        `mapstructure:"url" yaml:"url"`
	StreamName     string        `mapstructure:"stream_name" yaml:"stream_name"`
	SubjectPrefix  string        `mapstructure:"subject_prefix" yaml:"subject_prefix"`
	MaxAge         time.Duration `mapstructure:"max_age" yaml:"max_age"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
}

// StorageConfig selects and configures the persistence sink
type StorageConfig struct {
	Type        string `mapstructure:"type" yaml:"type"`
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint"`
	Database    string `mapstructure:"database" yaml:"database"`
	TablePrefix string `mapstructure:"table_prefix" yaml:"table_prefix"`
	MaxRecords  int    `mapstructure:"max_records" yaml:"max_records"`
}

// CoordinatorConfig configures provider polling
type CoordinatorConfig struct {
	MaxHistory      int           `mapstructure:"max_history" yaml:"max_history"`
	ProviderTimeout time.Duration `mapstructure:"provider_timeout" yaml:"provider_timeout"`
	ConnectAttempts int           `mapstructure:"connect_attempts" yaml:"connect_attempts"`
	ConnectBackoff  time.Duration `mapstructure:"connect_backoff" yaml:"connect_backoff"`
}

// OptimizerConfig configures opportunity analysis
type OptimizerConfig struct {
	MinImprovementThreshold float64 `mapstructure:"min_improvement_threshold" yaml:"min_improvement_threshold"`
	MinImprovementPercent   float64 `mapstructure:"min_improvement_percent" yaml:"min_improvement_percent"`
	MaxAllocationChange     float64 `mapstructure:"max_allocation_change" yaml:"max_allocation_change"`
	AnalysisWindowHours     int     `mapstructure:"analysis_window_hours" yaml:"analysis_window_hours"`
	ConfidenceFloor         float64 `mapstructure:"confidence_floor" yaml:"confidence_floor"`
	DefaultConfidence       float64 `mapstructure:"default_confidence" yaml:"default_confidence"`
	MaxHistory              int     `mapstructure:"max_history" yaml:"max_history"`
}

// ReallocationConfig configures execution constraints
type ReallocationConfig struct {
	MinHoldDuration     time.Duration `mapstructure:"min_hold_duration" yaml:"min_hold_duration"`
	MaxPerHour          int           `mapstructure:"max_per_hour" yaml:"max_per_hour"`
	AutoRollback        bool          `mapstructure:"auto_rollback" yaml:"auto_rollback"`
	RequireConfirmation bool          `mapstructure:"require_confirmation" yaml:"require_confirmation"`
	MaxHistory          int           `mapstructure:"max_history" yaml:"max_history"`
}

// MonitorConfig configures alerting and reporting
type MonitorConfig struct {
	LowEarningsThreshold  float64       `mapstructure:"low_earnings_threshold" yaml:"low_earnings_threshold"`
	OptimizationThreshold float64       `mapstructure:"optimization_threshold" yaml:"optimization_threshold"`
	ConnectionTimeout     time.Duration `mapstructure:"connection_timeout" yaml:"connection_timeout"`
	MaxAlerts             int           `mapstructure:"max_alerts" yaml:"max_alerts"`
	MaxSnapshots          int           `mapstructure:"max_snapshots" yaml:"max_snapshots"`
}

// SchedulerConfig configures the periodic driver
type SchedulerConfig struct {
	Enabled              bool          `mapstructure:"enabled" yaml:"enabled"`
	OptimizationInterval time.Duration `mapstructure:"optimization_interval" yaml:"optimization_interval"`
	AlertInterval        time.Duration `mapstructure:"alert_interval" yaml:"alert_interval"`
	CleanupInterval      time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
	RetentionDays        int           `mapstructure:"retention_days" yaml:"retention_days"`
	AutoExecute          bool          `mapstructure:"auto_execute" yaml:"auto_execute"`
}

// PolicyConfig configures the Rego plan guard
type PolicyConfig struct {
	Enabled               bool    `mapstructure:"enabled" yaml:"enabled"`
	RulesFile             string  `mapstructure:"rules_file" yaml:"rules_file"`
	MinProviderAllocation float64 `mapstructure:"min_provider_allocation" yaml:"min_provider_allocation"`
	MaxProviderAllocation float64 `mapstructure:"max_provider_allocation" yaml:"max_provider_allocation"`
	MinConfidence         float64 `mapstructure:"min_confidence" yaml:"min_confidence"`
}

// ProviderConfig describes one provider to register at startup
type ProviderConfig struct {
	ID                string  `mapstructure:"id" yaml:"id"`
	Profile           string  `mapstructure:"profile" yaml:"profile"`
	Enabled           bool    `mapstructure:"enabled" yaml:"enabled"`
	Credential        string  `mapstructure:"credential" yaml:"credential,omitempty"`
	InitialAllocation float64 `mapstructure:"initial_allocation" yaml:"initial_allocation"`
	HostMetrics       bool    `mapstructure:"host_metrics" yaml:"host_metrics"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	return LoadFromFile("")
}

// LoadFromFile loads configuration from a specific file
func LoadFromFile(configFile string) (*Config, error) {
	return LoadWithFlags(configFile, nil)
}

// LoadWithFlags loads configuration and lets explicitly set CLI flags
// override file and environment values
func LoadWithFlags(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/orcha")

	if configFile != "" {
		v.SetConfigFile(configFile)
	}

	v.SetEnvPrefix("ORCHA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// flagKeys maps CLI flag names onto configuration keys
var flagKeys = map[string]string{
	"log-level":    "logging.level",
	"log-format":   "logging.format",
	"http-port":    "server.port",
	"grpc-port":    "server.grpc_port",
	"auto-execute": "scheduler.auto_execute",
	"nats-url":     "eventbus.url",
	"storage":      "storage.type",
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		flag := flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Validate checks the configuration for values the components cannot run with
func (c *Config) Validate() error {
	if c.Coordinator.MaxHistory <= 0 {
		return fmt.Errorf("coordinator.max_history must be positive")
	}
	if c.Optimizer.MaxAllocationChange <= 0 || c.Optimizer.MaxAllocationChange > 100 {
		return fmt.Errorf("optimizer.max_allocation_change must be in (0, 100]")
	}
	if c.Optimizer.ConfidenceFloor < 0 || c.Optimizer.ConfidenceFloor > 1 {
		return fmt.Errorf("optimizer.confidence_floor must be in [0, 1]")
	}
	if c.Reallocation.MaxPerHour <= 0 {
		return fmt.Errorf("reallocation.max_per_hour must be positive")
	}
	if c.Reallocation.MinHoldDuration < 0 {
		return fmt.Errorf("reallocation.min_hold_duration must not be negative")
	}
	if c.Monitor.MaxAlerts <= 0 || c.Monitor.MaxSnapshots <= 0 {
		return fmt.Errorf("monitor.max_alerts and monitor.max_snapshots must be positive")
	}
	switch c.Storage.Type {
	case "memory", "ydb":
	default:
		return fmt.Errorf("unsupported storage type %q", c.Storage.Type)
	}
	if c.Scheduler.Enabled && (c.Scheduler.OptimizationInterval <= 0 || c.Scheduler.AlertInterval <= 0) {
		return fmt.Errorf("scheduler intervals must be positive")
	}
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("providers[%d].id is required", i)
		}
		if p.InitialAllocation < 0 || p.InitialAllocation > 100 {
			return fmt.Errorf("providers[%d].initial_allocation must be in [0, 100]", i)
		}
	}
	return nil
}

// EnabledProviders returns the providers that should be registered
func (c *Config) EnabledProviders() []ProviderConfig {
	out := make([]ProviderConfig, 0, len(c.Providers))
	for _, p := range c.Providers {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("api.requests_per_minute", 100)
	v.SetDefault("api.burst", 10)
	v.SetDefault("api.dashboard_push", "5s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")
	v.SetDefault("logging.error_path", "stderr")
	v.SetDefault("logging.sampling", false)

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.prometheus_port", 9091)
	v.SetDefault("telemetry.jaeger_endpoint", "")
	v.SetDefault("telemetry.service_name", "orcha")
	v.SetDefault("telemetry.service_version", "1.0.0")
	v.SetDefault("telemetry.sample_rate", 1.0)

	// Event bus defaults
	v.SetDefault("eventbus.enabled", false)
	v.SetDefault("eventbus.url", "nats://localhost:4222")
	v.SetDefault("eventbus.stream_name", "ORCHA_EVENTS")
	v.SetDefault("eventbus.subject_prefix", "orcha.events")
	v.SetDefault("eventbus.max_age", "168h")
	v.SetDefault("eventbus.connect_timeout", "10s")

	// Storage defaults
	v.SetDefault("storage.type", "memory")
	v.SetDefault("storage.endpoint", "grpc://localhost:2136")
	v.SetDefault("storage.database", "/local")
	v.SetDefault("storage.table_prefix", "orcha")
	v.SetDefault("storage.max_records", 100000)

	// Orchestration defaults
	v.SetDefault("coordinator.max_history", 1000)
	v.SetDefault("coordinator.provider_timeout", "10s")
	v.SetDefault("coordinator.connect_attempts", 3)
	v.SetDefault("coordinator.connect_backoff", "500ms")

	v.SetDefault("optimizer.min_improvement_threshold", 0.05)
	v.SetDefault("optimizer.min_improvement_percent", 2.0)
	v.SetDefault("optimizer.max_allocation_change", 20.0)
	v.SetDefault("optimizer.analysis_window_hours", 24)
	v.SetDefault("optimizer.confidence_floor", 0.7)
	v.SetDefault("optimizer.default_confidence", 0.7)
	v.SetDefault("optimizer.max_history", 1000)

	v.SetDefault("reallocation.min_hold_duration", "1h")
	v.SetDefault("reallocation.max_per_hour", 4)
	v.SetDefault("reallocation.auto_rollback", true)
	v.SetDefault("reallocation.require_confirmation", false)
	v.SetDefault("reallocation.max_history", 10000)

	v.SetDefault("monitor.low_earnings_threshold", 5.0)
	v.SetDefault("monitor.optimization_threshold", 0.25)
	v.SetDefault("monitor.connection_timeout", "5m")
	v.SetDefault("monitor.max_alerts", 1000)
	v.SetDefault("monitor.max_snapshots", 10000)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.optimization_interval", "300s")
	v.SetDefault("scheduler.alert_interval", "60s")
	v.SetDefault("scheduler.cleanup_interval", "1h")
	v.SetDefault("scheduler.retention_days", 30)
	v.SetDefault("scheduler.auto_execute", true)

	v.SetDefault("policy.enabled", false)
	v.SetDefault("policy.rules_file", "")
	v.SetDefault("policy.min_provider_allocation", 5.0)
	v.SetDefault("policy.max_provider_allocation", 80.0)
	v.SetDefault("policy.min_confidence", 0.5)

	v.SetDefault("providers", []map[string]interface{}{
		{"id": "grass", "profile": "grass", "enabled": true, "initial_allocation": 25.0, "credential": "demo-grass-token"},
		{"id": "storj", "profile": "storj", "enabled": true, "initial_allocation": 25.0, "credential": "demo-storj-key"},
		{"id": "streamr", "profile": "streamr", "enabled": true, "initial_allocation": 25.0, "credential": "demo-streamr-key"},
		{"id": "golem", "profile": "golem", "enabled": true, "initial_allocation": 25.0, "credential": "demo-golem-key"},
	})
}
