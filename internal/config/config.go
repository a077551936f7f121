package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider names accepted in cloud.provider.
const (
	ProviderHCloud = "hcloud"
	ProviderSim    = "sim"
)

// Config represents the application configuration
type Config struct {
	Log             LogConfig        `yaml:"log"`
	API             APIConfig        `yaml:"api"`
	Cloud           CloudConfig      `yaml:"cloud"`
	Reconciler      ReconcilerConfig `yaml:"reconciler"`
	EventBus        EventBusConfig   `yaml:"eventbus"`
	Watch           []WatchScope     `yaml:"watch"`
	ShutdownTimeout Duration         `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	JSON   bool   `yaml:"json"`
	Colors bool   `yaml:"colors"`
}

// APIConfig contains HTTP API server settings
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// CloudConfig selects and configures the cloud backend
type CloudConfig struct {
	Provider string   `yaml:"provider"` // "hcloud" or "sim" (default: sim when no token)
	Token    string   `yaml:"token"`    // supports ${VAR} expansion
	Timeout  Duration `yaml:"timeout"`  // HTTP timeout for backend calls
}

// ReconcilerConfig contains reconciliation loop settings
type ReconcilerConfig struct {
	PollInterval       Duration `yaml:"poll_interval"`        // Cadence between ticks while polling
	ForcedRefreshDelay Duration `yaml:"forced_refresh_delay"` // Delay before the post-command forced fetch
	CallTimeout        Duration `yaml:"call_timeout"`         // Upper bound on one fetch/dispatch call
	RateLimitRPS       float64  `yaml:"rate_limit_rps"`       // Backend calls per second per scope
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`    // Number of worker goroutines (default: 4)
	QueueSize int `yaml:"queue_size"` // Event queue size (default: 100)
}

// WatchScope is a scope the daemon enters at startup.
type WatchScope struct {
	Project  string `yaml:"project"`
	Location string `yaml:"location"`
}

// GetWorkers returns worker count with default
func (c *EventBusConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 100
	}
	return c.QueueSize
}

// GetShutdownTimeout returns the shutdown timeout with default
func (c *Config) GetShutdownTimeout() time.Duration {
	if c.ShutdownTimeout == 0 {
		return 5 * time.Second
	}
	return c.ShutdownTimeout.Duration()
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses configuration bytes, expands environment variables and
// applies defaults.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	// API defaults
	if cfg.API.Host == "" {
		cfg.API.Host = "0.0.0.0"
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = 8484
	}

	// Cloud defaults: without a token, fall back to the simulated backend
	if cfg.Cloud.Provider == "" {
		if cfg.Cloud.Token != "" {
			cfg.Cloud.Provider = ProviderHCloud
		} else {
			cfg.Cloud.Provider = ProviderSim
		}
	}
	switch cfg.Cloud.Provider {
	case ProviderHCloud:
		if cfg.Cloud.Token == "" {
			return nil, fmt.Errorf("cloud.provider %q requires cloud.token", cfg.Cloud.Provider)
		}
	case ProviderSim:
	default:
		return nil, fmt.Errorf("unknown cloud.provider %q", cfg.Cloud.Provider)
	}
	if cfg.Cloud.Timeout == 0 {
		cfg.Cloud.Timeout = Duration(30 * time.Second)
	}

	// Reconciler defaults
	if cfg.Reconciler.PollInterval == 0 {
		cfg.Reconciler.PollInterval = Duration(10 * time.Second)
	}
	if cfg.Reconciler.ForcedRefreshDelay == 0 {
		cfg.Reconciler.ForcedRefreshDelay = Duration(500 * time.Millisecond)
	}
	if cfg.Reconciler.CallTimeout == 0 {
		cfg.Reconciler.CallTimeout = Duration(30 * time.Second)
	}
	if cfg.Reconciler.RateLimitRPS == 0 {
		cfg.Reconciler.RateLimitRPS = 10.0
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}

	for i, w := range cfg.Watch {
		if w.Project == "" || w.Location == "" {
			return nil, fmt.Errorf("watch[%d] requires project and location", i)
		}
	}

	return &cfg, nil
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}

// ExpandEnvString expands a single string with environment variables
func ExpandEnvString(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return expandEnvVars(s)
	}
	return s
}
