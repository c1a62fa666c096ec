// Package config loads engine configuration from YAML files with
// environment-variable overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("taskmesh.yaml").
//	    WithEnvPrefix("TASKMESH").
//	    Load()
//
// Precedence: defaults, then YAML file, then environment variables.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration.
type Config struct {
	// Engine tunes the scheduling loop.
	Engine EngineConfig `yaml:"engine" env:"ENGINE"`

	// Store selects and configures event persistence.
	Store StoreConfig `yaml:"store" env:"STORE"`

	// Log configures the zap logger.
	Log LogConfig `yaml:"log" env:"LOG"`
}

// EngineConfig tunes the orchestrator.
type EngineConfig struct {
	// MaxParallelism bounds concurrent tasks across the engine. Zero means
	// unbounded.
	MaxParallelism int64 `yaml:"max_parallelism" env:"MAX_PARALLELISM"`
	// PerAgentParallelism bounds concurrent tasks per agent. Zero means
	// unbounded.
	PerAgentParallelism int64 `yaml:"per_agent_parallelism" env:"PER_AGENT_PARALLELISM"`
	// AgentDispatchInterval is the minimum spacing between dispatches to one
	// agent. Zero disables rate limiting.
	AgentDispatchInterval time.Duration `yaml:"agent_dispatch_interval" env:"AGENT_DISPATCH_INTERVAL"`
	// CircuitThreshold is the consecutive-failure count that opens an
	// agent's circuit.
	CircuitThreshold int `yaml:"circuit_threshold" env:"CIRCUIT_THRESHOLD"`
	// CircuitReset is the fixed cooldown of an opened circuit.
	CircuitReset time.Duration `yaml:"circuit_reset" env:"CIRCUIT_RESET"`
	// BackoffBase is the default delay before the first retry.
	BackoffBase time.Duration `yaml:"backoff_base" env:"BACKOFF_BASE"`
	// Jitter is the default symmetric jitter fraction in [0,1).
	Jitter float64 `yaml:"jitter" env:"JITTER"`
	// MaxBackoff caps the computed retry delay.
	MaxBackoff time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
}

// StoreConfig selects event persistence.
type StoreConfig struct {
	// Driver: "memory" or "sqlite".
	Driver string `yaml:"driver" env:"DRIVER"`
	// Path is the sqlite database file; ignored for the memory driver.
	Path string `yaml:"path" env:"PATH"`
}

// LogConfig configures the logger.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json or console.
	Format string `yaml:"format" env:"FORMAT"`
	// OutputPaths are zap sink URLs.
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxParallelism:        0,
			PerAgentParallelism:   0,
			AgentDispatchInterval: 0,
			CircuitThreshold:      5,
			CircuitReset:          30 * time.Second,
			BackoffBase:           1 * time.Second,
			Jitter:                0.25,
			MaxBackoff:            30 * time.Second,
		},
		Store: StoreConfig{
			Driver: "memory",
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stderr"},
		},
	}
}

// Loader loads configuration with the builder pattern.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the default env prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "TASKMESH",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment-variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator appends a validator run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the configuration: defaults, then file, then environment.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad loads configuration and panics on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate checks configured values for consistency.
func (c *Config) Validate() error {
	var errs []string

	if c.Engine.MaxParallelism < 0 {
		errs = append(errs, "max_parallelism must not be negative")
	}
	if c.Engine.PerAgentParallelism < 0 {
		errs = append(errs, "per_agent_parallelism must not be negative")
	}
	if c.Engine.Jitter < 0 || c.Engine.Jitter >= 1 {
		errs = append(errs, "jitter must be in [0,1)")
	}
	if c.Engine.CircuitThreshold < 0 {
		errs = append(errs, "circuit_threshold must not be negative")
	}
	switch c.Store.Driver {
	case "", "memory":
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, "store path is required for the sqlite driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown store driver %q", c.Store.Driver))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
