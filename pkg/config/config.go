// Package config loads CLI configuration for the dropout tool.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (DROPOUT_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/kymeria/dropout/internal/bytesize"
)

// Config represents the dropout CLI configuration.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Metrics contains Prometheus metrics endpoint configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Bench contains parameters for the bench command
	Bench BenchConfig `mapstructure:"bench" yaml:"bench"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is the minimum log level: DEBUG, INFO, WARN, ERROR
	Level string `mapstructure:"level" yaml:"level"`

	// Format is the output format: text or json
	Format string `mapstructure:"format" yaml:"format"`

	// Output is "stdout", "stderr", or a file path
	Output string `mapstructure:"output" yaml:"output"`
}

// MetricsConfig controls the optional Prometheus endpoint.
type MetricsConfig struct {
	// Enabled turns on metric collection and the HTTP endpoint
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// ListenAddress is the address the /metrics endpoint binds to
	ListenAddress string `mapstructure:"listen_address" yaml:"listen_address"`
}

// BenchConfig holds parameters for the bench command.
type BenchConfig struct {
	// PayloadSize is the approximate in-memory size of each heavy object
	PayloadSize bytesize.ByteSize `mapstructure:"payload_size" yaml:"payload_size"`

	// Objects is the number of heavy objects destroyed per scenario
	Objects int `mapstructure:"objects" yaml:"objects"`

	// Producers is the number of goroutines submitting concurrently
	Producers int `mapstructure:"producers" yaml:"producers"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:       false,
			ListenAddress: ":9090",
		},
		Bench: BenchConfig{
			PayloadSize: 64 * bytesize.MiB,
			Objects:     8,
			Producers:   1,
		},
	}
}

// setDefaults registers default values with viper so partial config files
// and env-only setups still produce a complete Config.
func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_address", ":9090")

	v.SetDefault("bench.payload_size", "64Mi")
	v.SetDefault("bench.objects", 8)
	v.SetDefault("bench.producers", 1)
}

// Load reads configuration from the given file path, layered with DROPOUT_*
// environment variables and defaults. An empty path skips the file layer.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DROPOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the configuration for values the commands cannot work with.
func (c *Config) Validate() error {
	if c.Bench.PayloadSize == 0 {
		return fmt.Errorf("bench.payload_size must be greater than zero")
	}
	if c.Bench.Objects <= 0 {
		return fmt.Errorf("bench.objects must be greater than zero, got %d", c.Bench.Objects)
	}
	if c.Bench.Producers <= 0 {
		return fmt.Errorf("bench.producers must be greater than zero, got %d", c.Bench.Producers)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format)
	}

	return nil
}
