package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// GuardConfig is the runtime configuration for the agentguard CLI.
// Policy semantics live in the policy document; this covers process
// concerns: where the policy is, logging, the inbound decision API,
// and metrics exposure.
type GuardConfig struct {
	// PolicyFile is the path to the YAML policy document.
	PolicyFile string `mapstructure:"policy_file" validate:"required"`
	// WatchPolicy enables automatic reload when the policy file changes.
	WatchPolicy bool `mapstructure:"watch_policy"`

	Server ServerConfig `mapstructure:"server"`
	Log    LogConfig    `mapstructure:"log"`
}

// ServerConfig configures the inbound decision API.
type ServerConfig struct {
	// ListenAddr is where the decision API listens, e.g. ":8090".
	ListenAddr string `mapstructure:"listen_addr" validate:"omitempty,hostname_port"`
	// MetricsEnabled exposes /metrics on the same listener.
	MetricsEnabled bool `mapstructure:"metrics_enabled"`
	// ApprovalTimeout bounds how long a held invocation waits for a
	// decision.
	ApprovalTimeout time.Duration `mapstructure:"approval_timeout"`
	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=text json"`
}

// SetDefaults fills unset optional fields.
func (c *GuardConfig) SetDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = "localhost:8090"
	}
	if c.Server.ApprovalTimeout <= 0 {
		c.Server.ApprovalTimeout = 5 * time.Minute
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// InitViper points Viper at the configuration file and wires the
// environment overrides. If configFile is empty, agentguard.yaml/.yml
// is searched in the standard locations. The search requires an
// explicit YAML extension so the binary itself is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		viper.SetConfigName("agentguard")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: AGENTGUARD_SERVER_LISTEN_ADDR
	viper.SetEnvPrefix("AGENTGUARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for an agentguard config
// file with an explicit YAML extension.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".agentguard"),
		"/etc/agentguard",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "agentguard"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested keys so they can be overridden via
// environment variables.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("policy_file")
	_ = viper.BindEnv("watch_policy")
	_ = viper.BindEnv("server.listen_addr")
	_ = viper.BindEnv("server.metrics_enabled")
	_ = viper.BindEnv("server.approval_timeout")
	_ = viper.BindEnv("server.shutdown_timeout")
	_ = viper.BindEnv("log.level")
	_ = viper.BindEnv("log.format")
}

// LoadGuardConfig reads the configuration file, applies environment
// overrides and defaults, and validates the result. Finding no config
// file in the search locations is not an error (environment-only
// configuration is supported); an explicitly named file that cannot be
// read is.
func LoadGuardConfig() (*GuardConfig, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg GuardConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was
// loaded, or empty when running on environment variables alone.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
