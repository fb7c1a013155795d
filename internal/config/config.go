// Package config loads bridge configuration from an optional YAML file and
// PROCBRIDGE_* environment variables. Command-line flags override both.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Worker configures the supervised backend process.
type Worker struct {
	Command      string        `mapstructure:"command"`
	Args         []string      `mapstructure:"args"`
	Dir          string        `mapstructure:"dir"`
	DataDirs     []string      `mapstructure:"data_dirs"`
	AuthCommand  string        `mapstructure:"auth_command"`
	AuthArgs     []string      `mapstructure:"auth_args"`
	Token        string        `mapstructure:"token"`
	RestartDelay time.Duration `mapstructure:"restart_delay"`
}

// Config is the process-wide configuration.
type Config struct {
	ListenAddr        string        `mapstructure:"listen_addr"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	DefaultWait       bool          `mapstructure:"default_wait"`
	LogLevel          string        `mapstructure:"log_level"`
	Worker            Worker        `mapstructure:"worker"`
}

// Load reads path when given, otherwise looks for procbridge.yaml in the
// working directory. A missing default file is not an error; a missing
// explicit file is.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", "127.0.0.1:8080")
	v.SetDefault("request_timeout", 30*time.Second)
	v.SetDefault("heartbeat_interval", 15*time.Second)
	v.SetDefault("idle_timeout", 5*time.Minute)
	v.SetDefault("default_wait", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("worker.restart_delay", 5*time.Second)

	v.SetEnvPrefix("PROCBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("procbridge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		var notFound viper.ConfigFileNotFoundError
		if err := v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// Validate rejects configurations the bridge cannot run with.
func (c *Config) Validate() error {
	if c.Worker.Command == "" {
		return errors.New("worker.command is required")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request_timeout must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return errors.New("heartbeat_interval must be positive")
	}
	if c.IdleTimeout <= 0 {
		return errors.New("idle_timeout must be positive")
	}
	return nil
}
