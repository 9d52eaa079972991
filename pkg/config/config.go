// Package config loads the node configuration file.
package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dd0wney/cluso-kv/pkg/logging"
	"github.com/dd0wney/cluso-kv/pkg/replication"
	"github.com/dd0wney/cluso-kv/pkg/server"
	"github.com/dd0wney/cluso-kv/pkg/validation"
)

// Config is the node configuration.
type Config struct {
	Server      server.Config      `yaml:"server"`
	Replication replication.Config `yaml:"replication"`
	Metrics     MetricsConfig      `yaml:"metrics"`
	Events      EventsConfig       `yaml:"events"`
	Logging     LoggingConfig      `yaml:"logging"`

	// ReplicaOf is "host:port" of the master to follow at startup.
	ReplicaOf string `yaml:"replicaof"`
}

// MetricsConfig configures the admin HTTP endpoint serving /metrics and
// the health checks. An empty address disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// EventsConfig configures the replication event publisher. An empty
// address disables it.
type EventsConfig struct {
	Addr       string `yaml:"addr"`
	BufferSize int    `yaml:"buffer_size"`
}

// LoggingConfig selects the log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`
}

// Default returns the default configuration
func Default() Config {
	return Config{
		Server:      server.DefaultConfig(),
		Replication: replication.DefaultConfig(),
		Events:      EventsConfig{BufferSize: 1024},
		Logging:     LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads a YAML configuration file. Missing keys keep their defaults.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes YAML configuration from r, applies defaults and validates.
func Parse(r io.Reader) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyDefaults applies default values to zero-valued fields
func (c *Config) ApplyDefaults() {
	d := Default()
	c.Server.ApplyDefaults()
	c.Replication.ApplyDefaults()
	c.Events.BufferSize = validation.DefaultOrInt(c.Events.BufferSize, d.Events.BufferSize)
	c.Logging.Level = validation.DefaultOrString(c.Logging.Level, d.Logging.Level)
	c.Logging.Format = validation.DefaultOrString(c.Logging.Format, d.Logging.Format)
}

// Validate validates every section.
func (c *Config) Validate() error {
	v := validation.NewConfigValidator("Config")
	v.Custom("Server", c.Server.Validate).
		Custom("Replication", c.Replication.Validate).
		MinInt("Events.BufferSize", c.Events.BufferSize, 1).
		OneOf("Logging.Format", c.Logging.Format, []string{"json", "console"})

	v.When(c.ReplicaOf != "", func(cv *validation.ConfigValidator) {
		cv.Custom("ReplicaOf", func() error {
			_, err := c.MasterEndpoint()
			return err
		})
	})

	v.Custom("Tags", func() error {
		return validation.Struct(c.Logging)
	})
	return v.Validate()
}

// MasterEndpoint parses ReplicaOf.
func (c *Config) MasterEndpoint() (validation.Endpoint, error) {
	return validation.ParseHostPort(c.ReplicaOf)
}

// NewLogger builds the logger described by the logging section.
func (c *Config) NewLogger(w io.Writer) logging.Logger {
	level := logging.ParseLevel(c.Logging.Level)
	if c.Logging.Format == "console" {
		return logging.NewConsoleLogger(w, level)
	}
	return logging.NewJSONLogger(w, level)
}
