// Copyright 2025 Memoros Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config defines the memoros configuration model and its loading
// pipeline. Configuration comes from a YAML file (with ${VAR} and
// ${VAR:-default} expansion), .env files, and process environment, in that
// order of precedence. Every config struct follows the same contract:
// SetDefaults() fills holes, Validate() rejects nonsense.
package config

import (
	"fmt"

	"github.com/memoros-io/memoros/pkg/observability"
)

// Config is the root configuration for a memoros deployment.
type Config struct {
	Server        ServerConfig         `yaml:"server,omitempty"`
	Database      DatabaseConfig       `yaml:"database,omitempty"`
	Redis         RedisConfig          `yaml:"redis,omitempty"`
	Auth          AuthConfig           `yaml:"auth,omitempty"`
	Vector        VectorConfig         `yaml:"vector,omitempty"`
	Embedder      EmbedderConfig       `yaml:"embedder,omitempty"`
	Search        SearchConfig         `yaml:"search,omitempty"`
	Scheduler     SchedulerConfig      `yaml:"scheduler,omitempty"`
	Workers       WorkersConfig        `yaml:"workers,omitempty"`
	Agents        AgentsConfig         `yaml:"agents,omitempty"`
	Rollout       RolloutConfig        `yaml:"rollout,omitempty"`
	RateLimits    RateLimitConfig      `yaml:"rate_limits,omitempty"`
	Webhooks      WebhookConfig        `yaml:"webhooks,omitempty"`
	Export        ExportConfig         `yaml:"export,omitempty"`
	Observability observability.Config `yaml:"observability,omitempty"`
	Logging       LoggingConfig        `yaml:"logging,omitempty"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level,omitempty"`

	// Format is "simple" or "verbose".
	Format string `yaml:"format,omitempty"`

	// File is an optional log file path. Empty means stderr.
	File string `yaml:"file,omitempty"`
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = envOr("LOG_LEVEL", "info")
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Level)
	}
	return nil
}

// SetDefaults applies defaults to the whole tree.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Database.SetDefaults()
	c.Redis.SetDefaults()
	c.Auth.SetDefaults()
	c.Vector.SetDefaults()
	c.Embedder.SetDefaults()
	c.Search.SetDefaults()
	c.Scheduler.SetDefaults()
	c.Workers.SetDefaults()
	c.Agents.SetDefaults()
	c.Rollout.SetDefaults()
	c.RateLimits.SetDefaults()
	c.Webhooks.SetDefaults()
	c.Export.SetDefaults()
	c.Observability.SetDefaults()
	c.Logging.SetDefaults()
}

// Validate checks the whole tree. The first failure wins, wrapped with the
// section name so operators can find the offending block.
func (c *Config) Validate() error {
	sections := []struct {
		name string
		v    interface{ Validate() error }
	}{
		{"server", &c.Server},
		{"database", &c.Database},
		{"redis", &c.Redis},
		{"auth", &c.Auth},
		{"vector", &c.Vector},
		{"embedder", &c.Embedder},
		{"search", &c.Search},
		{"scheduler", &c.Scheduler},
		{"workers", &c.Workers},
		{"agents", &c.Agents},
		{"rollout", &c.Rollout},
		{"rate_limits", &c.RateLimits},
		{"webhooks", &c.Webhooks},
		{"export", &c.Export},
		{"observability", &c.Observability},
		{"logging", &c.Logging},
	}
	for _, s := range sections {
		if err := s.v.Validate(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

// Default returns a ready-to-run configuration built purely from defaults and
// the recognized environment variables. Used when no config file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}
