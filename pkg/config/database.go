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

package config

import (
	"fmt"
	"net/url"
	"time"
)

// DatabaseConfig configures the Postgres connection.
//
// The store is Postgres-only: row-level security, ltree org hierarchies,
// tsvector search and SKIP LOCKED dequeue are all load-bearing.
type DatabaseConfig struct {
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	User     string `yaml:"user,omitempty"`
	Password string `yaml:"password,omitempty"`
	Name     string `yaml:"name,omitempty"`

	// SSLMode is passed through to the driver. Default: disable
	SSLMode string `yaml:"ssl_mode,omitempty"`

	// MaxOpenConns caps the pool. Default: 25
	MaxOpenConns int `yaml:"max_open_conns,omitempty"`

	// MaxIdleConns. Default: 5
	MaxIdleConns int `yaml:"max_idle_conns,omitempty"`

	// ConnMaxLifetime. Default: 30m
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime,omitempty"`
}

func (c *DatabaseConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = envOr("POSTGRES_HOST", "localhost")
	}
	if c.Port == 0 {
		c.Port = envOrInt("POSTGRES_PORT", 5432)
	}
	if c.User == "" {
		c.User = envOr("POSTGRES_USER", "memoros")
	}
	if c.Password == "" {
		c.Password = envOr("POSTGRES_PASSWORD", "")
	}
	if c.Name == "" {
		c.Name = envOr("POSTGRES_DB", "memoros")
	}
	if c.SSLMode == "" {
		c.SSLMode = envOr("POSTGRES_SSLMODE", "disable")
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
}

func (c *DatabaseConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	return nil
}

// DSN renders a keyword/value connection string for the pgx stdlib driver.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// RedisConfig configures the cache and queue backend.
type RedisConfig struct {
	// URL in redis://[user:pass@]host:port/db form.
	URL string `yaml:"url,omitempty"`

	// DialTimeout. Default: 5s
	DialTimeout time.Duration `yaml:"dial_timeout,omitempty"`

	// PoolSize. Default: 20
	PoolSize int `yaml:"pool_size,omitempty"`
}

func (c *RedisConfig) SetDefaults() {
	if c.URL == "" {
		c.URL = envOr("REDIS_URL", "redis://localhost:6379/0")
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.PoolSize == 0 {
		c.PoolSize = 20
	}
}

func (c *RedisConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("url is required")
	}
	if _, err := url.Parse(c.URL); err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	return nil
}
