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
	"time"
)

// RateLimitConfig configures per-org and per-user quotas. Over-quota API
// requests get 429; over-quota task enqueues land as blocked(reason=quota)
// instead of entering the main queue.
type RateLimitConfig struct {
	Enabled *bool `yaml:"enabled,omitempty"`

	// RequestsPerMinute per user. 0 disables the per-user request limit.
	// Default: 600
	RequestsPerMinute int `yaml:"requests_per_minute,omitempty"`

	// OrgTasksPerHour caps task enqueues per org. Default: 10000
	OrgTasksPerHour int `yaml:"org_tasks_per_hour,omitempty"`

	// OrgTokensPerHour caps estimated task tokens per org. 0 disables.
	OrgTokensPerHour int `yaml:"org_tokens_per_hour,omitempty"`
}

func (c *RateLimitConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(true)
	}
	if c.RequestsPerMinute == 0 {
		c.RequestsPerMinute = 600
	}
	if c.OrgTasksPerHour == 0 {
		c.OrgTasksPerHour = 10000
	}
}

func (c *RateLimitConfig) Validate() error {
	if c.RequestsPerMinute < 0 {
		return fmt.Errorf("requests_per_minute must be non-negative")
	}
	if c.OrgTasksPerHour < 0 {
		return fmt.Errorf("org_tasks_per_hour must be non-negative")
	}
	return nil
}

// IsEnabled reports whether rate limiting is on.
func (c *RateLimitConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// WebhookConfig configures outbound event delivery.
type WebhookConfig struct {
	Enabled *bool `yaml:"enabled,omitempty"`

	// SigningSecret keys the HMAC-SHA256 signature header.
	SigningSecret string `yaml:"signing_secret,omitempty"`

	// Timeout per delivery. Default: 10s
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// BreakerMaxFailures before deliveries are dropped without dialing.
	// Default: 5
	BreakerMaxFailures int `yaml:"breaker_max_failures,omitempty"`

	// BreakerOpenInterval before the breaker retries. Default: 60s
	BreakerOpenInterval time.Duration `yaml:"breaker_open_interval,omitempty"`
}

func (c *WebhookConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(false)
	}
	if c.SigningSecret == "" {
		c.SigningSecret = envOr("WEBHOOK_SIGNING_SECRET", "")
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	if c.BreakerMaxFailures == 0 {
		c.BreakerMaxFailures = 5
	}
	if c.BreakerOpenInterval == 0 {
		c.BreakerOpenInterval = 60 * time.Second
	}
}

func (c *WebhookConfig) Validate() error {
	if c.IsEnabled() && c.SigningSecret == "" {
		return fmt.Errorf("signing_secret is required when webhooks are enabled")
	}
	return nil
}

// IsEnabled reports whether webhooks are on.
func (c *WebhookConfig) IsEnabled() bool {
	return c.Enabled != nil && *c.Enabled
}

// ExportConfig configures memory exports.
type ExportConfig struct {
	// MaxMemories caps a single export. Default: 10000
	MaxMemories int `yaml:"max_memories,omitempty"`

	// Dir is where export files are staged before download. Empty means
	// exports stream directly to the response.
	Dir string `yaml:"dir,omitempty"`
}

func (c *ExportConfig) SetDefaults() {
	if c.MaxMemories == 0 {
		c.MaxMemories = 10000
	}
}

func (c *ExportConfig) Validate() error {
	if c.MaxMemories < 1 {
		return fmt.Errorf("max_memories must be at least 1, got %d", c.MaxMemories)
	}
	return nil
}
