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

// VectorConfig configures the vector index collaborator.
type VectorConfig struct {
	// Provider is "qdrant" (hosted) or "chromem" (embedded, dev/test).
	Provider string `yaml:"provider,omitempty"`

	// URL of the index, host:port for qdrant or a directory for chromem.
	URL string `yaml:"url,omitempty"`

	APIKey string `yaml:"api_key,omitempty"`
	UseTLS bool   `yaml:"use_tls,omitempty"`

	// Collection name. Vectors are partitioned by organization_id inside
	// one collection via payload filters. Default: memories
	Collection string `yaml:"collection,omitempty"`

	// Timeout for index calls. Default: 10s
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// Breaker settings for degrading to lexical-only search.
	BreakerMaxFailures  int           `yaml:"breaker_max_failures,omitempty"`
	BreakerOpenInterval time.Duration `yaml:"breaker_open_interval,omitempty"`
}

func (c *VectorConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = envOr("VECTOR_INDEX_PROVIDER", "qdrant")
	}
	if c.URL == "" {
		c.URL = envOr("VECTOR_INDEX_URL", "localhost:6334")
	}
	if c.APIKey == "" {
		c.APIKey = envOr("VECTOR_INDEX_API_KEY", "")
	}
	if c.Collection == "" {
		c.Collection = "memories"
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	if c.BreakerMaxFailures == 0 {
		c.BreakerMaxFailures = 5
	}
	if c.BreakerOpenInterval == 0 {
		c.BreakerOpenInterval = 30 * time.Second
	}
}

func (c *VectorConfig) Validate() error {
	switch c.Provider {
	case "qdrant", "chromem":
	default:
		return fmt.Errorf("invalid provider %q (valid: qdrant, chromem)", c.Provider)
	}
	if c.URL == "" {
		return fmt.Errorf("url is required")
	}
	return nil
}

// EmbedderConfig configures the embedding collaborator.
type EmbedderConfig struct {
	// Provider is "http" (external service) or "hash" (deterministic local
	// embedder for dev and tests).
	Provider string `yaml:"provider,omitempty"`

	// URL of the external embedding service (http provider only).
	URL string `yaml:"url,omitempty"`

	APIKey string `yaml:"api_key,omitempty"`

	// Model name recorded on each memory as embedding_model.
	Model string `yaml:"model,omitempty"`

	// Dimension of produced vectors. Default: 1024
	Dimension int `yaml:"dimension,omitempty"`

	// Timeout per embed call. Default: 15s
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

func (c *EmbedderConfig) SetDefaults() {
	if c.Provider == "" {
		if envOr("EMBEDDING_SERVICE_URL", "") != "" {
			c.Provider = "http"
		} else {
			c.Provider = "hash"
		}
	}
	if c.URL == "" {
		c.URL = envOr("EMBEDDING_SERVICE_URL", "")
	}
	if c.APIKey == "" {
		c.APIKey = envOr("EMBEDDING_API_KEY", "")
	}
	if c.Model == "" {
		c.Model = envOr("EMBEDDING_MODEL", "hash-v1")
	}
	if c.Dimension == 0 {
		c.Dimension = envOrInt("EMBEDDING_DIMENSION", 1024)
	}
	if c.Timeout == 0 {
		c.Timeout = 15 * time.Second
	}
}

func (c *EmbedderConfig) Validate() error {
	switch c.Provider {
	case "http", "hash":
	default:
		return fmt.Errorf("invalid provider %q (valid: http, hash)", c.Provider)
	}
	if c.Provider == "http" && c.URL == "" {
		return fmt.Errorf("url is required for the http provider")
	}
	if c.Dimension < 8 {
		return fmt.Errorf("dimension must be at least 8, got %d", c.Dimension)
	}
	return nil
}
