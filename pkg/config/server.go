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
	"strings"
	"time"
)

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	// Host to bind. Default: 0.0.0.0
	Host string `yaml:"host,omitempty"`

	// Port to listen on. Default: 8420
	Port int `yaml:"port,omitempty"`

	// BaseURL is the externally visible URL, used in webhook payloads and
	// export manifests. Default: http://<host>:<port>
	BaseURL string `yaml:"base_url,omitempty"`

	// CORSOrigins is the list of allowed origins. "*" allows all.
	CORSOrigins []string `yaml:"cors_origins,omitempty"`

	// ReadTimeout for incoming requests. Default: 30s
	ReadTimeout time.Duration `yaml:"read_timeout,omitempty"`

	// WriteTimeout for responses. Default: 60s
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty"`

	// ShutdownGrace is how long in-flight requests get on shutdown.
	// Default: 15s
	ShutdownGrace time.Duration `yaml:"shutdown_grace,omitempty"`

	// MaxBodyBytes caps request bodies. Default: 4 MiB
	MaxBodyBytes int64 `yaml:"max_body_bytes,omitempty"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = envOr("SERVER_HOST", "0.0.0.0")
	}
	if c.Port == 0 {
		c.Port = envOrInt("SERVER_PORT", 8420)
	}
	if len(c.CORSOrigins) == 0 {
		if origins := envOr("CORS_ORIGINS", ""); origins != "" {
			for _, o := range strings.Split(origins, ",") {
				if o = strings.TrimSpace(o); o != "" {
					c.CORSOrigins = append(c.CORSOrigins, o)
				}
			}
		}
	}
	if c.BaseURL == "" {
		c.BaseURL = fmt.Sprintf("http://%s:%d", c.Host, c.Port)
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 60 * time.Second
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = 15 * time.Second
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = 4 << 20
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	return nil
}
