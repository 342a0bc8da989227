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

// AuthConfig configures token minting and verification.
type AuthConfig struct {
	// JWTSecret signs and verifies HS256 tokens. Required unless JWKSURL is
	// set, in which case verification is RS256 against the JWKS and minting
	// is disabled.
	JWTSecret string `yaml:"jwt_secret,omitempty"`

	// Issuer claim stamped on minted tokens and checked on verification.
	// Default: memoros
	Issuer string `yaml:"issuer,omitempty"`

	// AccessTTL is the access token lifetime. Default: 30m
	AccessTTL time.Duration `yaml:"access_ttl,omitempty"`

	// RefreshTTL is the refresh token lifetime. Default: 168h (7 days)
	RefreshTTL time.Duration `yaml:"refresh_ttl,omitempty"`

	// JWKSURL enables RS256 verification against a remote key set.
	JWKSURL string `yaml:"jwks_url,omitempty"`

	// OIDC configures the ID-token exchange flow. Optional.
	OIDC OIDCConfig `yaml:"oidc,omitempty"`

	// BcryptCost for password hashing. Default: 10 (bcrypt.DefaultCost)
	BcryptCost int `yaml:"bcrypt_cost,omitempty"`
}

// OIDCConfig configures exchange of external OIDC ID tokens for memoros
// sessions. The external provider's JWKS verifies the inbound token.
type OIDCConfig struct {
	Issuer   string `yaml:"issuer,omitempty"`
	Audience string `yaml:"audience,omitempty"`
	JWKSURL  string `yaml:"jwks_url,omitempty"`

	// EmailClaim is the claim carrying the user identity. Default: email
	EmailClaim string `yaml:"email_claim,omitempty"`
}

func (c *AuthConfig) SetDefaults() {
	if c.JWTSecret == "" {
		c.JWTSecret = envOr("JWT_SECRET", "")
	}
	if c.Issuer == "" {
		c.Issuer = envOr("JWT_ISSUER", "memoros")
	}
	if c.AccessTTL == 0 {
		c.AccessTTL = envOrDuration("JWT_ACCESS_TTL", 30*time.Minute)
	}
	if c.RefreshTTL == 0 {
		c.RefreshTTL = envOrDuration("JWT_REFRESH_TTL", 168*time.Hour)
	}
	if c.JWKSURL == "" {
		c.JWKSURL = envOr("JWT_JWKS_URL", "")
	}
	if c.OIDC.Issuer == "" {
		c.OIDC.Issuer = envOr("OIDC_ISSUER", "")
	}
	if c.OIDC.Audience == "" {
		c.OIDC.Audience = envOr("OIDC_AUDIENCE", "")
	}
	if c.OIDC.JWKSURL == "" {
		c.OIDC.JWKSURL = envOr("OIDC_JWKS_URL", "")
	}
	if c.OIDC.EmailClaim == "" {
		c.OIDC.EmailClaim = "email"
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = 10
	}
}

func (c *AuthConfig) Validate() error {
	if c.JWTSecret == "" && c.JWKSURL == "" {
		return fmt.Errorf("jwt_secret or jwks_url is required")
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		return fmt.Errorf("jwt_secret must be at least 32 bytes, got %d", len(c.JWTSecret))
	}
	if c.AccessTTL <= 0 {
		return fmt.Errorf("access_ttl must be positive")
	}
	if c.RefreshTTL <= c.AccessTTL {
		return fmt.Errorf("refresh_ttl must exceed access_ttl")
	}
	if c.OIDC.Issuer != "" && c.OIDC.JWKSURL == "" {
		return fmt.Errorf("oidc.jwks_url is required when oidc.issuer is set")
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return fmt.Errorf("bcrypt_cost must be between 4 and 31, got %d", c.BcryptCost)
	}
	return nil
}
