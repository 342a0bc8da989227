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

// Package auth mints and verifies the bearer tokens the API accepts and
// runs the session flows behind /auth: password login, refresh rotation,
// OIDC id-token exchange, organization switching and logout. Key
// management beyond the shared secret / JWKS URL is an external concern.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/memoros-io/memoros/pkg/apierror"
	"github.com/memoros-io/memoros/pkg/config"
)

// Token types carried in the typ claim. Refresh tokens are accepted only
// by /auth/refresh; data endpoints reject them.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Claims is the decoded identity a verified token carries.
type Claims struct {
	UserID         string   `json:"sub"`
	OrganizationID string   `json:"org"`
	Roles          []string `json:"roles"`
	ClearanceLevel int      `json:"clearance"`
	TokenType      string   `json:"typ"`
	JTI            string   `json:"jti"`
	ExpiresAt      time.Time
}

// TokenPair is what the login flows return.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Tokens signs and verifies memoros tokens. HS256 with the configured
// secret by default; when a JWKS URL is configured, verification goes
// through the remote key set instead and minting is disabled.
type Tokens struct {
	cfg       config.AuthConfig
	jwksCache *jwk.Cache
	now       func() time.Time
}

// NewTokens builds the token service. ctx bounds the JWKS cache refresh
// loop when a JWKS URL is configured.
func NewTokens(ctx context.Context, cfg config.AuthConfig) (*Tokens, error) {
	t := &Tokens{cfg: cfg, now: time.Now}
	if cfg.JWKSURL != "" {
		cache := jwk.NewCache(ctx)
		if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
			return nil, fmt.Errorf("failed to register jwks url: %w", err)
		}
		// Fail at startup rather than on the first request.
		if _, err := cache.Refresh(ctx, cfg.JWKSURL); err != nil {
			return nil, fmt.Errorf("failed to fetch jwks: %w", err)
		}
		t.jwksCache = cache
	}
	return t, nil
}

// Mint signs an access/refresh pair for the given identity.
func (t *Tokens) Mint(userID, orgID string, roles []string, clearance int) (*TokenPair, error) {
	if t.cfg.JWTSecret == "" {
		return nil, fmt.Errorf("token minting requires jwt_secret")
	}
	now := t.now()
	accessExp := now.Add(t.cfg.AccessTTL)

	access, err := t.sign(userID, orgID, roles, clearance, TokenTypeAccess, now, accessExp)
	if err != nil {
		return nil, err
	}
	refresh, err := t.sign(userID, orgID, roles, clearance, TokenTypeRefresh, now, now.Add(t.cfg.RefreshTTL))
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresAt:    accessExp,
	}, nil
}

func (t *Tokens) sign(userID, orgID string, roles []string, clearance int, typ string, now, exp time.Time) (string, error) {
	tok, err := jwt.NewBuilder().
		Issuer(t.cfg.Issuer).
		Subject(userID).
		IssuedAt(now).
		Expiration(exp).
		JwtID(uuid.NewString()).
		Claim("org", orgID).
		Claim("roles", roles).
		Claim("clearance", clearance).
		Claim("typ", typ).
		Build()
	if err != nil {
		return "", fmt.Errorf("failed to build token: %w", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte(t.cfg.JWTSecret)))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return string(signed), nil
}

// Verify parses and validates a token and extracts its claims. Any parse,
// signature or expiry failure maps to ErrUnauthorized.
func (t *Tokens) Verify(ctx context.Context, raw string) (*Claims, error) {
	opts := []jwt.ParseOption{
		jwt.WithValidate(true),
		jwt.WithIssuer(t.cfg.Issuer),
	}
	if t.jwksCache != nil {
		set, err := t.jwksCache.Get(ctx, t.cfg.JWKSURL)
		if err != nil {
			return nil, fmt.Errorf("failed to load jwks: %w", apierror.ErrUnavailable)
		}
		opts = append(opts, jwt.WithKeySet(set))
	} else {
		opts = append(opts, jwt.WithKey(jwa.HS256, []byte(t.cfg.JWTSecret)))
	}

	tok, err := jwt.Parse([]byte(raw), opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", apierror.ErrUnauthorized)
	}
	return claimsFrom(tok)
}

func claimsFrom(tok jwt.Token) (*Claims, error) {
	c := &Claims{
		UserID:    tok.Subject(),
		JTI:       tok.JwtID(),
		ExpiresAt: tok.Expiration(),
	}
	priv := tok.PrivateClaims()
	if org, ok := priv["org"].(string); ok {
		c.OrganizationID = org
	}
	if typ, ok := priv["typ"].(string); ok {
		c.TokenType = typ
	}
	if clearance, ok := priv["clearance"].(float64); ok {
		c.ClearanceLevel = int(clearance)
	}
	if roles, ok := priv["roles"].([]any); ok {
		for _, r := range roles {
			if s, ok := r.(string); ok {
				c.Roles = append(c.Roles, s)
			}
		}
	}
	if c.UserID == "" || c.OrganizationID == "" {
		return nil, fmt.Errorf("token missing identity claims: %w", apierror.ErrUnauthorized)
	}
	return c, nil
}

// oidcVerifier validates an external provider's ID token against its JWKS
// for the exchange flow.
type oidcVerifier struct {
	cfg   config.OIDCConfig
	cache *jwk.Cache
}

func newOIDCVerifier(ctx context.Context, cfg config.OIDCConfig) (*oidcVerifier, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register oidc jwks url: %w", err)
	}
	return &oidcVerifier{cfg: cfg, cache: cache}, nil
}

// verify returns the identity claim (email) of a valid external ID token.
func (v *oidcVerifier) verify(ctx context.Context, raw string) (string, error) {
	set, err := v.cache.Get(ctx, v.cfg.JWKSURL)
	if err != nil {
		return "", fmt.Errorf("failed to load oidc jwks: %w", apierror.ErrUnavailable)
	}
	opts := []jwt.ParseOption{
		jwt.WithKeySet(set),
		jwt.WithValidate(true),
		jwt.WithIssuer(v.cfg.Issuer),
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}
	tok, err := jwt.Parse([]byte(raw), opts...)
	if err != nil {
		return "", fmt.Errorf("invalid id token: %w", apierror.ErrUnauthorized)
	}
	email, _ := tok.PrivateClaims()[v.cfg.EmailClaim].(string)
	if email == "" {
		return "", fmt.Errorf("id token missing %s claim: %w", v.cfg.EmailClaim, apierror.ErrUnauthorized)
	}
	return email, nil
}
