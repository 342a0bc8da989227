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

package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/memoros-io/memoros/pkg/apierror"
	"github.com/memoros-io/memoros/pkg/cache"
	"github.com/memoros-io/memoros/pkg/config"
	"github.com/memoros-io/memoros/pkg/store"
)

// ErrInvalidCredentials covers every login failure: unknown email, wrong
// password, deactivated account. One error so callers cannot probe which
// part was wrong.
var ErrInvalidCredentials = fmt.Errorf("invalid credentials: %w", apierror.ErrUnauthorized)

// Service runs the session flows. Login paths use plain (non-tenant)
// transactions because no tenant identity exists yet; RLS on the identity
// tables permits these bootstrap reads.
type Service struct {
	db     *store.DB
	tokens *Tokens
	cache  *cache.Client
	oidc   *oidcVerifier
	cfg    config.AuthConfig
	now    func() time.Time
}

// NewService wires the auth service. The OIDC verifier is built only when
// an issuer is configured.
func NewService(ctx context.Context, db *store.DB, tokens *Tokens, c *cache.Client, cfg config.AuthConfig) (*Service, error) {
	s := &Service{db: db, tokens: tokens, cache: c, cfg: cfg, now: time.Now}
	if cfg.OIDC.Issuer != "" {
		v, err := newOIDCVerifier(ctx, cfg.OIDC)
		if err != nil {
			return nil, err
		}
		s.oidc = v
	}
	return s, nil
}

// HashPassword produces the stored credential for a password.
func (s *Service) HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashed), nil
}

// Login verifies a password and issues a token pair. orgID may be empty
// when the user belongs to exactly one organization.
func (s *Service) Login(ctx context.Context, email, password, orgID string) (*TokenPair, error) {
	var pair *TokenPair
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		user, err := s.db.Orgs.GetUserByEmail(ctx, tx, email)
		if err != nil {
			if errors.Is(err, apierror.ErrNotFound) {
				return ErrInvalidCredentials
			}
			return err
		}
		if !user.IsActive {
			return ErrInvalidCredentials
		}
		if bcrypt.CompareHashAndPassword([]byte(user.HashedCredential), []byte(password)) != nil {
			return ErrInvalidCredentials
		}
		pair, err = s.issueFor(ctx, tx, user, orgID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pair, nil
}

// OIDCExchange trades a verified external ID token for a memoros session.
// The user must already exist; provisioning is an admin operation.
func (s *Service) OIDCExchange(ctx context.Context, idToken, orgID string) (*TokenPair, error) {
	if s.oidc == nil {
		return nil, apierror.New(501, "oidc_disabled", "oidc exchange is not configured")
	}
	email, err := s.oidc.verify(ctx, idToken)
	if err != nil {
		return nil, err
	}
	var pair *TokenPair
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		user, err := s.db.Orgs.GetUserByEmail(ctx, tx, email)
		if err != nil {
			if errors.Is(err, apierror.ErrNotFound) {
				return ErrInvalidCredentials
			}
			return err
		}
		if !user.IsActive {
			return ErrInvalidCredentials
		}
		pair, err = s.issueFor(ctx, tx, user, orgID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pair, nil
}

// Refresh rotates a refresh token: the presented token is verified,
// denylisted, and a fresh pair is minted with the user's current roles so
// role changes take effect at most one access-TTL later.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.tokens.Verify(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != TokenTypeRefresh {
		return nil, fmt.Errorf("not a refresh token: %w", apierror.ErrUnauthorized)
	}
	if s.IsDenied(ctx, claims.JTI) {
		return nil, fmt.Errorf("refresh token revoked: %w", apierror.ErrUnauthorized)
	}
	s.denylist(ctx, claims.JTI, claims.ExpiresAt)

	var pair *TokenPair
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		user, err := s.db.Orgs.GetUser(ctx, tx, claims.UserID)
		if err != nil {
			return fmt.Errorf("user gone: %w", apierror.ErrUnauthorized)
		}
		if !user.IsActive {
			return ErrInvalidCredentials
		}
		pair, err = s.issueFor(ctx, tx, user, claims.OrganizationID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pair, nil
}

// SwitchOrg reissues tokens scoped to another organization the user is a
// member of.
func (s *Service) SwitchOrg(ctx context.Context, claims *Claims, targetOrgID string) (*TokenPair, error) {
	var pair *TokenPair
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		user, err := s.db.Orgs.GetUser(ctx, tx, claims.UserID)
		if err != nil {
			return fmt.Errorf("user gone: %w", apierror.ErrUnauthorized)
		}
		pair, err = s.issueFor(ctx, tx, user, targetOrgID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pair, nil
}

// Logout denylists the presented token's id until it would have expired.
func (s *Service) Logout(ctx context.Context, claims *Claims) {
	s.denylist(ctx, claims.JTI, claims.ExpiresAt)
}

// IsDenied reports whether a token id has been revoked. With the cache
// down this returns false: revocation is best-effort, expiry is the hard
// bound.
func (s *Service) IsDenied(ctx context.Context, jti string) bool {
	if jti == "" {
		return false
	}
	var marker bool
	return s.cache.GetJSON(ctx, "deny:"+jti, &marker)
}

func (s *Service) denylist(ctx context.Context, jti string, exp time.Time) {
	if jti == "" {
		return
	}
	ttl := time.Until(exp)
	if ttl <= 0 {
		return
	}
	s.cache.SetJSON(ctx, "deny:"+jti, true, ttl)
}

// issueFor resolves the org and role set for a user and mints a pair.
func (s *Service) issueFor(ctx context.Context, tx *sql.Tx, user *store.User, orgID string) (*TokenPair, error) {
	if orgID == "" {
		orgs, err := s.db.Orgs.ListMemberOrganizations(ctx, tx, user.ID)
		if err != nil {
			return nil, err
		}
		if len(orgs) != 1 {
			return nil, fmt.Errorf("organization must be specified: %w", apierror.ErrValidation)
		}
		orgID = orgs[0].ID
	} else {
		member, err := s.db.Orgs.IsMember(ctx, tx, orgID, user.ID)
		if err != nil {
			return nil, err
		}
		if !member {
			return nil, fmt.Errorf("not a member of organization: %w", apierror.ErrForbidden)
		}
	}

	roles, err := s.db.Orgs.ListUserRoles(ctx, tx, orgID, user.ID, s.now())
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, r.Name)
	}
	return s.tokens.Mint(user.ID, orgID, names, user.ClearanceLevel)
}

// Identity is the /auth/me payload.
type Identity struct {
	User          *store.User           `json:"user"`
	Organization  *store.Organization   `json:"organization"`
	Roles         []string              `json:"roles"`
	MemberOrgs    []*store.Organization `json:"member_organizations"`
}

// Me describes the authenticated principal.
func (s *Service) Me(ctx context.Context, claims *Claims) (*Identity, error) {
	var id Identity
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		user, err := s.db.Orgs.GetUser(ctx, tx, claims.UserID)
		if err != nil {
			return err
		}
		org, err := s.db.Orgs.GetOrganization(ctx, tx, claims.OrganizationID)
		if err != nil {
			return err
		}
		orgs, err := s.db.Orgs.ListMemberOrganizations(ctx, tx, claims.UserID)
		if err != nil {
			return err
		}
		id = Identity{User: user, Organization: org, Roles: claims.Roles, MemberOrgs: orgs}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &id, nil
}
