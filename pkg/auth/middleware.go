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
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/memoros-io/memoros/pkg/apierror"
	"github.com/memoros-io/memoros/pkg/tenant"
)

type contextKey string

const claimsContextKey contextKey = "memoros_claims"

// Middleware authenticates bearer tokens and installs both the raw claims
// and a tenant context on the request. Refresh tokens are rejected here;
// only /auth/refresh accepts them.
func Middleware(tokens *Tokens, svc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := bearerToken(r)
			if err != nil {
				apierror.WriteError(w, r, err)
				return
			}
			claims, err := tokens.Verify(r.Context(), raw)
			if err != nil {
				apierror.WriteError(w, r, err)
				return
			}
			if claims.TokenType != TokenTypeAccess {
				apierror.WriteError(w, r,
					fmt.Errorf("access token required: %w", apierror.ErrUnauthorized))
				return
			}
			if svc != nil && svc.IsDenied(r.Context(), claims.JTI) {
				apierror.WriteError(w, r,
					fmt.Errorf("token revoked: %w", apierror.ErrUnauthorized))
				return
			}

			traceID := r.Header.Get("X-Request-Id")
			if traceID == "" {
				traceID = uuid.NewString()
			}
			tc := &tenant.Context{
				UserID:         claims.UserID,
				OrganizationID: claims.OrganizationID,
				Roles:          claims.Roles,
				ClearanceLevel: claims.ClearanceLevel,
				TraceID:        traceID,
				Justification:  r.Header.Get("X-Justification"),
			}

			ctx := context.WithValue(r.Context(), claimsContextKey, claims)
			ctx = tenant.WithContext(ctx, tc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetClaims returns the verified claims on an authenticated request, or
// nil outside the middleware.
func GetClaims(r *http.Request) *Claims {
	if c, ok := r.Context().Value(claimsContextKey).(*Claims); ok {
		return c
	}
	return nil
}

// RequireRole gates a route on one of the named roles. It assumes
// Middleware already ran.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tc := tenant.FromContext(r.Context())
			if tc == nil {
				apierror.WriteError(w, r, apierror.ErrUnauthorized)
				return
			}
			for _, role := range roles {
				if tc.HasRole(role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			apierror.WriteError(w, r,
				fmt.Errorf("requires one of roles %v: %w", roles, apierror.ErrForbidden))
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("missing authorization header: %w", apierror.ErrUnauthorized)
	}
	raw := strings.TrimPrefix(header, "Bearer ")
	if raw == header {
		return "", fmt.Errorf("authorization must be Bearer: %w", apierror.ErrUnauthorized)
	}
	return raw, nil
}
