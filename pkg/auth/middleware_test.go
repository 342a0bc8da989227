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
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoros-io/memoros/pkg/tenant"
)

func TestMiddleware(t *testing.T) {
	tokens, err := NewTokens(context.Background(), testAuthConfig())
	require.NoError(t, err)
	pair, err := tokens.Mint("user-1", "org-1", []string{"analyst"}, 2)
	require.NoError(t, err)

	var gotTenant *tenant.Context
	handler := Middleware(tokens, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenant = tenant.FromContext(r.Context())
		claims := GetClaims(r)
		require.NotNil(t, claims)
		assert.Equal(t, "user-1", claims.UserID)
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
	}{
		{"valid access token", "Bearer " + pair.AccessToken, http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "Bearer nope", http.StatusUnauthorized},
		{"refresh token rejected", "Bearer " + pair.RefreshToken, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/memories", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}

	require.NotNil(t, gotTenant)
	assert.Equal(t, "org-1", gotTenant.OrganizationID)
	assert.Equal(t, 2, gotTenant.ClearanceLevel)
	assert.Equal(t, []string{"analyst"}, gotTenant.Roles)
}

func TestRequireRole(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RequireRole("org_admin", "system_admin")(ok)

	admin := &tenant.Context{UserID: "u", OrganizationID: "o", Roles: []string{"org_admin"}}
	member := &tenant.Context{UserID: "u", OrganizationID: "o", Roles: []string{"member"}}

	req := httptest.NewRequest(http.MethodGet, "/admin/roles", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req.WithContext(tenant.WithContext(req.Context(), admin)))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req.WithContext(tenant.WithContext(req.Context(), member)))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
