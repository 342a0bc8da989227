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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoros-io/memoros/pkg/config"
)

func testAuthConfig() config.AuthConfig {
	cfg := config.AuthConfig{
		JWTSecret: "0123456789abcdef0123456789abcdef",
	}
	cfg.SetDefaults()
	return cfg
}

func TestMintAndVerify(t *testing.T) {
	tokens, err := NewTokens(context.Background(), testAuthConfig())
	require.NoError(t, err)

	pair, err := tokens.Mint("user-1", "org-1", []string{"org_admin", "analyst"}, 3)
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, "bearer", pair.TokenType)

	claims, err := tokens.Verify(context.Background(), pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "org-1", claims.OrganizationID)
	assert.Equal(t, []string{"org_admin", "analyst"}, claims.Roles)
	assert.Equal(t, 3, claims.ClearanceLevel)
	assert.Equal(t, TokenTypeAccess, claims.TokenType)
	assert.NotEmpty(t, claims.JTI)

	refresh, err := tokens.Verify(context.Background(), pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, TokenTypeRefresh, refresh.TokenType)
	assert.True(t, refresh.ExpiresAt.After(claims.ExpiresAt),
		"refresh token outlives access token")
}

func TestVerifyRejectsGarbage(t *testing.T) {
	tokens, err := NewTokens(context.Background(), testAuthConfig())
	require.NoError(t, err)

	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"not a jwt", "hello"},
		{"tampered", "eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiJ4In0.bogus"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tokens.Verify(context.Background(), tt.raw)
			assert.Error(t, err)
		})
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	tokens, err := NewTokens(context.Background(), testAuthConfig())
	require.NoError(t, err)
	pair, err := tokens.Mint("user-1", "org-1", nil, 0)
	require.NoError(t, err)

	otherCfg := testAuthConfig()
	otherCfg.JWTSecret = "ffffffffffffffffffffffffffffffff"
	other, err := NewTokens(context.Background(), otherCfg)
	require.NoError(t, err)

	_, err = other.Verify(context.Background(), pair.AccessToken)
	assert.Error(t, err)
}

func TestVerifyRejectsExpired(t *testing.T) {
	tokens, err := NewTokens(context.Background(), testAuthConfig())
	require.NoError(t, err)
	tokens.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	pair, err := tokens.Mint("user-1", "org-1", nil, 0)
	require.NoError(t, err)

	_, err = tokens.Verify(context.Background(), pair.AccessToken)
	assert.Error(t, err, "token minted two hours in the past is expired")
}
