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

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewFromClient(rdb), mr
}

func TestJSONRoundTrip(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	type payload struct {
		Perms []string `json:"perms"`
	}
	c.SetJSON(ctx, PermissionKey("org1", "u1"), payload{Perms: []string{"memory:read"}}, time.Minute)

	var got payload
	require.True(t, c.GetJSON(ctx, PermissionKey("org1", "u1"), &got))
	assert.Equal(t, []string{"memory:read"}, got.Perms)

	assert.False(t, c.GetJSON(ctx, PermissionKey("org1", "u2"), &got))
}

func TestTTLExpiry(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	c.SetJSON(ctx, "k", map[string]int{"a": 1}, 5*time.Second)
	mr.FastForward(6 * time.Second)

	var got map[string]int
	assert.False(t, c.GetJSON(ctx, "k", &got))
}

func TestCorruptEntryDropped(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("bad", "{not json"))
	var got map[string]int
	assert.False(t, c.GetJSON(ctx, "bad", &got))
	assert.False(t, mr.Exists("bad"))
}

func TestDeletePattern(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	c.SetJSON(ctx, PermissionKey("org1", "u1"), 1, time.Minute)
	c.SetJSON(ctx, PermissionKey("org1", "u2"), 1, time.Minute)
	c.SetJSON(ctx, PermissionKey("org2", "u1"), 1, time.Minute)

	c.DeletePattern(ctx, PermissionOrgPattern("org1"))

	assert.False(t, mr.Exists(PermissionKey("org1", "u1")))
	assert.False(t, mr.Exists(PermissionKey("org1", "u2")))
	assert.True(t, mr.Exists(PermissionKey("org2", "u1")))
}

func TestIdempotencyLock(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.True(t, c.AcquireLock(ctx, "run:abc"))
	assert.False(t, c.AcquireLock(ctx, "run:abc"))

	c.ReleaseLock(ctx, "run:abc")
	assert.True(t, c.AcquireLock(ctx, "run:abc"))
}

func TestNilClientIsNoop(t *testing.T) {
	var c *Client
	ctx := context.Background()

	var got map[string]int
	assert.False(t, c.GetJSON(ctx, "k", &got))
	c.SetJSON(ctx, "k", 1, time.Minute)
	c.Delete(ctx, "k")
	assert.True(t, c.AcquireLock(ctx, "k"))
	assert.NoError(t, c.Close())
}
