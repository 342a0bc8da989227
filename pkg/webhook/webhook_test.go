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

package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoros-io/memoros/pkg/config"
	"github.com/memoros-io/memoros/pkg/store"
	"github.com/memoros-io/memoros/pkg/tenant"
)

func testDispatcher(t *testing.T, secret string) (*Dispatcher, sqlmock.Sqlmock) {
	t.Helper()
	handle, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { handle.Close() })

	d := New(store.NewDB(handle), config.WebhookConfig{SigningSecret: secret})
	d.async = false
	return d, mock
}

func expectOrgLookup(mock sqlmock.Sqlmock, settings map[string]any) {
	raw, _ := json.Marshal(settings)
	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery("FROM organizations WHERE id").WillReturnRows(
		sqlmock.NewRows([]string{"id", "slug", "display_name", "is_active", "settings", "created_at", "updated_at"}).
			AddRow("org1", "acme", "Acme", true, raw, now, now))
	mock.ExpectCommit()
}

func TestEmitDeliversSignedEvent(t *testing.T) {
	var (
		gotBody      []byte
		gotSignature string
		gotEvent     string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSignature = r.Header.Get(HeaderSignature)
		gotEvent = r.Header.Get(HeaderEvent)
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	d, mock := testDispatcher(t, "topsecret")
	expectOrgLookup(mock, map[string]any{"webhook_url": srv.URL})

	d.Emit(context.Background(), tenant.NewSystem("org1"), "task.succeeded",
		map[string]any{"task_id": "t1", "task_type": "agent_run"})

	var env Envelope
	require.NoError(t, json.Unmarshal(gotBody, &env))
	assert.Equal(t, "task.succeeded", env.Event)
	assert.Equal(t, "org1", env.OrganizationID)
	assert.Equal(t, "t1", env.Data["task_id"])

	assert.Equal(t, "task.succeeded", gotEvent)
	assert.True(t, Verify("topsecret", gotBody, gotSignature))
	assert.False(t, Verify("wrong", gotBody, gotSignature))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEmitSkipsOrgsWithoutEndpoint(t *testing.T) {
	d, mock := testDispatcher(t, "")
	expectOrgLookup(mock, map[string]any{})

	// No HTTP server: delivery must not be attempted at all.
	d.Emit(context.Background(), tenant.NewSystem("org1"), "policy.activated", nil)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	d, mock := testDispatcher(t, "")
	for i := 0; i < 7; i++ {
		expectOrgLookup(mock, map[string]any{"webhook_url": srv.URL})
		d.Emit(context.Background(), tenant.NewSystem("org1"), "task.failed",
			map[string]any{"attempt": fmt.Sprint(i)})
	}

	// Five consecutive failures open the circuit; later emits short-circuit.
	assert.Equal(t, 5, hits)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSignIsDeterministic(t *testing.T) {
	body := []byte(`{"event":"x"}`)
	assert.Equal(t, Sign("k", body), Sign("k", body))
	assert.NotEqual(t, Sign("k", body), Sign("k2", body))
	assert.Contains(t, Sign("k", body), "sha256=")
}
