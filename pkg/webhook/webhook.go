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

// Package webhook posts signed lifecycle events to an org-configured
// endpoint. Delivery is fire-and-forget behind a circuit breaker: a dead
// endpoint must never slow down or fail the operation that produced the
// event.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/memoros-io/memoros/pkg/config"
	"github.com/memoros-io/memoros/pkg/logger"
	"github.com/memoros-io/memoros/pkg/store"
	"github.com/memoros-io/memoros/pkg/tenant"
)

// Signature and event headers on every delivery.
const (
	HeaderSignature = "X-Memoros-Signature"
	HeaderEvent     = "X-Memoros-Event"
)

// settingWebhookURL is the organization settings key holding the
// endpoint. An org without it receives no deliveries.
const settingWebhookURL = "webhook_url"

// Envelope is the delivery payload.
type Envelope struct {
	Event          string         `json:"event"`
	OrganizationID string         `json:"organization_id"`
	OccurredAt     time.Time      `json:"occurred_at"`
	Data           map[string]any `json:"data,omitempty"`
}

// Dispatcher resolves each org's endpoint and delivers events.
type Dispatcher struct {
	db     *store.DB
	client *http.Client
	secret string
	cb     *gobreaker.CircuitBreaker
	now    func() time.Time
	// async toggles goroutine delivery; tests run synchronously.
	async bool
}

// New builds a dispatcher. The configured signing secret signs every
// payload; an empty secret skips the signature header.
func New(db *store.DB, cfg config.WebhookConfig) *Dispatcher {
	maxFailures := cfg.BreakerMaxFailures
	if maxFailures <= 0 {
		maxFailures = 5
	}
	openInterval := cfg.BreakerOpenInterval
	if openInterval <= 0 {
		openInterval = 60 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "webhook",
		Timeout: openInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(maxFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.GetLogger().Warn("webhook breaker state change",
				"from", from.String(), "to", to.String())
		},
	})
	return &Dispatcher{
		db:     db,
		client: &http.Client{Timeout: timeout},
		secret: cfg.SigningSecret,
		cb:     cb,
		now:    time.Now,
		async:  true,
	}
}

// Emit delivers one event to the org's endpoint, if configured. It
// returns immediately; delivery failures are logged and dropped.
func (d *Dispatcher) Emit(ctx context.Context, tc *tenant.Context, event string, payload map[string]any) {
	env := &Envelope{
		Event:          event,
		OrganizationID: tc.OrganizationID,
		OccurredAt:     d.now().UTC(),
		Data:           payload,
	}
	if d.async {
		go d.deliver(env)
		return
	}
	d.deliver(env)
}

func (d *Dispatcher) deliver(env *Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	log := logger.GetLogger().With("event", env.Event, "org_id", env.OrganizationID)

	url, err := d.endpointFor(ctx, env.OrganizationID)
	if err != nil {
		log.Warn("webhook endpoint lookup failed", "error", err)
		return
	}
	if url == "" {
		return
	}
	if _, err := d.cb.Execute(func() (any, error) {
		return nil, d.post(ctx, url, env)
	}); err != nil {
		log.Warn("webhook delivery dropped", "error", err)
	}
}

// endpointFor reads the org's webhook URL from its settings document.
func (d *Dispatcher) endpointFor(ctx context.Context, orgID string) (string, error) {
	var url string
	err := d.db.WithTx(ctx, func(tx *sql.Tx) error {
		org, err := d.db.Orgs.GetOrganization(ctx, tx, orgID)
		if err != nil {
			return err
		}
		if v, ok := org.Settings[settingWebhookURL].(string); ok {
			url = v
		}
		return nil
	})
	return url, err
}

func (d *Dispatcher) post(ctx context.Context, url string, env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, env.Event)
	if d.secret != "" {
		req.Header.Set(HeaderSignature, Sign(d.secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 delivery signature.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature against the body, for endpoint
// implementors.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}
