// Package outbound implements the Outbound Delivery Engine (§4.9): it
// sends buyer-facing replies to the originating platform API, retrying
// transient failures with bounded exponential backoff and refreshing
// credentials once on an auth failure.
package outbound

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/tandemhq/tandem/gateway-plane/internal/credential"
	"github.com/tandemhq/tandem/gateway-plane/pkg/models"
)

// Result classifies the outcome of a send, matching the §4.9 vocabulary.
type Result string

const (
	Delivered      Result = "delivered"
	RetryableError Result = "retryable_error"
	PermanentError Result = "permanent_error"
)

const (
	perAttemptTimeout = 10 * time.Second
	maxAttempts       = 3
	backoffBase       = 500 * time.Millisecond
	backoffCap        = 8 * time.Second

	defaultTenantConcurrency = 16
)

// Engine delivers outbound messages through per-tenant bounded
// concurrency, backing off on 429/5xx and forcing a credential refresh
// on 401.
type Engine struct {
	credentials *credential.Registry
	client      *http.Client

	mu    sync.Mutex
	sems  map[string]chan struct{}
	limit int
}

// New builds an Engine. limit bounds in-flight sends per tenant; 0 uses
// the spec's suggested default of 16.
func New(creds *credential.Registry, limit int) *Engine {
	if limit <= 0 {
		limit = defaultTenantConcurrency
	}
	return &Engine{
		credentials: creds,
		client:      &http.Client{Timeout: perAttemptTimeout},
		sems:        make(map[string]chan struct{}),
		limit:       limit,
	}
}

func (e *Engine) semaphore(tenantID string) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	sem, ok := e.sems[tenantID]
	if !ok {
		sem = make(chan struct{}, e.limit)
		e.sems[tenantID] = sem
	}
	return sem
}

// outboundPayload is the minimal platform-agnostic send envelope; the
// two platforms differ only in field names for the recipient.
type outboundPayload struct {
	Platform models.Platform `json:"platform"`
	To       string          `json:"to"`
	Text     string          `json:"text"`
}

// SendText implements send_text(tenant_id, platform, sender_id, body).
// Backpressure is applied by blocking on the per-tenant semaphore, never
// by dropping the send.
func (e *Engine) SendText(ctx context.Context, tenantID string, platform models.Platform, senderID, body string) (Result, error) {
	sem := e.semaphore(tenantID)
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		return RetryableError, ctx.Err()
	}

	bundle, err := e.credentials.GetCredentials(ctx, tenantID, platform)
	if err != nil {
		return RetryableError, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backoffBase
	bo.MaxInterval = backoffCap
	bo.Multiplier = 2

	refreshedOnce := false
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		status, retryAfter, err := e.attempt(ctx, bundle, platform, senderID, body)
		if err == nil {
			return Delivered, nil
		}
		lastErr = err

		if status == http.StatusUnauthorized && !refreshedOnce {
			refreshedOnce = true
			e.credentials.RefreshCredentials(tenantID, platform)
			bundle, err = e.credentials.GetCredentials(ctx, tenantID, platform)
			if err != nil {
				return PermanentError, err
			}
			continue // one more attempt with refreshed credentials, doesn't consume a backoff slot
		}

		retryable := status == http.StatusTooManyRequests || status >= 500 || status == 0
		if !retryable {
			log.Warn().Str("tenant_id", tenantID).Str("sender_id", senderID).Err(lastErr).Msg("outbound send permanent failure")
			return PermanentError, lastErr
		}
		if attempt == maxAttempts-1 {
			break
		}

		wait := retryAfter
		if wait <= 0 {
			wait = bo.NextBackOff()
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return RetryableError, ctx.Err()
		}
	}

	log.Warn().Str("tenant_id", tenantID).Str("sender_id", senderID).Err(lastErr).Msg("outbound send exhausted retries")
	return RetryableError, lastErr
}

// attempt performs a single HTTP POST and returns the HTTP status (0 on
// transport error), any Retry-After duration, and a non-nil error for
// any non-2xx or transport failure.
func (e *Engine) attempt(ctx context.Context, bundle *models.CredentialBundle, platform models.Platform, senderID, body string) (int, time.Duration, error) {
	payload, err := json.Marshal(outboundPayload{Platform: platform, To: senderID, Text: body})
	if err != nil {
		return 0, 0, fmt.Errorf("marshal outbound payload: %w", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, perAttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, bundle.APIBaseURL, bytes.NewReader(payload))
	if err != nil {
		return 0, 0, fmt.Errorf("build outbound request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bundle.AccessToken)

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("outbound send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, 0, nil
	}

	var retryAfter time.Duration
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			retryAfter = time.Duration(secs) * time.Second
		}
	}
	return resp.StatusCode, retryAfter, fmt.Errorf("outbound send: HTTP %d", resp.StatusCode)
}
