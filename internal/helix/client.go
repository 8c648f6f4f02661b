package helix

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Endpoints are package variables so tests can point the client at an
// httptest server.
var (
	validateEndpoint = "https://id.twitch.tv/oauth2/validate"
	tokenEndpoint    = "https://id.twitch.tv/oauth2/token"
	deviceEndpoint   = "https://id.twitch.tv/oauth2/device"
	helixBase        = "https://api.twitch.tv/helix"
)

// RequiredScopes must all be present on a user token for an identity to
// run. Validate reports the granted set.
var RequiredScopes = []string{"user:read:chat", "user:manage:chat_color"}

const requestTimeout = 10 * time.Second

// Client issues authenticated Helix and id.twitch.tv calls for one
// application client id. All identities share one pooled HTTP client; the
// pacer and rate-limit header observation are per Client.
type Client struct {
	ClientID string
	HTTP     *http.Client

	pacer *rate.Limiter

	mu         sync.Mutex
	pauseUntil time.Time
}

// NewClient builds a Client around httpClient. Pass SharedHTTPClient() in
// production; tests inject their own transport.
func NewClient(clientID string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = SharedHTTPClient()
	}
	return &Client{
		ClientID: clientID,
		HTTP:     httpClient,
		pacer:    rate.NewLimiter(rate.Limit(10), 20),
	}
}

var (
	sharedOnce   sync.Once
	sharedClient *http.Client
)

// SharedHTTPClient returns the process-wide pooled HTTP client used by all
// identities. Keep-alive with a per-host connection cap.
func SharedHTTPClient() *http.Client {
	sharedOnce.Do(func() {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.MaxIdleConns = 50
		transport.MaxIdleConnsPerHost = 10
		transport.IdleConnTimeout = 90 * time.Second
		sharedClient = &http.Client{Transport: transport}
	})
	return sharedClient
}

// do runs one request with the default timeout, pacing the call and
// honoring any rate-limit pause learned from previous responses. The body
// is read fully (bounded) so the connection can be reused.
func (c *Client) do(ctx context.Context, op string, req *http.Request) (int, []byte, http.Header, error) {
	reqCtx := ctx
	cancel := func() {}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		reqCtx, cancel = context.WithTimeout(ctx, requestTimeout)
	}
	defer cancel()

	if err := c.waitQuota(reqCtx); err != nil {
		return 0, nil, nil, &APIError{Kind: KindTransient, Op: op, Err: err}
	}

	resp, err := c.HTTP.Do(req.WithContext(reqCtx))
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, nil, ctx.Err()
		}
		return 0, nil, nil, &APIError{Kind: KindTransient, Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, nil, &APIError{Kind: KindTransient, Op: op, Status: resp.StatusCode, Err: err}
	}

	c.observeRateHeaders(resp.Header)
	return resp.StatusCode, body, resp.Header, nil
}

func (c *Client) waitQuota(ctx context.Context) error {
	c.mu.Lock()
	pause := time.Until(c.pauseUntil)
	c.mu.Unlock()
	if pause > 0 {
		timer := time.NewTimer(pause)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return c.pacer.Wait(ctx)
}

// observeRateHeaders parses Helix Ratelimit-* headers. When the bucket is
// empty, further calls wait until the advertised reset.
func (c *Client) observeRateHeaders(h http.Header) {
	remaining := strings.TrimSpace(h.Get("Ratelimit-Remaining"))
	reset := strings.TrimSpace(h.Get("Ratelimit-Reset"))
	if remaining == "" || reset == "" {
		return
	}
	rem, err := strconv.Atoi(remaining)
	if err != nil || rem > 0 {
		return
	}
	unix, err := strconv.ParseInt(reset, 10, 64)
	if err != nil {
		return
	}
	until := time.Unix(unix, 0)
	if until.Before(time.Now()) {
		return
	}
	c.mu.Lock()
	if until.After(c.pauseUntil) {
		c.pauseUntil = until
	}
	c.mu.Unlock()
}

func retryAfter(h http.Header) time.Duration {
	raw := strings.TrimSpace(h.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func (c *Client) authHeaders(req *http.Request, access string) {
	req.Header.Set("Authorization", "Bearer "+access)
	req.Header.Set("Client-Id", c.ClientID)
}

func helixURL(path string) string {
	return helixBase + path
}

// statusError converts an unexpected status into the taxonomy. op is used
// in log and error context only.
func statusError(op string, status int, body []byte, h http.Header) *APIError {
	apiErr := &APIError{Op: op, Status: status, Body: string(body)}
	switch {
	case status == http.StatusUnauthorized:
		apiErr.Kind = KindTokenInvalid
	case status == http.StatusTooManyRequests:
		apiErr.Kind = KindRateLimited
		apiErr.RetryAfter = retryAfter(h)
	case status >= 500:
		apiErr.Kind = KindTransient
	default:
		apiErr.Kind = KindClient
	}
	return apiErr
}

func formRequest(ctx context.Context, endpoint string, form string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form))
	if err != nil {
		return nil, fmt.Errorf("helix: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}
