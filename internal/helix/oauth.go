package helix

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Validation is the decoded response of GET /oauth2/validate.
type Validation struct {
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// HasScopes reports whether the granted set covers every required scope.
func (v *Validation) HasScopes(required []string) bool {
	granted := make(map[string]struct{}, len(v.Scopes))
	for _, s := range v.Scopes {
		granted[strings.ToLower(s)] = struct{}{}
	}
	for _, s := range required {
		if _, ok := granted[strings.ToLower(s)]; !ok {
			return false
		}
	}
	return true
}

// TokenPair is a fresh access/refresh pair from the token endpoint.
type TokenPair struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresIn    int      `json:"expires_in"`
	Scope        []string `json:"scope"`
}

// Expiry converts ExpiresIn to an absolute UTC instant. An expires_in of
// zero means the token is already dead and yields a past instant.
func (t *TokenPair) Expiry(now time.Time) time.Time {
	return now.UTC().Add(time.Duration(t.ExpiresIn) * time.Second)
}

// Validate checks an access token. The call authenticates with the token
// alone; Client-Id is not required by the endpoint.
func (c *Client) Validate(ctx context.Context, access string) (*Validation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, validateEndpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "OAuth "+access)

	status, body, header, err := c.do(ctx, "validate", req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, statusError("validate", status, body, header)
	}

	var v Validation
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, &APIError{Kind: KindTransient, Op: "validate", Status: status}
	}
	return &v, nil
}

// Refresh exchanges a refresh token for a new pair. A 400 or 401 is
// surfaced as KindRefreshFailed; the caller decides whether to provision.
func (c *Client) Refresh(ctx context.Context, clientSecret, refreshToken string) (*TokenPair, error) {
	form := url.Values{}
	form.Set("client_id", c.ClientID)
	form.Set("client_secret", clientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := formRequest(ctx, tokenEndpoint, form.Encode())
	if err != nil {
		return nil, err
	}

	status, body, header, err := c.do(ctx, "refresh", req)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusOK:
	case status == http.StatusBadRequest || status == http.StatusUnauthorized:
		return nil, &APIError{Kind: KindRefreshFailed, Op: "refresh", Status: status, Body: string(body)}
	default:
		return nil, statusError("refresh", status, body, header)
	}

	var pair TokenPair
	if err := json.Unmarshal(body, &pair); err != nil {
		return nil, &APIError{Kind: KindTransient, Op: "refresh", Status: status}
	}
	if strings.TrimSpace(pair.AccessToken) == "" {
		return nil, &APIError{Kind: KindRefreshFailed, Op: "refresh", Status: status}
	}
	// Twitch may omit the rotated refresh token; keep the old one then.
	if strings.TrimSpace(pair.RefreshToken) == "" {
		pair.RefreshToken = refreshToken
	}
	return &pair, nil
}

// DeviceAuth is the response of POST /oauth2/device starting the device
// authorization grant.
type DeviceAuth struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	Interval        int    `json:"interval"`
	ExpiresIn       int    `json:"expires_in"`
}

// DeviceStart begins the device grant for the required scopes.
func (c *Client) DeviceStart(ctx context.Context) (*DeviceAuth, error) {
	form := url.Values{}
	form.Set("client_id", c.ClientID)
	form.Set("scopes", strings.Join(RequiredScopes, " "))

	req, err := formRequest(ctx, deviceEndpoint, form.Encode())
	if err != nil {
		return nil, err
	}

	status, body, _, err := c.do(ctx, "device_start", req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		if status >= 400 && status < 500 {
			return nil, &APIError{Kind: KindDeviceStartFailed, Op: "device_start", Status: status, Body: string(body)}
		}
		return nil, &APIError{Kind: KindTransient, Op: "device_start", Status: status}
	}

	var auth DeviceAuth
	if err := json.Unmarshal(body, &auth); err != nil {
		return nil, &APIError{Kind: KindTransient, Op: "device_start", Status: status}
	}
	if auth.Interval <= 0 {
		auth.Interval = 5
	}
	return &auth, nil
}

// DevicePoll asks the token endpoint whether the user has approved the
// device code yet. Pending, slow_down, denied and expired outcomes come
// back as their own kinds.
func (c *Client) DevicePoll(ctx context.Context, deviceCode string) (*TokenPair, error) {
	form := url.Values{}
	form.Set("client_id", c.ClientID)
	form.Set("device_code", deviceCode)
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:device_code")

	req, err := formRequest(ctx, tokenEndpoint, form.Encode())
	if err != nil {
		return nil, err
	}

	status, body, header, err := c.do(ctx, "device_poll", req)
	if err != nil {
		return nil, err
	}

	if status == http.StatusOK {
		var pair TokenPair
		if err := json.Unmarshal(body, &pair); err != nil {
			return nil, &APIError{Kind: KindTransient, Op: "device_poll", Status: status}
		}
		return &pair, nil
	}

	switch deviceErrorCode(body) {
	case "authorization_pending":
		return nil, &APIError{Kind: KindDevicePending, Op: "device_poll", Status: status}
	case "slow_down":
		return nil, &APIError{Kind: KindDeviceSlowDown, Op: "device_poll", Status: status}
	case "access_denied":
		return nil, &APIError{Kind: KindDeviceDenied, Op: "device_poll", Status: status}
	case "expired_token":
		return nil, &APIError{Kind: KindDeviceExpired, Op: "device_poll", Status: status}
	}
	return nil, statusError("device_poll", status, body, header)
}

// deviceErrorCode digs the grant error out of the body. Twitch reports it
// in "message"; the RFC field is "error"; accept either.
func deviceErrorCode(body []byte) string {
	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	for _, raw := range []string{parsed.Error, parsed.Message} {
		code := strings.ToLower(strings.TrimSpace(raw))
		code = strings.ReplaceAll(code, " ", "_")
		switch code {
		case "authorization_pending", "slow_down", "access_denied", "expired_token":
			return code
		}
	}
	return ""
}
