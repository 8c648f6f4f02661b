package helix

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an API failure so callers can route it to the component
// that owns the retry decision instead of inspecting status codes.
type Kind int

const (
	// KindTransient covers connect/reset/timeout and 5xx responses.
	KindTransient Kind = iota
	// KindTokenInvalid is any 401. Never retried here; the token
	// lifecycle owns the next step.
	KindTokenInvalid
	// KindRefreshFailed is a 400/401 from the token refresh grant.
	KindRefreshFailed
	// KindMissingScopes is a 403 subscription create with a scope diff.
	KindMissingScopes
	// KindHexUnavailable is a put_color rejection of a hex value for a
	// non Prime/Turbo account.
	KindHexUnavailable
	// KindRateLimited is a 429; RetryAfter carries the server hint.
	KindRateLimited
	// KindDevicePending means the user has not approved the code yet.
	KindDevicePending
	// KindDeviceSlowDown asks the poller to widen its interval.
	KindDeviceSlowDown
	// KindDeviceDenied is terminal: the user rejected the code.
	KindDeviceDenied
	// KindDeviceExpired is terminal: the code lapsed before approval.
	KindDeviceExpired
	// KindDeviceStartFailed is a 4xx starting the device grant.
	KindDeviceStartFailed
	// KindClient is any other non-retryable 4xx.
	KindClient
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindTokenInvalid:
		return "token_invalid"
	case KindRefreshFailed:
		return "refresh_failed"
	case KindMissingScopes:
		return "missing_scopes"
	case KindHexUnavailable:
		return "hex_unavailable"
	case KindRateLimited:
		return "rate_limited"
	case KindDevicePending:
		return "device_pending"
	case KindDeviceSlowDown:
		return "device_slow_down"
	case KindDeviceDenied:
		return "device_denied"
	case KindDeviceExpired:
		return "device_expired"
	case KindDeviceStartFailed:
		return "device_start_failed"
	case KindClient:
		return "client"
	}
	return "unknown"
}

// APIError is the outcome discriminator for every helix operation. Err
// carries the underlying transport error, if any, so connect/reset/timeout
// diagnostics survive the classification.
type APIError struct {
	Kind       Kind
	Op         string
	Status     int
	RetryAfter time.Duration
	Body       string
	Err        error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("helix: %s: %s", e.Op, e.Kind)
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *APIError) Unwrap() error { return e.Err }

// IsKind reports whether err is an APIError of the given kind.
func IsKind(err error, kind Kind) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind == kind
	}
	return false
}

// Retryable reports whether the error may succeed on a plain retry.
func Retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind == KindTransient
	}
	return false
}
