// Package tokens owns the per-identity OAuth credential lifecycle:
// validation, proactive refresh ahead of expiry, and device-flow
// provisioning when no usable credential exists.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/you/huecycle/internal/config"
	"github.com/you/huecycle/internal/helix"
)

// State is the lifecycle position for one identity's credential.
type State int

const (
	StateUnknown State = iota
	StateValid
	StateExpiring
	StateRefreshing
	StateInvalid
	StateProvisioning
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateValid:
		return "valid"
	case StateExpiring:
		return "expiring"
	case StateRefreshing:
		return "refreshing"
	case StateInvalid:
		return "invalid"
	case StateProvisioning:
		return "provisioning"
	}
	return "unknown"
}

const (
	checkInterval   = 600 * time.Second
	safetyBuffer    = time.Hour
	driftSlack      = time.Minute
	refreshAttempts = 3
	refreshBudget   = 30 * time.Second
)

// ErrTerminal marks provisioning outcomes that disable the identity.
var ErrTerminal = errors.New("tokens: terminal provisioning failure")

// Hooks are the typed listeners a supervisor registers. Credentials
// listeners fire after the new tokens are persisted and before any
// subscription work is nudged.
type Hooks struct {
	OnCredentialsChanged func(access string)
	OnProvisioningCode   func(userCode, verificationURI string)
}

// Lifecycle runs the credential state machine for one identity.
type Lifecycle struct {
	client *helix.Client
	store  *config.Store

	username     string
	clientSecret string
	hooks        Hooks

	mu      sync.Mutex // per-identity refresh mutex
	state   State
	access  string
	refresh string
	expiry  time.Time // zero means unknown
	userID  string

	invalidCh chan struct{}
	lastTick  time.Time
}

func New(client *helix.Client, store *config.Store, id config.Identity, hooks Hooks) *Lifecycle {
	l := &Lifecycle{
		client:       client,
		store:        store,
		username:     id.Username,
		clientSecret: id.ClientSecret,
		hooks:        hooks,
		access:       id.AccessToken,
		refresh:      id.RefreshToken,
		invalidCh:    make(chan struct{}, 1),
	}
	if id.TokenExpiry != nil {
		l.expiry = *id.TokenExpiry
	}
	return l
}

// Access returns the current access token.
func (l *Lifecycle) Access() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.access
}

// UserID returns the numeric user id learned from validate, if any.
func (l *Lifecycle) UserID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.userID
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// SignalInvalid wakes the background loop after an observed 401. Extra
// signals while one is pending are dropped.
func (l *Lifecycle) SignalInvalid() {
	select {
	case l.invalidCh <- struct{}{}:
	default:
	}
}

// Ensure brings the credential to Valid before the identity starts.
// Chat and color work is blocked until it returns. A wrapped ErrTerminal
// means the identity must be disabled.
func (l *Lifecycle) Ensure(ctx context.Context) error {
	l.mu.Lock()
	access := l.access
	l.mu.Unlock()

	if access == "" {
		return l.provision(ctx)
	}

	v, err := l.client.Validate(ctx, access)
	switch {
	case err == nil:
		if !v.HasScopes(helix.RequiredScopes) {
			log.Printf("tokens: %s token missing required scopes; provisioning", l.username)
			return l.provision(ctx)
		}
		l.recordValidation(v)
		if time.Until(l.expiryValue()) < safetyBuffer {
			return l.refreshOrProvision(ctx)
		}
		l.setState(StateValid)
		return nil
	case helix.IsKind(err, helix.KindTokenInvalid):
		return l.refreshOrProvision(ctx)
	default:
		return err
	}
}

// Run is the background loop: a ~600s timer plus wakeups from observed
// 401s. It returns only on cancellation or a terminal provisioning
// failure.
func (l *Lifecycle) Run(ctx context.Context) error {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	l.mu.Lock()
	l.lastTick = time.Now()
	l.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := l.tick(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if errors.Is(err, ErrTerminal) {
					return err
				}
				log.Printf("tokens: %s background check: %v", l.username, err)
			}
		case <-l.invalidCh:
			if err := l.refreshOrProvision(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if errors.Is(err, ErrTerminal) {
					return err
				}
				log.Printf("tokens: %s refresh after 401: %v", l.username, err)
			}
		}
	}
}

func (l *Lifecycle) tick(ctx context.Context) error {
	buffer := safetyBuffer

	l.mu.Lock()
	now := time.Now()
	// A long stall between ticks means the wall clock ran past our
	// schedule; widen the buffer for this check.
	if !l.lastTick.IsZero() && now.Sub(l.lastTick) > checkInterval+driftSlack {
		buffer *= 2
	}
	l.lastTick = now
	expiry := l.expiry
	access := l.access
	l.mu.Unlock()

	if expiry.IsZero() {
		v, err := l.client.Validate(ctx, access)
		switch {
		case err == nil:
			l.recordValidation(v)
			l.mu.Lock()
			expiry = l.expiry
			l.mu.Unlock()
		case helix.IsKind(err, helix.KindTokenInvalid):
			return l.refreshOrProvision(ctx)
		default:
			return err
		}
	}

	if time.Until(expiry) < buffer {
		l.setState(StateExpiring)
		return l.refreshOrProvision(ctx)
	}
	l.setState(StateValid)
	return nil
}

// refreshOrProvision refreshes with bounded retries, dropping to the
// device flow when the refresh grant itself is rejected.
func (l *Lifecycle) refreshOrProvision(ctx context.Context) error {
	err := l.refreshNow(ctx)
	if err == nil {
		return nil
	}
	if helix.IsKind(err, helix.KindRefreshFailed) {
		log.Printf("tokens: %s refresh rejected; starting device flow", l.username)
		return l.provision(ctx)
	}
	return err
}

// refreshNow holds the per-identity mutex for the whole exchange so
// concurrent 401 signals cannot stampede the token endpoint.
func (l *Lifecycle) refreshNow(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.state = StateRefreshing

	refreshCtx, cancel := context.WithTimeout(ctx, refreshBudget)
	defer cancel()

	backoff := time.Second
	var lastErr error
	for attempt := 0; attempt < refreshAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-refreshCtx.Done():
				timer.Stop()
				return refreshCtx.Err()
			case <-timer.C:
			}
			backoff *= 2
		}

		pair, err := l.client.Refresh(refreshCtx, l.clientSecret, l.refresh)
		if err != nil {
			lastErr = err
			continue
		}

		l.adoptPairLocked(pair)
		return nil
	}

	l.state = StateInvalid
	return lastErr
}

// adoptPairLocked stores, persists and announces a fresh token pair.
// Caller holds l.mu.
func (l *Lifecycle) adoptPairLocked(pair *helix.TokenPair) {
	l.access = pair.AccessToken
	l.refresh = pair.RefreshToken
	l.expiry = pair.Expiry(time.Now())
	l.state = StateValid

	expiry := l.expiry
	access := l.access
	refresh := l.refresh

	if err := l.store.UpdateUser(l.username, func(id *config.Identity) {
		id.AccessToken = access
		id.RefreshToken = refresh
		id.TokenExpiry = &expiry
	}); err != nil {
		log.Printf("tokens: %s persist refreshed tokens: %v", l.username, err)
	}

	log.Printf("tokens: %s refreshed token; expires at %s", l.username, expiry.Format(time.RFC3339))

	if l.hooks.OnCredentialsChanged != nil {
		l.hooks.OnCredentialsChanged(access)
	}
}

// provision runs the OAuth device authorization grant. The user approves
// the presented code in a browser while we poll the token endpoint.
func (l *Lifecycle) provision(ctx context.Context) error {
	l.setState(StateProvisioning)

	auth, err := l.client.DeviceStart(ctx)
	if err != nil {
		if helix.IsKind(err, helix.KindDeviceStartFailed) {
			return fmt.Errorf("%w: device flow rejected: %v", ErrTerminal, err)
		}
		return err
	}

	log.Printf("tokens: %s needs authorization: visit %s and enter code %s",
		l.username, auth.VerificationURI, auth.UserCode)
	if l.hooks.OnProvisioningCode != nil {
		l.hooks.OnProvisioningCode(auth.UserCode, auth.VerificationURI)
	}

	interval := time.Duration(auth.Interval) * time.Second
	deadline := time.Now().Add(time.Duration(auth.ExpiresIn) * time.Second)

	for {
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: device code expired before approval", ErrTerminal)
		}

		pair, err := l.client.DevicePoll(ctx, auth.DeviceCode)
		switch {
		case err == nil:
			return l.finishProvisioning(ctx, pair)
		case helix.IsKind(err, helix.KindDevicePending):
			continue
		case helix.IsKind(err, helix.KindDeviceSlowDown):
			interval += 5 * time.Second
			continue
		case helix.IsKind(err, helix.KindDeviceDenied):
			return fmt.Errorf("%w: user denied the device code", ErrTerminal)
		case helix.IsKind(err, helix.KindDeviceExpired):
			return fmt.Errorf("%w: device code expired", ErrTerminal)
		case helix.Retryable(err):
			continue
		default:
			return err
		}
	}
}

// finishProvisioning validates the fresh tokens so the identity binding
// and scopes are confirmed before they are adopted.
func (l *Lifecycle) finishProvisioning(ctx context.Context, pair *helix.TokenPair) error {
	v, err := l.client.Validate(ctx, pair.AccessToken)
	if err != nil {
		return err
	}
	if !v.HasScopes(helix.RequiredScopes) {
		return fmt.Errorf("%w: granted scopes %v do not cover %v", ErrTerminal, v.Scopes, helix.RequiredScopes)
	}
	if v.Login != "" && v.Login != l.username {
		return fmt.Errorf("%w: authorized as %q but config expects %q", ErrTerminal, v.Login, l.username)
	}

	l.mu.Lock()
	l.userID = v.UserID
	l.adoptPairLocked(pair)
	l.mu.Unlock()

	log.Printf("tokens: %s provisioned via device flow", l.username)
	return nil
}

func (l *Lifecycle) recordValidation(v *helix.Validation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.userID = v.UserID
	l.expiry = time.Now().UTC().Add(time.Duration(v.ExpiresIn) * time.Second)
}

func (l *Lifecycle) expiryValue() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expiry
}

func (l *Lifecycle) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}
