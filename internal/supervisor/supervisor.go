// Package supervisor runs one identity end to end: credentials, the
// EventSub session, subscription reconciliation, message routing and
// color application, restarting the whole stack on failure without
// touching peer identities.
package supervisor

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/you/huecycle/internal/colorapply"
	"github.com/you/huecycle/internal/config"
	"github.com/you/huecycle/internal/eventsub"
	"github.com/you/huecycle/internal/helix"
	"github.com/you/huecycle/internal/idcache"
	"github.com/you/huecycle/internal/reconcile"
	"github.com/you/huecycle/internal/router"
	"github.com/you/huecycle/internal/tokens"
)

const (
	restartBackoffMin = time.Second
	restartBackoffMax = 60 * time.Second

	// maxConsecutiveRestarts stops a supervisor that never reaches a
	// healthy run. The counter resets after healthyUptime of runtime.
	maxConsecutiveRestarts = 100
	healthyUptime          = 60 * time.Second
)

// ErrRestartBudget is returned when the restart cap is exhausted.
var ErrRestartBudget = errors.New("supervisor: restart budget exhausted")

// Observer receives runtime events for metrics. Implementations must
// accept concurrent calls; a nil Observer is valid.
type Observer interface {
	SessionEstablished(username string)
	TokenRefreshed(username string)
	ColorApplied(username string)
}

// Supervisor owns the runtime of one identity.
type Supervisor struct {
	id     config.Identity
	store  *config.Store
	client *helix.Client
	cache  *idcache.Cache
	wsURL  string
	obs    Observer

	enabled atomic.Bool

	mu      sync.Mutex
	state   string
	lastErr error
}

// New builds a Supervisor for one identity snapshot. wsURL is empty in
// production (the default EventSub endpoint); obs may be nil.
func New(id config.Identity, store *config.Store, client *helix.Client, cache *idcache.Cache, wsURL string, obs Observer) *Supervisor {
	s := &Supervisor{
		id:     id,
		store:  store,
		client: client,
		cache:  cache,
		wsURL:  wsURL,
		obs:    obs,
		state:  "starting",
	}
	s.enabled.Store(id.Enabled)
	return s
}

// Username returns the identity this supervisor runs.
func (s *Supervisor) Username() string { return s.id.Username }

// Status reports the current lifecycle state and last error for
// diagnostics endpoints.
func (s *Supervisor) Status() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.lastErr
}

func (s *Supervisor) setState(state string, err error) {
	s.mu.Lock()
	s.state = state
	if err != nil {
		s.lastErr = err
	}
	s.mu.Unlock()
}

// Run starts the identity and restarts it on failure with jittered
// exponential backoff. It returns on cancellation, a terminal
// provisioning failure, or an exhausted restart budget.
func (s *Supervisor) Run(ctx context.Context) error {
	backoff := restartBackoffMin
	failures := 0

	for {
		if ctx.Err() != nil {
			s.setState("stopped", nil)
			return ctx.Err()
		}

		started := time.Now()
		err := s.runOnce(ctx)

		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			s.setState("stopped", nil)
			return ctx.Err()
		}

		if errors.Is(err, tokens.ErrTerminal) {
			log.Printf("supervisor: %s disabled: %v", s.id.Username, err)
			s.setState("disabled", err)
			return err
		}

		if time.Since(started) >= healthyUptime {
			failures = 0
			backoff = restartBackoffMin
		}
		failures++
		if failures >= maxConsecutiveRestarts {
			log.Printf("supervisor: %s stopping after %d consecutive failed starts: %v", s.id.Username, failures, err)
			s.setState("failed", err)
			return fmt.Errorf("%w: last error: %v", ErrRestartBudget, err)
		}

		wait := jitter(backoff)
		log.Printf("supervisor: %s run ended: %v; restarting in %s", s.id.Username, err, wait.Round(time.Millisecond))
		s.setState("restarting", err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setState("stopped", nil)
			return ctx.Err()
		case <-timer.C:
		}

		if backoff < restartBackoffMax {
			backoff *= 2
			if backoff > restartBackoffMax {
				backoff = restartBackoffMax
			}
		}
	}
}

// runOnce brings up one full identity stack and blocks until any part of
// it fails or ctx is cancelled.
func (s *Supervisor) runOnce(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The reconciler does not exist yet when the token hooks are built;
	// bind it through a holder the hooks read at call time.
	var recHolder atomic.Pointer[reconcile.Reconciler]
	kickReconciler := func() {
		if rec := recHolder.Load(); rec != nil {
			rec.Kick()
		}
	}

	lc := tokens.New(s.client, s.store, s.id, tokens.Hooks{
		OnCredentialsChanged: func(string) {
			if s.obs != nil {
				s.obs.TokenRefreshed(s.id.Username)
			}
			kickReconciler()
		},
	})

	s.setState("provisioning", nil)
	if err := lc.Ensure(runCtx); err != nil {
		return fmt.Errorf("ensure tokens: %w", err)
	}

	userID, err := s.resolveSelf(runCtx, lc)
	if err != nil {
		return fmt.Errorf("resolve user id: %w", err)
	}

	engine := colorapply.New(s.client, s.store, s.id,
		lc.Access,
		func() string { return userID },
		lc.SignalInvalid)
	if s.obs != nil {
		engine.OnApplied = func(string) { s.obs.ColorApplied(s.id.Username) }
	}

	// Seed the exclusion so the very first change differs from whatever
	// color is live right now.
	if current, err := s.client.GetColor(runCtx, lc.Access(), userID); err == nil && current != "" {
		engine.SetLastColor(current)
	}

	rt := router.New(s.id.Username, s.enabled.Load, router.Sink{
		SetEnabled: s.setEnabled,
		ApplyColor: engine.ApplyExplicit,
		Trigger:    engine.Trigger,
	})

	session := eventsub.New(s.id.Username, s.wsURL, eventsub.Handlers{
		OnWelcome: func(string) {
			if s.obs != nil {
				s.obs.SessionEstablished(s.id.Username)
			}
			kickReconciler()
		},
		OnNotification: rt.HandleNotification,
		OnRevocation:   func(string, string) { kickReconciler() },
	})

	rec := reconcile.New(s.client, s.cache, reconcile.Config{
		Username:  s.id.Username,
		Access:    lc.Access,
		UserID:    func() string { return userID },
		SessionID: session.SessionID,
		Channels:  func() []string { return s.id.Channels },
		OnMissingScopes: func(err error) {
			log.Printf("supervisor: %s token lacks subscription scopes: %v", s.id.Username, err)
			lc.SignalInvalid()
		},
		OnTokenInvalid: lc.SignalInvalid,
	})
	recHolder.Store(rec)

	s.setState("running", nil)
	log.Printf("supervisor: %s running (%d channels)", s.id.Username, len(s.id.Channels))

	// One goroutine per role; the first failure tears the rest down.
	errc := make(chan error, 4)
	var wg sync.WaitGroup
	for _, run := range []func(context.Context) error{
		lc.Run, session.Run, rec.Run, engine.Run,
	} {
		wg.Add(1)
		go func(run func(context.Context) error) {
			defer wg.Done()
			errc <- run(runCtx)
		}(run)
	}

	err = <-errc
	cancel()
	wg.Wait()
	return err
}

// resolveSelf returns the identity's numeric user id, preferring the
// validate response, then the persisted value, then a Helix lookup.
func (s *Supervisor) resolveSelf(ctx context.Context, lc *tokens.Lifecycle) (string, error) {
	if id := lc.UserID(); id != "" {
		s.persistUserID(id)
		return id, nil
	}
	if s.id.UserID != "" {
		return s.id.UserID, nil
	}

	resolved, err := s.client.ResolveUsers(ctx, lc.Access(), []string{s.id.Username})
	if err != nil {
		return "", err
	}
	id, ok := resolved[strings.ToLower(s.id.Username)]
	if !ok {
		return "", fmt.Errorf("login %q does not resolve", s.id.Username)
	}
	s.persistUserID(id)
	return id, nil
}

func (s *Supervisor) persistUserID(id string) {
	if s.id.UserID == id {
		return
	}
	s.id.UserID = id
	s.store.QueueUpdate(s.id.Username, func(u *config.Identity) {
		u.UserID = id
	})
}

// setEnabled flips the auto-change toggle from a runtime command and
// persists it. The change is self-originated; the fleet must not restart
// this supervisor for it.
func (s *Supervisor) setEnabled(enabled bool) {
	s.enabled.Store(enabled)
	if err := s.store.UpdateUser(s.id.Username, func(u *config.Identity) {
		u.Enabled = enabled
	}); err != nil {
		log.Printf("supervisor: %s persist enabled=%v: %v", s.id.Username, enabled, err)
	}
}

func jitter(d time.Duration) time.Duration {
	span := int64(d) * 2 / 5
	if span <= 0 {
		return d
	}
	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return d
	}
	return d - time.Duration(int64(d)/5) + time.Duration(n.Int64())
}
