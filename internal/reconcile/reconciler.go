// Package reconcile keeps the EventSub subscription set of one identity
// in line with its configured channel list: create what is missing,
// delete what no longer belongs.
package reconcile

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/you/huecycle/internal/helix"
	"github.com/you/huecycle/internal/idcache"
)

const (
	auditEvery      = 600 * time.Second
	auditJitterSpan = 120 * time.Second

	// A session event (welcome, fresh credentials) triggers an immediate
	// audit plus a verification pass shortly after, so a half-applied
	// subscription set does not linger for a full period.
	fastAuditMin = 60 * time.Second
	fastAuditMax = 120 * time.Second
)

// API is the slice of the Helix client the reconciler needs. Tests
// substitute a fake.
type API interface {
	CreateSubscription(ctx context.Context, access, sessionID, broadcasterID, userID string) (string, error)
	ListSubscriptions(ctx context.Context, access, userID string) ([]helix.Subscription, error)
	DeleteSubscription(ctx context.Context, access, id string) error
	ResolveUsers(ctx context.Context, access string, logins []string) (map[string]string, error)
}

// Config wires one identity into the reconciler. The funcs read live
// state owned elsewhere; they must be safe for concurrent use.
type Config struct {
	Username  string
	Access    func() string
	UserID    func() string
	SessionID func() string
	Channels  func() []string

	// OnMissingScopes fires when subscription creation is refused for
	// missing scopes. The identity cannot work until re-provisioned.
	OnMissingScopes func(err error)

	// OnTokenInvalid fires on a 401 so the token lifecycle can refresh.
	OnTokenInvalid func()
}

// Reconciler audits one identity's subscriptions on a jittered cadence.
type Reconciler struct {
	api   API
	cache *idcache.Cache
	cfg   Config

	kick chan struct{}

	tokenStrikes int
}

func New(api API, cache *idcache.Cache, cfg Config) *Reconciler {
	return &Reconciler{api: api, cache: cache, cfg: cfg, kick: make(chan struct{}, 1)}
}

// Kick requests an immediate audit. Extra kicks while one is pending are
// dropped.
func (r *Reconciler) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run audits until cancellation. Kicked audits are followed by a fast
// verification pass; otherwise the normal jittered period applies.
func (r *Reconciler) Run(ctx context.Context) error {
	next := randDur(auditEvery-auditJitterSpan, auditEvery+auditJitterSpan)
	for {
		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-r.kick:
			timer.Stop()
			r.auditLogged(ctx)
			next = randDur(fastAuditMin, fastAuditMax)
		case <-timer.C:
			r.auditLogged(ctx)
			next = randDur(auditEvery-auditJitterSpan, auditEvery+auditJitterSpan)
		}
	}
}

func (r *Reconciler) auditLogged(ctx context.Context) {
	if err := r.Audit(ctx); err != nil && ctx.Err() == nil {
		log.Printf("reconcile: %s audit: %v", r.cfg.Username, err)
	}
}

// Audit makes the live subscription set match the configured channels.
func (r *Reconciler) Audit(ctx context.Context) error {
	access := r.cfg.Access()
	userID := r.cfg.UserID()
	sessionID := r.cfg.SessionID()
	if access == "" || userID == "" || sessionID == "" {
		return errors.New("session not ready")
	}

	expected, err := r.broadcasterIDs(ctx, access)
	if err != nil {
		return r.noteFailure(err)
	}

	subs, err := r.api.ListSubscriptions(ctx, access, userID)
	if err != nil {
		return r.noteFailure(err)
	}

	// Index the chat subscriptions this identity owns.
	have := make(map[string]helix.Subscription)
	for _, sub := range subs {
		if sub.Type != helix.ChatMessageType || sub.Condition.UserID != userID {
			continue
		}
		have[sub.Condition.BroadcasterUserID] = sub
	}

	var created, deleted int
	for broadcasterID, login := range expected {
		if _, ok := have[broadcasterID]; ok {
			continue
		}
		if _, err := r.api.CreateSubscription(ctx, access, sessionID, broadcasterID, userID); err != nil {
			if helix.IsKind(err, helix.KindMissingScopes) {
				if r.cfg.OnMissingScopes != nil {
					r.cfg.OnMissingScopes(err)
				}
				return r.noteFailure(err)
			}
			return r.noteFailure(fmt.Errorf("subscribe %s: %w", login, err))
		}
		created++
	}

	for broadcasterID, sub := range have {
		if _, ok := expected[broadcasterID]; ok {
			continue
		}
		if err := r.api.DeleteSubscription(ctx, access, sub.ID); err != nil {
			return r.noteFailure(fmt.Errorf("unsubscribe %s: %w", sub.ID, err))
		}
		deleted++
	}

	r.tokenStrikes = 0
	if created > 0 || deleted > 0 {
		log.Printf("reconcile: %s audit done (created %d, deleted %d, total %d)",
			r.cfg.Username, created, deleted, len(expected))
	}
	return nil
}

// broadcasterIDs maps each configured channel to its numeric id, serving
// from the cache and resolving misses in one batched call. Channels that
// do not resolve are skipped, not fatal.
func (r *Reconciler) broadcasterIDs(ctx context.Context, access string) (map[string]string, error) {
	channels := r.cfg.Channels()
	ids := make(map[string]string, len(channels))
	var misses []string
	for _, ch := range channels {
		if id, ok := r.cache.Get(ch); ok {
			ids[id] = ch
		} else {
			misses = append(misses, ch)
		}
	}

	if len(misses) > 0 {
		resolved, err := r.api.ResolveUsers(ctx, access, misses)
		if err != nil {
			return nil, err
		}
		for login, id := range resolved {
			r.cache.Put(login, id)
			ids[id] = login
		}
		for _, ch := range misses {
			if _, ok := resolved[ch]; !ok {
				log.Printf("reconcile: %s channel %q does not resolve; skipping", r.cfg.Username, ch)
			}
		}
	}
	return ids, nil
}

// noteFailure tracks repeated 401s so a credential that keeps failing is
// escalated to the token lifecycle rather than retried forever.
func (r *Reconciler) noteFailure(err error) error {
	if helix.IsKind(err, helix.KindTokenInvalid) {
		r.tokenStrikes++
		if r.cfg.OnTokenInvalid != nil {
			r.cfg.OnTokenInvalid()
		}
		if r.tokenStrikes >= 2 {
			log.Printf("reconcile: %s credential rejected %d audits in a row", r.cfg.Username, r.tokenStrikes)
		}
	}
	return err
}

func randDur(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max-min)))
	if err != nil {
		return min
	}
	return min + time.Duration(n.Int64())
}
