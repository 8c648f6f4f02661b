// Package colorapply selects and writes chat colors for one identity:
// pick a color distinct from the last one, PUT it through Helix, and
// handle hex demotion, rate limiting and transient failures.
package colorapply

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/you/huecycle/internal/config"
	"github.com/you/huecycle/internal/helix"
	"github.com/you/huecycle/internal/palette"
)

const (
	// hexStrikeLimit demotes an identity claiming Prime/Turbo after this
	// many hex rejections.
	hexStrikeLimit = 2

	retryBase     = 500 * time.Millisecond
	retryCap      = 8 * time.Second
	retryAttempts = 3

	rateLimitWaitCap = 30 * time.Second
)

// API is the slice of the Helix client the engine needs.
type API interface {
	PutColor(ctx context.Context, access, userID, color string) error
}

// Engine owns color application for one identity. A single worker
// drains the trigger mailbox, so at most one apply is in flight and
// bursts coalesce into one pending request.
type Engine struct {
	api      API
	store    *config.Store
	username string

	access         func() string
	userID         func() string
	onTokenInvalid func()

	// OnApplied, when set, fires after every successful apply. Set it
	// before Run.
	OnApplied func(color string)

	mu        sync.Mutex
	lastColor string
	prime     bool
	strikes   int

	requests chan request
}

type request struct {
	explicit bool
	color    string
}

func New(api API, store *config.Store, id config.Identity, access, userID func() string, onTokenInvalid func()) *Engine {
	return &Engine{
		api:            api,
		store:          store,
		username:       id.Username,
		access:         access,
		userID:         userID,
		onTokenInvalid: onTokenInvalid,
		lastColor:      id.LastColor,
		prime:          id.IsPrimeOrTurbo,
		strikes:        id.HexRejectionStrikes,
		requests:       make(chan request, 1),
	}
}

// LastColor returns the most recently applied (or observed) color.
func (e *Engine) LastColor() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastColor
}

// SetLastColor seeds the exclusion before the first change, typically
// from a get_color probe at startup.
func (e *Engine) SetLastColor(color string) {
	e.mu.Lock()
	e.lastColor = color
	e.mu.Unlock()
}

// Trigger requests an automatic color change. While an apply is in
// flight the newest pending request wins.
func (e *Engine) Trigger() {
	e.send(request{})
}

// ApplyExplicit requests one specific color, bypassing the enabled
// toggle. The color must already be canonical (preset name or #rrggbb).
func (e *Engine) ApplyExplicit(color string) {
	e.send(request{explicit: true, color: color})
}

// send is drop-oldest: a stale pending request is replaced rather than
// queued behind.
func (e *Engine) send(req request) {
	select {
	case e.requests <- req:
	default:
		select {
		case <-e.requests:
		default:
		}
		select {
		case e.requests <- req:
		default:
		}
	}
}

// Run drains the mailbox until cancellation.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-e.requests:
			e.apply(ctx, req)
		}
	}
}

func (e *Engine) apply(ctx context.Context, req request) {
	e.mu.Lock()
	last := e.lastColor
	useHex := e.prime && e.strikes < hexStrikeLimit
	e.mu.Unlock()

	color := req.color
	if req.explicit {
		// Re-applying the current color is not an observable change.
		if strings.EqualFold(color, last) {
			return
		}
	} else {
		if useHex {
			color = palette.PickHex(last)
		} else {
			color = palette.PickPreset(last)
		}
	}

	e.attempt(ctx, color, true)
}

// attempt runs one apply including its local recovery: bounded backoff
// for transient errors, one retry after a rate limit, and hex demotion.
// allowFallback guards the single preset retry after a demotion.
func (e *Engine) attempt(ctx context.Context, color string, allowFallback bool) {
	isHex := strings.HasPrefix(color, "#")

	backoff := retryBase
	for attempt := 1; ; attempt++ {
		err := e.api.PutColor(ctx, e.access(), e.userID(), color)
		if err == nil {
			e.recordApplied(color)
			return
		}
		if ctx.Err() != nil {
			return
		}

		switch {
		case helix.IsKind(err, helix.KindHexUnavailable) && isHex:
			e.strikeHex(ctx, allowFallback)
			return

		case helix.IsKind(err, helix.KindRateLimited):
			if attempt > 1 {
				log.Printf("colorapply: %s still rate limited; dropping change", e.username)
				return
			}
			wait := rateLimitWait(err)
			log.Printf("colorapply: %s rate limited; retrying in %s", e.username, wait)
			if !sleep(ctx, wait) {
				return
			}
			continue

		case helix.IsKind(err, helix.KindTokenInvalid):
			if e.onTokenInvalid != nil {
				e.onTokenInvalid()
			}
			return

		case helix.Retryable(err):
			if attempt >= retryAttempts {
				log.Printf("colorapply: %s giving up after %d attempts: %v", e.username, attempt, err)
				return
			}
			if !sleep(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > retryCap {
				backoff = retryCap
			}
			continue

		default:
			log.Printf("colorapply: %s apply failed: %v", e.username, err)
			return
		}
	}
}

func (e *Engine) recordApplied(color string) {
	e.mu.Lock()
	e.lastColor = color
	e.mu.Unlock()

	log.Printf("colorapply: %s color set to %s", e.username, color)
	e.store.QueueUpdate(e.username, func(id *config.Identity) {
		id.LastColor = color
	})
	if e.OnApplied != nil {
		e.OnApplied(color)
	}
}

// strikeHex records one hex rejection. At the limit the identity stops
// claiming Prime/Turbo and a preset is applied right away so the user
// still sees a change.
func (e *Engine) strikeHex(ctx context.Context, allowFallback bool) {
	e.mu.Lock()
	e.strikes++
	strikes := e.strikes
	demoted := false
	if strikes >= hexStrikeLimit && e.prime {
		e.prime = false
		demoted = true
	}
	last := e.lastColor
	e.mu.Unlock()

	if err := e.store.UpdateUser(e.username, func(id *config.Identity) {
		id.HexRejectionStrikes = strikes
		if demoted {
			id.IsPrimeOrTurbo = false
		}
	}); err != nil {
		log.Printf("colorapply: %s persist hex strike: %v", e.username, err)
	}

	if demoted {
		log.Printf("colorapply: %s hex colors rejected %d times; falling back to presets", e.username, strikes)
		if allowFallback {
			e.attempt(ctx, palette.PickPreset(last), false)
		}
		return
	}
	log.Printf("colorapply: %s hex color rejected (strike %d of %d)", e.username, strikes, hexStrikeLimit)
}

func rateLimitWait(err error) time.Duration {
	var apiErr *helix.APIError
	wait := time.Second
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		wait = apiErr.RetryAfter
	}
	if wait > rateLimitWaitCap {
		wait = rateLimitWaitCap
	}
	return wait
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
