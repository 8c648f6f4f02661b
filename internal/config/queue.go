package config

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const flushDebounce = time.Second

// persistQueue coalesces queued identity updates into a single save. It is
// the sole writer once running; callers contend on per-user locks only.
type persistQueue struct {
	store *Store

	mu      sync.Mutex
	dirty   bool
	wake    chan struct{}
	started bool
}

func newPersistQueue(store *Store) *persistQueue {
	return &persistQueue{
		store: store,
		wake:  make(chan struct{}, 1),
	}
}

func (q *persistQueue) signal() {
	q.mu.Lock()
	q.dirty = true
	started := q.started
	q.mu.Unlock()

	if !started {
		// No flusher yet; write synchronously so nothing is lost.
		if err := q.flush(); err != nil {
			slog.Error("config: direct flush failed", "err", err)
		}
		return
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *persistQueue) run(ctx context.Context) {
	q.mu.Lock()
	q.started = true
	q.mu.Unlock()

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-ctx.Done():
			debounce.Stop()
			if err := q.flush(); err != nil {
				slog.Error("config: final flush failed", "err", err)
			}
			q.mu.Lock()
			q.started = false
			q.mu.Unlock()
			return
		case <-q.wake:
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(flushDebounce)
		case <-debounce.C:
			if err := q.flush(); err != nil {
				slog.Error("config: queued flush failed", "err", err)
			}
		}
	}
}

// flush writes the current in-memory list if anything is pending.
func (q *persistQueue) flush() error {
	q.mu.Lock()
	if !q.dirty {
		q.mu.Unlock()
		return nil
	}
	q.dirty = false
	q.mu.Unlock()

	s := q.store
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(s.users)
}
