// Package fleet owns the config store and the set of running identity
// supervisors: it spawns one per configured identity, applies config
// reloads as targeted start/stop/restart operations, and runs the
// ordered shutdown.
package fleet

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/you/huecycle/internal/config"
	"github.com/you/huecycle/internal/helix"
	"github.com/you/huecycle/internal/idcache"
	"github.com/you/huecycle/internal/supervisor"
)

// shutdownGrace bounds how long we wait for supervisors to drain.
const shutdownGrace = 2 * time.Second

// runtimeOnlyFields change during normal operation and never warrant a
// supervisor restart when seen in a reload.
var runtimeOnlyFields = cmpopts.IgnoreFields(config.Identity{},
	"AccessToken", "RefreshToken", "TokenExpiry", "LastColor", "HexRejectionStrikes", "UserID")

// IdentityStatus is one row of the fleet status report.
type IdentityStatus struct {
	Username string `json:"username"`
	State    string `json:"state"`
	LastErr  string `json:"last_error,omitempty"`
}

type runningIdentity struct {
	id     config.Identity
	sup    *supervisor.Supervisor
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager runs the fleet. Construct with New, then Run.
type Manager struct {
	store      *config.Store
	cache      *idcache.Cache
	httpClient *http.Client
	wsURL      string
	obs        supervisor.Observer

	mu       sync.Mutex
	running  map[string]*runningIdentity
	stopping bool
	baseCtx  context.Context
}

// New builds a Manager around a loaded store. httpClient and wsURL are
// nil/empty in production; obs may be nil.
func New(store *config.Store, cache *idcache.Cache, httpClient *http.Client, wsURL string, obs supervisor.Observer) *Manager {
	m := &Manager{
		store:      store,
		cache:      cache,
		httpClient: httpClient,
		wsURL:      wsURL,
		obs:        obs,
		running:    make(map[string]*runningIdentity),
	}
	// Keep each running snapshot in step with updates this process writes
	// (tokens, toggles, demotions), so a later reload diffs against the
	// identity as it actually runs, not as it started.
	store.OnSelfUpdate(m.noteSelfUpdate)
	return m
}

func (m *Manager) noteSelfUpdate(id config.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run, ok := m.running[id.Username]; ok {
		run.id = id
	}
}

// Run starts every configured identity plus the persist flusher and the
// config watcher, then blocks until ctx is cancelled and the fleet has
// shut down in order.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()

	go m.store.StartFlusher(ctx)

	for _, id := range m.store.Users() {
		m.start(id)
	}

	if err := m.store.Watch(ctx, m.applyReload); err != nil {
		log.Printf("fleet: config watch unavailable: %v", err)
	}

	<-ctx.Done()
	m.shutdown()
	return ctx.Err()
}

// Reload re-reads the config file and applies the diff. Used by the
// admin endpoint; the file watcher calls applyReload directly.
func (m *Manager) Reload() error {
	users, err := m.store.Load()
	if err != nil {
		return err
	}
	m.applyReload(users)
	return nil
}

// Statuses reports every running identity for diagnostics.
func (m *Manager) Statuses() []IdentityStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]IdentityStatus, 0, len(m.running))
	for _, run := range m.running {
		state, lastErr := run.sup.Status()
		row := IdentityStatus{Username: run.id.Username, State: state}
		if lastErr != nil {
			row.LastErr = lastErr.Error()
		}
		out = append(out, row)
	}
	return out
}

// applyReload diffs the new list against the running set: start new
// identities, stop removed ones, restart materially changed ones.
func (m *Manager) applyReload(newList []config.Identity) {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return
	}

	wanted := make(map[string]config.Identity, len(newList))
	for _, id := range newList {
		wanted[id.Username] = id
	}

	var toStop []*runningIdentity
	var toStart []config.Identity

	for name, run := range m.running {
		next, ok := wanted[name]
		if !ok {
			log.Printf("fleet: %s removed from config; stopping", name)
			toStop = append(toStop, run)
			delete(m.running, name)
			continue
		}
		if !cmp.Equal(run.id, next, runtimeOnlyFields) {
			log.Printf("fleet: %s changed; restarting", name)
			toStop = append(toStop, run)
			delete(m.running, name)
			toStart = append(toStart, next)
		}
	}
	for name, id := range wanted {
		if _, ok := m.running[name]; ok {
			continue
		}
		if containsUser(toStart, name) {
			continue
		}
		log.Printf("fleet: %s added", name)
		toStart = append(toStart, id)
	}
	m.mu.Unlock()

	for _, run := range toStop {
		stopAndWait(run)
	}
	for _, id := range toStart {
		m.start(id)
	}
}

// start spawns one supervisor. The caller must not hold m.mu.
func (m *Manager) start(id config.Identity) {
	m.mu.Lock()
	if m.stopping || m.baseCtx == nil {
		m.mu.Unlock()
		return
	}
	if _, ok := m.running[id.Username]; ok {
		m.mu.Unlock()
		return
	}

	runCtx, cancel := context.WithCancel(m.baseCtx)
	client := helix.NewClient(id.ClientID, m.httpClient)
	sup := supervisor.New(id, m.store, client, m.cache, m.wsURL, m.obs)
	run := &runningIdentity{id: id, sup: sup, cancel: cancel, done: make(chan struct{})}
	m.running[id.Username] = run
	m.mu.Unlock()

	go func() {
		err := sup.Run(runCtx)
		close(run.done)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("fleet: %s supervisor exited: %v", id.Username, err)
		}
		m.mu.Lock()
		if m.running[id.Username] == run {
			delete(m.running, id.Username)
		}
		m.mu.Unlock()
	}()
}

// shutdown stops reload handling, cancels every supervisor, waits out
// the grace period, and flushes pending persistence.
func (m *Manager) shutdown() {
	m.mu.Lock()
	m.stopping = true
	runs := make([]*runningIdentity, 0, len(m.running))
	for _, run := range m.running {
		runs = append(runs, run)
	}
	m.mu.Unlock()

	for _, run := range runs {
		run.cancel()
	}

	deadline := time.After(shutdownGrace)
	for _, run := range runs {
		select {
		case <-run.done:
		case <-deadline:
		}
	}

	if err := m.store.Flush(); err != nil {
		log.Printf("fleet: final flush: %v", err)
	}
	log.Printf("fleet: shutdown complete (%d identities)", len(runs))
}

func stopAndWait(run *runningIdentity) {
	run.cancel()
	select {
	case <-run.done:
	case <-time.After(shutdownGrace):
	}
}

func containsUser(list []config.Identity, name string) bool {
	for _, id := range list {
		if id.Username == name {
			return true
		}
	}
	return false
}
