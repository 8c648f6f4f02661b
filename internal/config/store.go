package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/pkg/errors"
)

// EnvConfFile selects the config path when set.
const EnvConfFile = "TWITCH_CONF_FILE"

const defaultConfPath = "huecycle.json"

const backupKeep = 5

// fileDoc is the canonical on-disk form.
type fileDoc struct {
	Users []Identity `json:"users"`
}

// Store owns the config file. All persisted mutations flow through it.
//
// Lock ordering: a per-user lock is always acquired before the store
// global lock, never the reverse.
type Store struct {
	path string

	mu       sync.Mutex // global: users, checksum, backups
	users    []Identity
	checksum string

	lockMu    sync.Mutex
	userLocks map[string]*sync.Mutex

	selfMu       sync.Mutex
	onSelfUpdate func(Identity)

	queue *persistQueue
}

// Path resolves the config file location from the environment.
func Path() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfFile)); p != "" {
		return p
	}
	return defaultConfPath
}

func NewStore(path string) *Store {
	s := &Store{
		path:      path,
		userLocks: make(map[string]*sync.Mutex),
	}
	s.queue = newPersistQueue(s)
	return s
}

// FilePath returns the store's backing file path.
func (s *Store) FilePath() string { return s.path }

// userLock returns the mutex serializing persisted updates for one user.
func (s *Store) userLock(username string) *sync.Mutex {
	key := strings.ToLower(strings.TrimSpace(username))
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	mu, ok := s.userLocks[key]
	if !ok {
		mu = &sync.Mutex{}
		s.userLocks[key] = mu
	}
	return mu
}

// Load parses the config file, normalizes and validates every entry, and
// drops invalid ones with a diagnostic. The legacy single-user form (a
// flat object carrying "username") is coerced to the multi-user form.
func (s *Store) Load() ([]Identity, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, errors.Wrap(err, "config: read")
	}

	users, err := parseUsers(raw)
	if err != nil {
		return nil, err
	}

	valid := filterValid(users)

	s.mu.Lock()
	s.users = cloneList(valid)
	s.checksum = checksumBytes(raw)
	s.mu.Unlock()

	return valid, nil
}

func parseUsers(raw []byte) ([]Identity, error) {
	var doc fileDoc
	if err := json.Unmarshal(raw, &doc); err == nil && doc.Users != nil {
		return doc.Users, nil
	}

	// Legacy single-user form.
	var single Identity
	if err := json.Unmarshal(raw, &single); err == nil && strings.TrimSpace(single.Username) != "" {
		return []Identity{single}, nil
	}

	return nil, errors.New("config: unrecognized file format")
}

func filterValid(users []Identity) []Identity {
	seen := make(map[string]struct{}, len(users))
	valid := make([]Identity, 0, len(users))
	for i := range users {
		id := users[i]
		if err := id.Normalize(); err != nil {
			slog.Warn("config: dropping invalid user entry", "err", err)
			continue
		}
		if _, dup := seen[id.Key()]; dup {
			slog.Warn("config: dropping duplicate user entry", "username", id.Username)
			continue
		}
		seen[id.Key()] = struct{}{}
		valid = append(valid, id)
	}
	return valid
}

// Save writes the list atomically (tmp + rename) after keeping a
// timestamped backup of the previous file. The in-memory checksum is
// updated so the watcher recognizes the write as our own.
func (s *Store) Save(list []Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(list)
}

func (s *Store) saveLocked(list []Identity) error {
	doc := fileDoc{Users: cloneList(list)}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "config: marshal")
	}
	raw = append(raw, '\n')

	s.backupLocked()

	if err := renameio.WriteFile(s.path, raw, 0o600); err != nil {
		return errors.Wrap(err, "config: write")
	}

	s.users = cloneList(list)
	s.checksum = checksumBytes(raw)
	return nil
}

// backupLocked copies the current file to <path>.bak.<ts> and prunes the
// ring to the newest backupKeep entries. Best-effort.
func (s *Store) backupLocked() {
	current, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	ts := time.Now().UTC().Format("20060102T150405.000000000")
	backup := fmt.Sprintf("%s.bak.%s", s.path, ts)
	if err := os.WriteFile(backup, current, 0o600); err != nil {
		slog.Warn("config: backup write failed", "path", backup, "err", err)
		return
	}

	pattern := s.path + ".bak.*"
	matches, err := filepath.Glob(pattern)
	if err != nil || len(matches) <= backupKeep {
		return
	}
	sort.Strings(matches)
	for _, stale := range matches[:len(matches)-backupKeep] {
		if err := os.Remove(stale); err != nil {
			slog.Warn("config: backup prune failed", "path", stale, "err", err)
		}
	}
}

// Users returns a snapshot of the current in-memory list.
func (s *Store) Users() []Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneList(s.users)
}

// User returns one identity snapshot by username.
func (s *Store) User(username string) (Identity, bool) {
	key := strings.ToLower(strings.TrimSpace(username))
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.users {
		if s.users[i].Key() == key {
			return s.users[i].Clone(), true
		}
	}
	return Identity{}, false
}

// OnSelfUpdate registers fn to run after every update that originates in
// this process (UpdateUser or QueueUpdate), with a snapshot of the updated
// identity. External edits picked up by the watcher do not fire it.
func (s *Store) OnSelfUpdate(fn func(Identity)) {
	s.selfMu.Lock()
	s.onSelfUpdate = fn
	s.selfMu.Unlock()
}

func (s *Store) notifySelfUpdate(id Identity) {
	s.selfMu.Lock()
	fn := s.onSelfUpdate
	s.selfMu.Unlock()
	if fn != nil {
		fn(id.Clone())
	}
}

// UpdateUser applies patch under the user's lock and persists the whole
// list. Patches must be idempotent; the caller may not observe every
// intermediate state.
func (s *Store) UpdateUser(username string, patch func(*Identity)) error {
	mu := s.userLock(username)
	mu.Lock()
	defer mu.Unlock()

	key := strings.ToLower(strings.TrimSpace(username))

	var updated Identity
	found := false

	s.mu.Lock()
	var saveErr error
	for i := range s.users {
		if s.users[i].Key() != key {
			continue
		}
		id := s.users[i].Clone()
		patch(&id)
		s.users[i] = id
		updated = id.Clone()
		found = true
		saveErr = s.saveLocked(s.users)
		break
	}
	s.mu.Unlock()

	if !found {
		return errors.Errorf("config: unknown user %s", username)
	}
	s.notifySelfUpdate(updated)
	return saveErr
}

// QueueUpdate applies patch in memory immediately and schedules a
// coalesced save through the pending persist queue.
func (s *Store) QueueUpdate(username string, patch func(*Identity)) {
	mu := s.userLock(username)
	mu.Lock()
	defer mu.Unlock()

	key := strings.ToLower(strings.TrimSpace(username))

	var updated Identity
	found := false

	s.mu.Lock()
	for i := range s.users {
		if s.users[i].Key() != key {
			continue
		}
		id := s.users[i].Clone()
		patch(&id)
		s.users[i] = id
		updated = id.Clone()
		found = true
		break
	}
	s.mu.Unlock()

	if !found {
		slog.Warn("config: queued update for unknown user", "username", username)
		return
	}
	s.notifySelfUpdate(updated)
	s.queue.signal()
}

// StartFlusher runs the single background writer that drains queued
// updates. It returns when ctx is cancelled, after a final flush.
func (s *Store) StartFlusher(ctx context.Context) {
	s.queue.run(ctx)
}

// Flush forces any pending queued updates to disk now.
func (s *Store) Flush() error {
	return s.queue.flush()
}

func checksumBytes(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func cloneList(list []Identity) []Identity {
	out := make([]Identity, 0, len(list))
	for i := range list {
		out = append(out, list[i].Clone())
	}
	return out
}
