// Package idcache persists the broadcaster login to numeric id mapping.
// The cache is best-effort: a missing or corrupt file starts empty and is
// rebuilt lazily from Helix lookups.
package idcache

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/renameio/v2"
)

// EnvCacheFile selects the cache path when set.
const EnvCacheFile = "TWITCH_BROADCASTER_CACHE"

// Cache is safe for concurrent use. Reads dominate; a single lock guards
// the map.
type Cache struct {
	path string

	mu  sync.Mutex
	ids map[string]string
}

// PathFor resolves the cache file location: the env var when set,
// otherwise alongside the config file.
func PathFor(confPath string) string {
	if p := strings.TrimSpace(os.Getenv(EnvCacheFile)); p != "" {
		return p
	}
	return filepath.Join(filepath.Dir(confPath), "broadcasters.json")
}

// Open loads the cache file. Corruption is logged and discarded.
func Open(path string) *Cache {
	c := &Cache{path: path, ids: make(map[string]string)}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("idcache: read failed, starting empty", "path", path, "err", err)
		}
		return c
	}
	if err := json.Unmarshal(raw, &c.ids); err != nil {
		slog.Warn("idcache: corrupt cache ignored", "path", path, "err", err)
		c.ids = make(map[string]string)
	}
	return c
}

// Get returns the cached id for a login.
func (c *Cache) Get(login string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(login))
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.ids[key]
	return id, ok
}

// Put records a resolved id and persists the cache. Persistence failures
// are logged only.
func (c *Cache) Put(login, id string) {
	key := strings.ToLower(strings.TrimSpace(login))
	if key == "" || id == "" {
		return
	}

	c.mu.Lock()
	if c.ids[key] == id {
		c.mu.Unlock()
		return
	}
	c.ids[key] = id
	raw, err := json.MarshalIndent(c.ids, "", "  ")
	c.mu.Unlock()

	if err != nil {
		return
	}
	if err := renameio.WriteFile(c.path, append(raw, '\n'), 0o644); err != nil {
		slog.Warn("idcache: write failed", "path", c.path, "err", err)
	}
}
