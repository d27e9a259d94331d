// Package identity persists the server-assigned agent id so a restarted
// agent reuses its identity instead of registering again.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrNoIdentity is returned by Load when no usable identity is cached.
var ErrNoIdentity = errors.New("identity: no cached agent id")

// Identity is the cached registration of this host.
type Identity struct {
	AgentID      int64     `json:"agent_id"`
	Hostname     string    `json:"hostname,omitempty"`
	RegisteredAt time.Time `json:"registered_at,omitempty"`
}

// Cache reads and writes one identity file. A cache file belongs to a
// single host.
type Cache struct {
	path string
}

func NewCache(path string) *Cache {
	return &Cache{path: path}
}

func (c *Cache) Path() string { return c.path }

// Load returns the cached identity for hostname. A missing file, an id of
// zero, or an entry recorded for a different hostname all yield
// ErrNoIdentity.
func (c *Cache) Load(hostname string) (Identity, error) {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return Identity{}, ErrNoIdentity
	}
	if err != nil {
		return Identity{}, fmt.Errorf("identity: read %q: %w", c.path, err)
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return Identity{}, fmt.Errorf("identity: parse %q: %w", c.path, err)
	}
	if id.AgentID <= 0 {
		return Identity{}, ErrNoIdentity
	}
	if id.Hostname != "" && hostname != "" && id.Hostname != hostname {
		return Identity{}, ErrNoIdentity
	}
	return id, nil
}

// Save writes id atomically: a crash mid-write leaves the previous file
// intact.
func (c *Cache) Save(id Identity) error {
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("identity: marshal: %w", err)
	}

	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, ".agent_cache-*")
	if err != nil {
		return fmt.Errorf("identity: create temp file in %q: %w", dir, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("identity: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("identity: close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		return fmt.Errorf("identity: replace %q: %w", c.path, err)
	}
	return nil
}

// Clear removes the cached identity. A missing file is not an error.
func (c *Cache) Clear() error {
	if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("identity: remove %q: %w", c.path, err)
	}
	return nil
}
