// Package cache implements the time-expiring local store for fetched
// package payloads and registry catalogs.
//
// Entries are keyed by package identifier, not content hash: a published
// identifier+version pair is assumed immutable. Each entry lives under the
// cache root in a directory named by the SHA-256 of its key; freshness is
// judged by modification time against the configured TTL, so an
// expired-but-present entry is simply a miss and deletion can stay lazy.
//
// Populating an entry is atomic: the payload is staged in a temp directory
// and renamed into place, so an interrupted fetch never yields a valid hit.
// Writers serialize per key within a process; across processes the rename
// gives last-writer-wins, which is safe because payloads are immutable per
// version.
//
// A cache that cannot create or write its root degrades to a pass-through
// (every lookup misses, every store is a no-op) rather than failing the
// install.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cpkg/cpkg/pkg/errors"
)

// Cache is the on-disk package and catalog store.
type Cache struct {
	dir      string
	ttl      time.Duration
	skip     bool
	degraded bool

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a cache rooted at dir with the given TTL.
// skip forces every lookup to miss and every store to a no-op without
// touching entries already on disk. If dir is empty or cannot be created,
// the cache is degraded (pass-through) and Degraded reports true.
func New(dir string, ttl time.Duration, skip bool) *Cache {
	c := &Cache{
		dir:   dir,
		ttl:   ttl,
		skip:  skip,
		locks: make(map[string]*sync.Mutex),
	}
	if dir == "" || os.MkdirAll(dir, 0o755) != nil {
		c.degraded = true
	}
	return c
}

// Dir returns the cache root directory.
func (c *Cache) Dir() string { return c.dir }

// TTL returns the configured expiration window.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Degraded reports whether the cache fell back to pass-through mode.
func (c *Cache) Degraded() bool { return c.degraded }

// Has reports whether a fresh payload entry exists for key.
func (c *Cache) Has(key string) bool {
	if c.skip || c.degraded {
		return false
	}
	info, err := os.Stat(c.entryPath(key))
	if err != nil || !info.IsDir() {
		return false
	}
	return c.fresh(info.ModTime())
}

// Materialize copies the cached payload for key into dest.
// The caller must have seen Has(key) == true; a racing eviction surfaces as
// an error the caller treats like a miss.
func (c *Cache) Materialize(key, dest string) error {
	if c.skip || c.degraded {
		return errors.New(errors.ErrCodeCacheDegraded, "cache disabled")
	}
	return CopyTree(c.entryPath(key), dest)
}

// Put stores the payload rooted at src under key. The entry becomes visible
// only after a successful rename, so a crash mid-copy leaves at most an
// orphaned temp directory, never a corrupt hit.
func (c *Cache) Put(key, src string) error {
	if c.skip || c.degraded {
		return nil
	}

	lock := c.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	tmp, err := os.MkdirTemp(c.dir, "tmp-")
	if err != nil {
		return errors.Wrap(errors.ErrCodeCacheDegraded, err, "stage cache entry")
	}
	if err := CopyTree(src, tmp); err != nil {
		os.RemoveAll(tmp)
		return errors.Wrap(errors.ErrCodeCacheDegraded, err, "stage cache entry")
	}

	final := c.entryPath(key)
	os.RemoveAll(final)
	if err := os.Rename(tmp, final); err != nil {
		os.RemoveAll(tmp)
		return errors.Wrap(errors.ErrCodeCacheDegraded, err, "commit cache entry")
	}
	now := time.Now()
	os.Chtimes(final, now, now)
	return nil
}

// GetJSON retrieves a fresh JSON blob entry (registry catalogs) into v.
func (c *Cache) GetJSON(key string, v any) bool {
	if c.skip || c.degraded {
		return false
	}
	path := c.entryPath(key) + ".json"
	info, err := os.Stat(path)
	if err != nil || !c.fresh(info.ModTime()) {
		return false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

// SetJSON stores a JSON blob entry via temp-file-then-rename.
func (c *Cache) SetJSON(key string, v any) error {
	if c.skip || c.degraded {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(errors.ErrCodeCacheDegraded, err, "encode cache entry")
	}
	tmp, err := os.CreateTemp(c.dir, "tmp-")
	if err != nil {
		return errors.Wrap(errors.ErrCodeCacheDegraded, err, "stage cache entry")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(errors.ErrCodeCacheDegraded, err, "stage cache entry")
	}
	tmp.Close()
	return os.Rename(tmp.Name(), c.entryPath(key)+".json")
}

// Clear removes every entry and returns the number removed.
func (c *Cache) Clear() (int, error) {
	if c.degraded {
		return 0, nil
	}
	items, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, it := range items {
		if strings.HasPrefix(it.Name(), "tmp-") {
			os.RemoveAll(filepath.Join(c.dir, it.Name()))
			continue
		}
		if err := os.RemoveAll(filepath.Join(c.dir, it.Name())); err == nil {
			count++
		}
	}
	return count, nil
}

func (c *Cache) fresh(mod time.Time) bool {
	return c.ttl <= 0 || time.Since(mod) < c.ttl
}

func (c *Cache) entryPath(key string) string {
	h := sha256.Sum256([]byte(key))
	return filepath.Join(c.dir, hex.EncodeToString(h[:]))
}

func (c *Cache) keyLock(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[key]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	return l
}
