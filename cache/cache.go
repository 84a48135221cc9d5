// Package cache implements the Router's keyword cache: a typed,
// persistable last-value store with per-keyword age. The cache is
// opportunistic, never authoritative; it exists so clients that connect
// before the upstream Sim is available still get a believable welcome.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/macroflight/frankenrouter/keyword"
)

// FormatVersion is embedded in the persisted blob. Files with a missing
// version, a legacy string version, or a different integer are discarded
// on load.
const FormatVersion = 2

var (
	// ErrNotCached is returned by Get/Age for keywords not in the cache.
	ErrNotCached = errors.New("keyword not cached")

	// ErrType is returned by Update when the value cannot be coerced to
	// the type the keyword prefix mandates.
	ErrType = errors.New("wrong value type for keyword")
)

// entry is one cached value. Value is int64 for integer-typed keywords
// and string for everything else.
type entry struct {
	value   any
	updated time.Time
}

// Cache is the keyword cache. Writes come from the forwarders, reads
// from the welcome replay and housekeeping, so access is guarded.
type Cache struct {
	mu   sync.RWMutex
	data map[string]entry
	path string
}

// New creates an empty cache that persists to path.
func New(path string) *Cache {
	return &Cache{
		data: make(map[string]entry, 4096),
		path: path,
	}
}

// Path returns the cache file path.
func (c *Cache) Path() string { return c.path }

// Has reports whether k is cached.
func (c *Cache) Has(k string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.data[k]
	return ok
}

// Get returns the cached value of k in its typed form.
func (c *Cache) Get(k string) (any, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.data[k]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotCached, k)
	}
	return e.value, nil
}

// GetString returns the cached value of k rendered for the wire.
func (c *Cache) GetString(k string) (string, error) {
	v, err := c.Get(k)
	if err != nil {
		return "", err
	}
	switch t := v.(type) {
	case int64:
		return strconv.FormatInt(t, 10), nil
	case string:
		return t, nil
	}
	return fmt.Sprint(v), nil
}

// Age returns the seconds since k was last updated.
func (c *Cache) Age(k string) (float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.data[k]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotCached, k)
	}
	return time.Since(e.updated).Seconds(), nil
}

// Keys returns all cached keywords, in map order.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.data))
	for k := range c.data {
		out = append(out, k)
	}
	return out
}

// Size returns the number of cached keywords.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Update stores v for k, coercing to the type the keyword prefix
// mandates: integer prefixes reject values that do not parse as an
// integer, everything else is stored as a string.
func (c *Cache) Update(k string, v any) error {
	return c.UpdateAt(k, v, time.Now())
}

// UpdateAt is Update with an explicit timestamp.
func (c *Cache) UpdateAt(k string, v any, ts time.Time) error {
	var val any
	switch keyword.TypeOf(k) {
	case keyword.TypeInt:
		switch t := v.(type) {
		case int:
			val = int64(t)
		case int64:
			val = t
		case float64:
			val = int64(t)
		case string:
			n, err := strconv.ParseInt(t, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: %s=%q", ErrType, k, t)
			}
			val = n
		default:
			return fmt.Errorf("%w: %s=%v", ErrType, k, v)
		}
	default:
		switch t := v.(type) {
		case string:
			val = t
		case int:
			val = strconv.Itoa(t)
		case int64:
			val = strconv.FormatInt(t, 10)
		case float64:
			val = strconv.FormatFloat(t, 'f', -1, 64)
		default:
			return fmt.Errorf("%w: %s=%v", ErrType, k, v)
		}
	}

	c.mu.Lock()
	c.data[k] = entry{value: val, updated: ts}
	c.mu.Unlock()
	return nil
}

// fileEntry is the persisted form of one keyword.
type fileEntry struct {
	Value   any     `json:"value"`
	Updated float64 `json:"updated"`
}

// fileBlob is the persisted cache file. Version is kept raw so the
// legacy string form can be told apart from the integer form.
type fileBlob struct {
	Version  json.RawMessage      `json:"version"`
	Keywords map[string]fileEntry `json:"keywords"`
}

// LoadFromFile reads the persisted cache. A missing file is not an
// error; a blob with no version, a legacy string version, or a version
// other than FormatVersion leaves the cache empty.
func (c *Cache) LoadFromFile() error {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var blob fileBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return fmt.Errorf("cache file %s: %w", c.path, err)
	}
	if len(blob.Version) == 0 {
		return fmt.Errorf("cache file %s: no format version, discarding", c.path)
	}
	if blob.Version[0] == '"' {
		return fmt.Errorf("cache file %s: legacy format version, discarding", c.path)
	}
	var version int
	if err := json.Unmarshal(blob.Version, &version); err != nil || version != FormatVersion {
		return fmt.Errorf("cache file %s: unsupported format version %s, discarding",
			c.path, blob.Version)
	}

	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, fe := range blob.Keywords {
		e := entry{updated: now.Add(-time.Duration(fe.Updated * float64(time.Second)))}
		switch keyword.TypeOf(k) {
		case keyword.TypeInt:
			switch t := fe.Value.(type) {
			case float64:
				e.value = int64(t)
			case string:
				n, err := strconv.ParseInt(t, 10, 64)
				if err != nil {
					continue
				}
				e.value = n
			default:
				continue
			}
		default:
			s, ok := fe.Value.(string)
			if !ok {
				s = fmt.Sprint(fe.Value)
			}
			e.value = s
		}
		c.data[k] = e
	}
	return nil
}

// WriteToFile persists the cache. Writing an empty cache is a no-op so
// a cold-started router does not clobber a previous session's state.
// The per-keyword age is persisted instead of an absolute timestamp so
// the blob does not depend on the wall clock at load time.
func (c *Cache) WriteToFile() error {
	c.mu.RLock()
	if len(c.data) == 0 {
		c.mu.RUnlock()
		return nil
	}
	blob := fileBlob{
		Version:  json.RawMessage(strconv.Itoa(FormatVersion)),
		Keywords: make(map[string]fileEntry, len(c.data)),
	}
	for k, e := range c.data {
		blob.Keywords[k] = fileEntry{
			Value:   e.value,
			Updated: time.Since(e.updated).Seconds(),
		}
	}
	c.mu.RUnlock()

	raw, err := json.Marshal(&blob)
	if err != nil {
		return err
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}
