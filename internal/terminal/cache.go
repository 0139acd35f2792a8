package terminal

import (
	"container/list"
	"path"
	"strings"
	"time"

	"github.com/joe/termcore/pkg/backend"
)

// normalizePath canonicalizes a remote path the way every DirectoryCache
// and ChangeCache key is compared: absolute, clean, no trailing slash
// (except root).
func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	cleaned := path.Clean(p)
	if !strings.HasPrefix(cleaned, "/") {
		cleaned = "/" + cleaned
	}
	return cleaned
}

type cacheEntry struct {
	path string
	list *backend.RemoteFileList
	at   time.Time
}

// DirectoryCache is a path -> listing map with retrieval timestamps (C4),
// LRU-capped. Invalidated by any operation that mutates a directory or,
// when sub-directories are in scope, any of its ancestors.
type DirectoryCache struct {
	capacity int
	order    *list.List // most-recently-used at front
	entries  map[string]*list.Element
}

// NewDirectoryCache builds an LRU-capped DirectoryCache. capacity <= 0
// means unbounded.
func NewDirectoryCache(capacity int) *DirectoryCache {
	return &DirectoryCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// Get returns the cached listing for path iff present and, when newer is
// non-zero, retrieved at or after newer. Touches the LRU order on hit.
func (c *DirectoryCache) Get(p string, newer time.Time) (*backend.RemoteFileList, bool) {
	key := normalizePath(p)
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry) //nolint:forcetypeassert // cache invariant
	if !newer.IsZero() && entry.at.Before(newer) {
		return nil, false
	}
	c.order.MoveToFront(el)
	return entry.list, true
}

// Add takes ownership of list, keyed by its own Path, evicting the
// least-recently-used entry if capacity is exceeded.
func (c *DirectoryCache) Add(l *backend.RemoteFileList) {
	key := normalizePath(l.Path)
	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheEntry).list = l //nolint:forcetypeassert // cache invariant
		el.Value.(*cacheEntry).at = time.Now()
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&cacheEntry{path: key, list: l, at: time.Now()})
	c.entries[key] = el
	c.evictOverflow()
}

func (c *DirectoryCache) evictOverflow() {
	if c.capacity <= 0 {
		return
	}
	for len(c.entries) > c.capacity {
		back := c.order.Back()
		if back == nil {
			return
		}
		entry := back.Value.(*cacheEntry) //nolint:forcetypeassert // cache invariant
		delete(c.entries, entry.path)
		c.order.Remove(back)
	}
}

// ClearFileList removes exactly path, and every descendant entry when
// includeSubDirs is set.
func (c *DirectoryCache) ClearFileList(p string, includeSubDirs bool) {
	key := normalizePath(p)
	c.removeKey(key)
	if !includeSubDirs {
		return
	}
	prefix := key
	if prefix != "/" {
		prefix += "/"
	}
	var toRemove []string
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			toRemove = append(toRemove, k)
		}
	}
	for _, k := range toRemove {
		c.removeKey(k)
	}
}

func (c *DirectoryCache) removeKey(key string) {
	el, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)
	c.order.Remove(el)
}

// DirectoryModified invalidates path (always) and, when subDirs is set,
// every ancestor up to root — the mutator react-on-command (§4.5) drives
// for every operation that changes a directory's contents, other than the
// full-clear Add/Clear pair.
func (c *DirectoryCache) DirectoryModified(p string, subDirs bool) {
	key := normalizePath(p)
	c.removeKey(key)
	if !subDirs {
		return
	}
	for key != "/" {
		key = normalizePath(path.Dir(key))
		c.removeKey(key)
	}
}

// Clear drops every cached entry.
func (c *DirectoryCache) Clear() {
	c.order = list.New()
	c.entries = make(map[string]*list.Element)
}

// Len reports the number of cached listings, for tests and diagnostics.
func (c *DirectoryCache) Len() int { return len(c.entries) }

// changeKey identifies a learned cd mapping by the directory the request
// was issued from and the literal request text (relative directive like
// ".." or an absolute path).
type changeKey struct {
	from      string
	requested string
}

// ChangeCache learns (source-dir, requested-target) -> resolved-target
// mappings as successful cd's occur (C4), so later requests can call the
// backend's CachedChangeDirectory instead of round-tripping a pwd. Capped
// with LRU eviction.
type ChangeCache struct {
	capacity int
	order    *list.List
	entries  map[changeKey]*list.Element
}

type changeEntry struct {
	key      changeKey
	resolved string
}

// NewChangeCache builds an LRU-capped ChangeCache. capacity <= 0 means
// unbounded.
func NewChangeCache(capacity int) *ChangeCache {
	return &ChangeCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[changeKey]*list.Element),
	}
}

// AddChange records that cd'ing from from with the literal request
// requested resolved to resolved.
func (c *ChangeCache) AddChange(from, requested, resolved string) {
	key := changeKey{from: normalizePath(from), requested: requested}
	if el, ok := c.entries[key]; ok {
		el.Value.(*changeEntry).resolved = resolved //nolint:forcetypeassert // cache invariant
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&changeEntry{key: key, resolved: resolved})
	c.entries[key] = el
	if c.capacity > 0 {
		for len(c.entries) > c.capacity {
			back := c.order.Back()
			if back == nil {
				break
			}
			delete(c.entries, back.Value.(*changeEntry).key) //nolint:forcetypeassert // cache invariant
			c.order.Remove(back)
		}
	}
}

// Resolve looks up the resolved target for a cd issued from from with the
// literal request requested.
func (c *ChangeCache) Resolve(from, requested string) (string, bool) {
	key := changeKey{from: normalizePath(from), requested: requested}
	el, ok := c.entries[key]
	if !ok {
		return "", false
	}
	c.order.MoveToFront(el)
	return el.Value.(*changeEntry).resolved, true //nolint:forcetypeassert // cache invariant
}

// Remove drops every mapping whose from or resolved target equals path,
// the cleanup react-on-command's file-modified path runs for a renamed or
// deleted directory.
func (c *ChangeCache) Remove(p string) {
	key := normalizePath(p)
	var toRemove []*list.Element
	for k, el := range c.entries {
		if k.from == key || el.Value.(*changeEntry).resolved == key { //nolint:forcetypeassert // cache invariant
			toRemove = append(toRemove, el)
		}
	}
	for _, el := range toRemove {
		delete(c.entries, el.Value.(*changeEntry).key) //nolint:forcetypeassert // cache invariant
		c.order.Remove(el)
	}
}

// Blob is the serializable snapshot of a ChangeCache, the shape persisted
// through the host's configuration port (§6.3).
type Blob struct {
	Entries []BlobEntry
}

// BlobEntry is one serialized mapping.
type BlobEntry struct {
	From      string
	Requested string
	Resolved  string
}

// Snapshot exports the cache as a Blob, most-recently-used first.
func (c *ChangeCache) Snapshot() Blob {
	var b Blob
	for el := c.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*changeEntry) //nolint:forcetypeassert // cache invariant
		b.Entries = append(b.Entries, BlobEntry{From: e.key.from, Requested: e.key.requested, Resolved: e.resolved})
	}
	return b
}

// Restore replaces the cache's contents with a previously-exported Blob,
// preserving order (first entry becomes most-recently-used).
func (c *ChangeCache) Restore(b Blob) {
	c.order = list.New()
	c.entries = make(map[changeKey]*list.Element)
	for i := len(b.Entries) - 1; i >= 0; i-- {
		e := b.Entries[i]
		c.AddChange(e.From, e.Requested, e.Resolved)
	}
}

// Len reports the number of learned mappings.
func (c *ChangeCache) Len() int { return len(c.entries) }
