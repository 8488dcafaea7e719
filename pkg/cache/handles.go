// Package cache keeps open backend handles keyed by repository identity.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Sumatoshi-tech/forgemirror/pkg/backend"
)

// DefaultMaxHandles is the default number of repositories kept open.
const DefaultMaxHandles = 64

// OpenFunc opens the backend for a cache miss.
type OpenFunc func(ctx context.Context) (backend.Port, error)

// Handles is an LRU of open backend ports. Evicted and invalidated ports are
// closed. The cache never reopens a port by itself: callers invalidate an
// entry whenever the repository on disk is replaced (clone, reinit, delete).
type Handles struct {
	mu      sync.Mutex
	entries map[string]*handleEntry
	head    *handleEntry // Most recently used.
	tail    *handleEntry // Least recently used.
	max     int
	logger  *slog.Logger

	// OnLookup, when set before first use, observes every Get.
	OnLookup func(ctx context.Context, hit bool)

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

type handleEntry struct {
	key  string
	port backend.Port
	prev *handleEntry
	next *handleEntry

	pins     int
	detached bool // Unlinked from the cache; closed on the last release.
}

// NewHandles creates a cache holding at most maxHandles open ports.
func NewHandles(maxHandles int, logger *slog.Logger) *Handles {
	if maxHandles <= 0 {
		maxHandles = DefaultMaxHandles
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Handles{
		entries: make(map[string]*handleEntry),
		max:     maxHandles,
		logger:  logger,
	}
}

// Get returns the cached port for key, opening it on a miss. The port may be
// closed by a later eviction; callers holding it across a long operation use
// Acquire instead.
func (c *Handles) Get(ctx context.Context, key string, open OpenFunc) (backend.Port, error) {
	entry, err := c.get(ctx, key, open, false)
	if err != nil {
		return nil, err
	}

	return entry.port, nil
}

// Acquire returns the port for key pinned until release is called. A pinned
// port is never evicted, and invalidating it defers the close to the last
// release. The cache may hold more than its maximum while pins are held.
func (c *Handles) Acquire(ctx context.Context, key string, open OpenFunc) (backend.Port, func(), error) {
	entry, err := c.get(ctx, key, open, true)
	if err != nil {
		return nil, nil, err
	}

	var once sync.Once

	return entry.port, func() { once.Do(func() { c.release(entry) }) }, nil
}

func (c *Handles) get(ctx context.Context, key string, open OpenFunc, pin bool) (*handleEntry, error) {
	entry, ok := c.lookup(key, pin)
	if c.OnLookup != nil {
		c.OnLookup(ctx, ok)
	}

	if ok {
		return entry, nil
	}

	port, err := open(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()

	if existing, ok := c.entries[key]; ok {
		// Lost a race with a concurrent opener; keep the first handle.
		c.moveToFront(existing)

		if pin {
			existing.pins++
		}

		c.mu.Unlock()
		c.closePort(key, port)

		return existing, nil
	}

	entry = &handleEntry{key: key, port: port}
	if pin {
		entry.pins = 1
	}

	c.entries[key] = entry
	c.addToFront(entry)

	victims := c.evict()

	c.mu.Unlock()

	for _, victim := range victims {
		c.evictions.Add(1)
		c.closePort(victim.key, victim.port)
	}

	return entry, nil
}

// evict unlinks least recently used unpinned entries until the cache fits.
func (c *Handles) evict() []*handleEntry {
	var victims []*handleEntry

	for victim := c.tail; len(c.entries) > c.max && victim != nil; {
		prev := victim.prev

		if victim.pins == 0 {
			c.removeFromList(victim)
			delete(c.entries, victim.key)
			victims = append(victims, victim)
		}

		victim = prev
	}

	return victims
}

func (c *Handles) release(entry *handleEntry) {
	c.mu.Lock()

	entry.pins--
	closeNow := entry.pins == 0 && entry.detached

	var victims []*handleEntry
	if entry.pins == 0 && !entry.detached {
		victims = c.evict()
	}

	c.mu.Unlock()

	if closeNow {
		c.closePort(entry.key, entry.port)
	}

	for _, victim := range victims {
		c.evictions.Add(1)
		c.closePort(victim.key, victim.port)
	}
}

// Put installs port under key, closing any handle it replaces.
func (c *Handles) Put(key string, port backend.Port) {
	c.Invalidate(key)

	_, _ = c.Get(context.Background(), key, func(context.Context) (backend.Port, error) { return port, nil })
}

// Invalidate forgets the handle for key, if any, and closes it once no
// caller holds it pinned.
func (c *Handles) Invalidate(key string) {
	c.mu.Lock()

	entry, ok := c.entries[key]
	if ok {
		c.removeFromList(entry)
		delete(c.entries, key)
		entry.detached = true
	}

	closeNow := ok && entry.pins == 0

	c.mu.Unlock()

	if closeNow {
		c.closePort(key, entry.port)
	}
}

// Close closes every cached handle. Pinned handles close on their last
// release.
func (c *Handles) Close() error {
	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[string]*handleEntry)
	c.head = nil
	c.tail = nil

	var unpinned []*handleEntry

	for _, entry := range entries {
		entry.detached = true

		if entry.pins == 0 {
			unpinned = append(unpinned, entry)
		}
	}

	c.mu.Unlock()

	var errs []error

	for _, entry := range unpinned {
		if err := entry.port.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Stats returns cache statistics.
func (c *Handles) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Entries:   len(c.entries),
		Max:       c.max,
	}
}

// Stats holds cache counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Entries   int
	Max       int
}

// HitRate returns the cache hit rate (0.0 to 1.0).
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0.0
	}

	return float64(s.Hits) / float64(total)
}

func (c *Handles) lookup(key string, pin bool) (*handleEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)

		return nil, false
	}

	c.hits.Add(1)
	c.moveToFront(entry)

	if pin {
		entry.pins++
	}

	return entry, true
}

func (c *Handles) closePort(key string, port backend.Port) {
	if err := port.Close(); err != nil {
		c.logger.Warn("close backend handle", "repository", key, "error", err)
	}
}

func (c *Handles) moveToFront(entry *handleEntry) {
	if entry == c.head {
		return
	}

	c.removeFromList(entry)
	c.addToFront(entry)
}

func (c *Handles) addToFront(entry *handleEntry) {
	entry.prev = nil
	entry.next = c.head

	if c.head != nil {
		c.head.prev = entry
	}

	c.head = entry

	if c.tail == nil {
		c.tail = entry
	}
}

func (c *Handles) removeFromList(entry *handleEntry) {
	if entry.prev != nil {
		entry.prev.next = entry.next
	} else {
		c.head = entry.next
	}

	if entry.next != nil {
		entry.next.prev = entry.prev
	} else {
		c.tail = entry.prev
	}

	entry.prev = nil
	entry.next = nil
}
