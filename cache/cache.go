// Package cache holds the latest known value of every telemetry key.
//
// A value can be stored under three key forms at the same time: the bare
// path (own vessel), the context qualified key `<context>.<path>` and the
// source qualified key `<path>@<source>`. The last write per key wins.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dratasich/signalk-go-client-sdk/events"
)

const (
	// PruneInterval between two pruning sweeps
	PruneInterval = 5 * time.Minute
	// VesselMaxAge of entries of other vessels (AIS)
	VesselMaxAge = 10 * time.Minute
	// MaxAge of all other entries which are neither own vessel nor required
	MaxAge = 15 * time.Minute
)

// DataPoint is the last known value of one path (of one source and context)
type DataPoint struct {
	Path    string
	Context string
	Source  string
	Value   events.Value
	// time of measurement
	Timestamp time.Time

	// display value, set if the server delivered a converted value
	Converted  *float64
	Formatted  string
	UnitSymbol string
	// raw value before conversion
	Original events.Value
	// populated by a bulk snapshot request instead of a live delta
	FromSnapshotLoad bool
}

// Metrics observes cache mutations
type Metrics interface {
	SetCacheSize(n int)
	AddPruned(n int)
}

// Cache of data points
type Cache struct {
	mu       sync.RWMutex
	entries  map[string]DataPoint
	required map[string]struct{}
	self     string
	// read-only copy handed out by Snapshot, nil after any mutation
	snapshot map[string]DataPoint

	now     func() time.Time
	metrics Metrics
}

type Option func(*Cache)

// WithClock replaces time.Now (tests)
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func WithMetrics(m Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

func New(opts ...Option) *Cache {
	c := &Cache{
		entries:  make(map[string]DataPoint),
		required: make(map[string]struct{}),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ContextKey of a path of another vessel, e.g. `vessels.urn:mrn:imo:mmsi:230099999.navigation.position`
func ContextKey(context, path string) string {
	return context + "." + path
}

// SourceKey of a path reported by a specific source, e.g. `navigation.speedOverGround@n2k.1`
func SourceKey(path, source string) string {
	return path + "@" + source
}

// SetSelf sets the context of the own vessel as announced by the server
func (c *Cache) SetSelf(context string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.self = context
}

// Self returns the context of the own vessel, if known
func (c *Cache) Self() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.self
}

// IsSelf reports whether a context denotes the own vessel
func (c *Cache) IsSelf(context string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isSelf(context)
}

func (c *Cache) isSelf(context string) bool {
	return context == "" || context == events.ContextSelf || (c.self != "" && context == c.self)
}

// SetRequired replaces the set of paths which must never be pruned
func (c *Cache) SetRequired(paths []string) {
	required := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		required[p] = struct{}{}
	}
	c.mu.Lock()
	c.required = required
	c.mu.Unlock()
}

// Put stores a data point under the given key
func (c *Cache) Put(key string, p DataPoint) {
	c.mu.Lock()
	c.entries[key] = p
	c.snapshot = nil
	n := len(c.entries)
	c.mu.Unlock()
	c.observeSize(n)
}

// Store stores a data point under all of its key forms
//
// Own vessel values are stored under the bare path, the self context key
// (if the self context is known) and the source key. Values of other
// vessels under their context key and context+source key only.
func (c *Cache) Store(p DataPoint) {
	if p.Timestamp.IsZero() {
		p.Timestamp = c.now()
	}
	c.mu.Lock()
	for _, key := range c.keys(p) {
		c.entries[key] = p
	}
	c.snapshot = nil
	n := len(c.entries)
	c.mu.Unlock()
	c.observeSize(n)
}

func (c *Cache) keys(p DataPoint) []string {
	if c.isSelf(p.Context) {
		keys := []string{p.Path}
		if c.self != "" {
			keys = append(keys, ContextKey(c.self, p.Path))
		}
		if p.Source != "" {
			keys = append(keys, SourceKey(p.Path, p.Source))
		}
		return keys
	}
	keys := []string{ContextKey(p.Context, p.Path)}
	if p.Source != "" {
		keys = append(keys, SourceKey(ContextKey(p.Context, p.Path), p.Source))
	}
	return keys
}

// Get returns the value of an own vessel path, optionally of a specific source
func (c *Cache) Get(path, source string) (DataPoint, bool) {
	key := path
	if source != "" {
		key = SourceKey(path, source)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.entries[key]
	return p, ok
}

// GetContext returns the value of a path of the given vessel context
func (c *Cache) GetContext(context, path string) (DataPoint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.isSelf(context) {
		p, ok := c.entries[path]
		return p, ok
	}
	p, ok := c.entries[ContextKey(context, path)]
	return p, ok
}

// IsFresh reports whether the value is younger than ttl
//
// Without ttl (ttl <= 0) freshness is not checked and IsFresh is always true.
func (c *Cache) IsFresh(path, source string, ttl time.Duration) bool {
	if ttl <= 0 {
		return true
	}
	p, ok := c.Get(path, source)
	if !ok {
		return false
	}
	return c.now().Sub(p.Timestamp) <= ttl
}

// Delete removes a single key
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	if _, ok := c.entries[key]; ok {
		delete(c.entries, key)
		c.snapshot = nil
	}
	n := len(c.entries)
	c.mu.Unlock()
	c.observeSize(n)
}

// Clear removes all entries and forgets the self context
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]DataPoint)
	c.snapshot = nil
	c.self = ""
	c.mu.Unlock()
	c.observeSize(0)
}

// Len returns the number of keys
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Snapshot returns a read-only view of all entries
//
// The returned map must not be modified. It is not updated by later
// mutations; call Snapshot again to observe them.
func (c *Cache) Snapshot() map[string]DataPoint {
	c.mu.RLock()
	snap := c.snapshot
	c.mu.RUnlock()
	if snap != nil {
		return snap
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshot == nil {
		c.snapshot = make(map[string]DataPoint, len(c.entries))
		for k, v := range c.entries {
			c.snapshot[k] = v
		}
	}
	return c.snapshot
}

// Vessels returns the contexts of all other vessels in the cache
func (c *Cache) Vessels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, p := range c.entries {
		if c.isSelf(p.Context) {
			continue
		}
		if _, ok := seen[p.Context]; ok {
			continue
		}
		seen[p.Context] = struct{}{}
		out = append(out, p.Context)
	}
	return out
}

// Prune removes stale entries and returns how many were removed
//
// Own vessel entries and entries stored under a required key are kept
// regardless of age. Entries of other vessels are removed after
// VesselMaxAge, everything else after MaxAge.
func (c *Cache) Prune() int {
	now := c.now()
	c.mu.Lock()
	removed := 0
	for key, p := range c.entries {
		if c.isSelf(p.Context) || c.isOwnKey(key) {
			continue
		}
		// required paths are own vessel paths, other vessels age out
		if _, ok := c.required[key]; ok {
			continue
		}
		maxAge := MaxAge
		if strings.HasPrefix(key, "vessels.") {
			maxAge = VesselMaxAge
		}
		if now.Sub(p.Timestamp) > maxAge {
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		c.snapshot = nil
	}
	n := len(c.entries)
	c.mu.Unlock()

	if removed > 0 {
		log.Debug().Msgf("Pruned %d stale cache entries, %d left", removed, n)
	}
	c.observeSize(n)
	if c.metrics != nil {
		c.metrics.AddPruned(removed)
	}
	return removed
}

func (c *Cache) isOwnKey(key string) bool {
	if strings.HasPrefix(key, events.ContextSelf+".") {
		return true
	}
	return c.self != "" && strings.HasPrefix(key, c.self+".")
}

// Run prunes the cache every PruneInterval until ctx is done
func (c *Cache) Run(ctx context.Context) {
	c.RunEvery(ctx, PruneInterval)
}

// RunEvery prunes the cache at the given interval until ctx is done
func (c *Cache) RunEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Prune()
		}
	}
}

func (c *Cache) observeSize(n int) {
	if c.metrics != nil {
		c.metrics.SetCacheSize(n)
	}
}
