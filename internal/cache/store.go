package cache

import (
	"container/list"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Store is a thread-safe TTL cache of completed read results, bounded by
// entry count with least-recently-used eviction.
type Store struct {
	mu        sync.Mutex
	items     map[string]*cacheItem
	evictList *list.List

	// Configuration
	config Config
	now    func() time.Time

	// Statistics
	stats Stats

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Config represents cache configuration
type Config struct {
	Enabled         bool          `yaml:"enabled"`
	TTL             time.Duration `yaml:"ttl"`
	MaxEntries      int           `yaml:"max_entries"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// Stats holds cache counters.
type Stats struct {
	Hits          uint64  `json:"hits"`
	Misses        uint64  `json:"misses"`
	Evictions     uint64  `json:"evictions"`
	Expirations   uint64  `json:"expirations"`
	Invalidations uint64  `json:"invalidations"`
	Entries       int     `json:"entries"`
	HitRate       float64 `json:"hit_rate"`
}

type cacheItem struct {
	key      string
	data     []byte
	storedAt time.Time
	element  *list.Element
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the wall clock used for TTL decisions.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		TTL:        5 * time.Minute,
		MaxEntries: 1000,
	}
}

// New creates a new cache store. A background sweep of stale entries runs
// only when CleanupInterval is positive; Close stops it.
func New(config *Config, opts ...Option) *Store {
	if config == nil {
		defaults := DefaultConfig()
		config = &defaults
	}

	s := &Store{
		items:     make(map[string]*cacheItem),
		evictList: list.New(),
		config:    *config,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.config.Enabled && s.config.CleanupInterval > 0 {
		s.wg.Add(1)
		go s.cleanupExpired()
	}

	return s
}

// Enabled reports whether the store accepts writes.
func (s *Store) Enabled() bool {
	return s.config.Enabled
}

// TTL returns the configured time-to-live.
func (s *Store) TTL() time.Duration {
	return s.config.TTL
}

// Get returns a copy of the data stored under key. Stale entries are
// removed and reported as a miss.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, exists := s.items[key]
	if !exists {
		s.stats.Misses++
		s.updateHitRate()
		return nil, false
	}

	if s.isExpired(item) {
		s.removeItem(item)
		s.stats.Expirations++
		s.stats.Misses++
		s.updateHitRate()
		return nil, false
	}

	s.evictList.MoveToFront(item.element)
	s.stats.Hits++
	s.updateHitRate()

	result := make([]byte, len(item.data))
	copy(result, item.data)
	return result, true
}

// Set stores a copy of data under key, stamped with the current time.
// It is a no-op when the cache is disabled.
func (s *Store) Set(key string, data []byte) {
	if !s.config.Enabled {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make([]byte, len(data))
	copy(stored, data)

	if item, exists := s.items[key]; exists {
		item.data = stored
		item.storedAt = s.now()
		s.evictList.MoveToFront(item.element)
		return
	}

	item := &cacheItem{
		key:      key,
		data:     stored,
		storedAt: s.now(),
	}
	item.element = s.evictList.PushFront(item)
	s.items[key] = item

	s.evictIfNeeded()
}

// Delete removes the entry stored under exactly key.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, exists := s.items[key]
	if !exists {
		return false
	}
	s.removeItem(item)
	s.stats.Invalidations++
	return true
}

// Invalidate removes every entry whose key contains pattern and returns the
// number removed. An empty pattern clears the store.
func (s *Store) Invalidate(pattern string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*cacheItem
	for key, item := range s.items {
		if pattern == "" || strings.Contains(key, pattern) {
			matched = append(matched, item)
		}
	}

	for _, item := range matched {
		s.removeItem(item)
	}
	s.stats.Invalidations += uint64(len(matched))
	return len(matched)
}

// Len returns the number of stored entries, stale ones included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Stats returns cache statistics
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.stats
	stats.Entries = len(s.items)
	return stats
}

// Close stops the background sweep, if any.
func (s *Store) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

// Key derives a deterministic cache key from a resource, an operation and its
// parameters. Parameters are encoded sorted by name so insertion order never
// changes the key.
func Key(resource, operation string, params map[string]string) string {
	key := resource + ":" + operation
	if len(params) == 0 {
		return key
	}

	values := make(url.Values, len(params))
	for name, value := range params {
		values.Set(name, value)
	}
	return key + ":" + values.Encode()
}

// Prefix returns the key prefix shared by every entry of an operation.
func Prefix(resource, operation string) string {
	return resource + ":" + operation
}

// Helper methods

func (s *Store) isExpired(item *cacheItem) bool {
	if s.config.TTL <= 0 {
		return false
	}
	return s.now().Sub(item.storedAt) > s.config.TTL
}

func (s *Store) removeItem(item *cacheItem) {
	if item.element != nil {
		s.evictList.Remove(item.element)
	}
	delete(s.items, item.key)
}

func (s *Store) evictIfNeeded() {
	if s.config.MaxEntries <= 0 {
		return
	}
	for len(s.items) > s.config.MaxEntries && s.evictList.Len() > 0 {
		element := s.evictList.Back()
		s.removeItem(element.Value.(*cacheItem))
		s.stats.Evictions++
	}
}

func (s *Store) updateHitRate() {
	total := s.stats.Hits + s.stats.Misses
	if total > 0 {
		s.stats.HitRate = float64(s.stats.Hits) / float64(total)
	}
}

func (s *Store) cleanupExpired() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Store) sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*cacheItem
	for _, item := range s.items {
		if s.isExpired(item) {
			expired = append(expired, item)
		}
	}
	for _, item := range expired {
		s.removeItem(item)
	}
	s.stats.Expirations += uint64(len(expired))
	return len(expired)
}
