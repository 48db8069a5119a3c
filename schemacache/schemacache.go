// Package schemacache caches upstream tool schemas and their compiled JSON
// Schema validators. Schema lists live in an LRU-with-TTL store keyed on the
// upstream id; compiled validators live in a plain map keyed on upstream id
// and tool name, with no size bound or TTL, and are dropped only by
// Invalidate or Clear.
package schemacache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	// DefaultCapacity is the maximum number of upstreams whose schemas are
	// cached simultaneously.
	DefaultCapacity = 1_000
	// DefaultTTL is how long a cached schema list remains valid without a
	// refresh.
	DefaultTTL = time.Hour
)

// ToolSchema describes a single tool's wire contract, as reported by an
// upstream.
type ToolSchema struct {
	Name        string
	Description string
	InputSchema []byte // optional raw JSON Schema fragment; nil if absent
}

// Store caches the tool schema list for each upstream id. Safe for
// concurrent use.
type Store struct {
	cache *expirable.LRU[string, []ToolSchema]
	hits  atomic.Int64
	miss  atomic.Int64

	validatorMu sync.Mutex
	validators  map[string]*jsonschema.Schema // key: upstreamID + "\x00" + toolName
}

// Option configures a Store.
type Option func(*storeConfig)

type storeConfig struct {
	capacity int
	ttl      time.Duration
}

// WithCapacity overrides the default maximum number of cached upstreams.
func WithCapacity(capacity int) Option {
	return func(c *storeConfig) { c.capacity = capacity }
}

// WithTTL overrides the default cache entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *storeConfig) { c.ttl = ttl }
}

// New constructs a Store with capacity 1,000 and a one-hour TTL unless
// overridden.
func New(opts ...Option) *Store {
	cfg := storeConfig{capacity: DefaultCapacity, ttl: DefaultTTL}
	for _, o := range opts {
		o(&cfg)
	}
	return &Store{
		cache:      expirable.NewLRU[string, []ToolSchema](cfg.capacity, nil, cfg.ttl),
		validators: make(map[string]*jsonschema.Schema),
	}
}

// Get returns the cached schema list for upstreamID, counting the lookup as
// a hit or a miss.
func (s *Store) Get(upstreamID string) ([]ToolSchema, bool) {
	schemas, ok := s.cache.Get(upstreamID)
	if ok {
		s.hits.Add(1)
	} else {
		s.miss.Add(1)
	}
	return schemas, ok
}

// Set stores schemas for upstreamID, replacing any prior entry.
func (s *Store) Set(upstreamID string, schemas []ToolSchema) {
	s.cache.Add(upstreamID, schemas)
}

// Invalidate removes the cached entry for upstreamID, if any. Called on
// upstream-timeout error codes so a stale schema doesn't outlive a
// misbehaving upstream.
func (s *Store) Invalidate(upstreamID string) {
	s.cache.Remove(upstreamID)

	prefix := upstreamID + "\x00"
	s.validatorMu.Lock()
	for key := range s.validators {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(s.validators, key)
		}
	}
	s.validatorMu.Unlock()
}

// Clear empties the store entirely.
func (s *Store) Clear() {
	s.cache.Purge()

	s.validatorMu.Lock()
	s.validators = make(map[string]*jsonschema.Schema)
	s.validatorMu.Unlock()
}

// Stats reports cumulative hit and miss counts since construction.
type Stats struct {
	Hits   int64
	Misses int64
}

// Stats returns the current hit/miss counters.
func (s *Store) Stats() Stats {
	return Stats{Hits: s.hits.Load(), Misses: s.miss.Load()}
}
