// Package session implements the short-lived per-execution capability
// tokens handed out around a sandbox run. A token is minted strictly before
// the sandbox is spawned, carries the allowlist the sandbox's reverse calls
// are bound to, and is invalidated strictly after the sandbox exits.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// DefaultCapacity is the maximum number of live sessions retained before
	// the least-recently-used entry is evicted.
	DefaultCapacity = 10_000
	// DefaultTTL is how long a session remains valid after creation.
	DefaultTTL = time.Hour
	// tokenBytes yields a 128-bit token, comfortably above the 122-bit
	// minimum entropy the session token is required to carry.
	tokenBytes = 16
)

// Token is an opaque, high-entropy session identifier.
type Token string

// Session is the record bound to a Token: the allowlist patterns the
// sandbox's reverse calls are restricted to, and when it was minted.
type Session struct {
	Token        Token
	AllowedTools []string
	CreatedAt    time.Time
}

// Store is an LRU-with-TTL session table. Safe for concurrent use.
type Store struct {
	cache *expirable.LRU[Token, *Session]
}

// Option configures a Store.
type Option func(*storeConfig)

type storeConfig struct {
	capacity int
	ttl      time.Duration
}

// WithCapacity overrides the default maximum number of live sessions.
func WithCapacity(capacity int) Option {
	return func(c *storeConfig) { c.capacity = capacity }
}

// WithTTL overrides the default session lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *storeConfig) { c.ttl = ttl }
}

// New constructs a Store with capacity 10,000 and a one-hour TTL unless
// overridden.
func New(opts ...Option) *Store {
	cfg := storeConfig{capacity: DefaultCapacity, ttl: DefaultTTL}
	for _, o := range opts {
		o(&cfg)
	}
	return &Store{cache: expirable.NewLRU[Token, *Session](cfg.capacity, nil, cfg.ttl)}
}

// Create mints a new session bound to allowedTools and stores it, returning
// the freshly generated token. allowedTools is stored as given; a nil slice
// means the session carries no tool restriction.
func (s *Store) Create(allowedTools []string) (Token, error) {
	tok, err := newToken()
	if err != nil {
		return "", err
	}
	sess := &Session{
		Token:        tok,
		AllowedTools: allowedTools,
		CreatedAt:    time.Now(),
	}
	s.cache.Add(tok, sess)
	return tok, nil
}

// Get returns the session bound to token, if it exists and has not expired.
func (s *Store) Get(token Token) (*Session, bool) {
	return s.cache.Get(token)
}

// Invalidate removes token from the store unconditionally. Invalidating an
// unknown or already-expired token is a no-op.
func (s *Store) Invalidate(token Token) {
	s.cache.Remove(token)
}

// Len reports the number of live (non-expired) sessions.
func (s *Store) Len() int {
	return s.cache.Len()
}

func newToken() (Token, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return Token(base64.RawURLEncoding.EncodeToString(buf)), nil
}
