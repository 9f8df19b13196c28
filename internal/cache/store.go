// Package cache is the client's local cache: namespaced JSON envelopes with a
// per-entry TTL. It never returns errors to callers; failures are logged and
// read as misses.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
)

// DefaultTTL applies when Set is called with a non-positive ttl.
const DefaultTTL = 5 * time.Minute

// persistGrace keeps the raw key around a little longer than the envelope TTL
// so the expiry decision is always made by Get, which also evicts.
const persistGrace = time.Minute

// Envelope is the stored form of every entry.
type Envelope struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"` // unix ms at Set
	TTL       int64           `json:"ttl"`       // ms
}

// Expired reports whether the entry is past its TTL at now.
func (e Envelope) Expired(now time.Time) bool {
	return now.UnixMilli()-e.Timestamp > e.TTL
}

// Store is a namespaced, TTL-aware cache over a KV.
type Store struct {
	kv        KV
	namespace string
	logger    *zap.Logger
	now       func() time.Time
}

// NewStore creates a Store whose keys all start with namespace.
func NewStore(kv KV, namespace string, logger *zap.Logger) *Store {
	return &Store{
		kv:        kv,
		namespace: namespace,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock replaces the time source; used by tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Namespace returns the key prefix owned by this store.
func (s *Store) Namespace() string { return s.namespace }

func (s *Store) fullKey(key string) string { return s.namespace + key }

// Get decodes the entry at key into dest. It returns false for missing,
// expired or undecodable entries; the last two are removed.
func (s *Store) Get(ctx context.Context, key string, dest any) bool {
	raw, err := s.kv.Get(ctx, s.fullKey(key))
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			s.logger.Warn("Cache read failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}

	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		s.logger.Debug("Dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
		s.Remove(ctx, key)
		return false
	}
	if env.Expired(s.now()) {
		s.Remove(ctx, key)
		return false
	}
	if err := json.Unmarshal(env.Data, dest); err != nil {
		s.logger.Debug("Dropping cache entry with mismatched payload", zap.String("key", key), zap.Error(err))
		s.Remove(ctx, key)
		return false
	}
	return true
}

// Set stores value at key, overwriting any previous entry.
func (s *Store) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	data, err := json.Marshal(value)
	if err != nil {
		s.logger.Warn("Cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	env, err := json.Marshal(Envelope{
		Data:      data,
		Timestamp: s.now().UnixMilli(),
		TTL:       ttl.Milliseconds(),
	})
	if err != nil {
		s.logger.Warn("Cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := s.kv.Set(ctx, s.fullKey(key), string(env), ttl+persistGrace); err != nil {
		s.logger.Warn("Cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// Remove deletes key.
func (s *Store) Remove(ctx context.Context, key string) {
	if err := s.kv.Del(ctx, s.fullKey(key)); err != nil {
		s.logger.Warn("Cache remove failed", zap.String("key", key), zap.Error(err))
	}
}

// Clear deletes every key in this store's namespace and nothing else.
func (s *Store) Clear(ctx context.Context) {
	keys, err := s.kv.ScanKeys(ctx, s.namespace)
	if err != nil {
		s.logger.Warn("Cache scan failed", zap.String("namespace", s.namespace), zap.Error(err))
		return
	}
	if err := s.kv.Del(ctx, keys...); err != nil {
		s.logger.Warn("Cache clear failed", zap.String("namespace", s.namespace), zap.Error(err))
		return
	}
	s.logger.Debug("Cache cleared", zap.String("namespace", s.namespace), zap.Int("keys", len(keys)))
}

// Len counts the entries under the namespace, expired or not.
func (s *Store) Len(ctx context.Context) int {
	keys, err := s.kv.ScanKeys(ctx, s.namespace)
	if err != nil {
		return 0
	}
	return len(keys)
}
