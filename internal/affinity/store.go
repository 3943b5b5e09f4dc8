package affinity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/irfndi/optiroute/internal/models"
	"github.com/redis/go-redis/v9"
)

// Store persists session state per (session, entity type) pair.
type Store interface {
	Get(ctx context.Context, sessionID string, entity models.EntityType) (*models.SessionState, bool, error)
	Put(ctx context.Context, state *models.SessionState, ttl time.Duration) error
	Delete(ctx context.Context, sessionID string, entity models.EntityType) error
}

func stateKey(sessionID string, entity models.EntityType) string {
	return string(entity) + ":" + sessionID
}

// MemoryStore is a bounded in-process store. Entries are evicted by LRU
// order and by their TTL.
type MemoryStore struct {
	cache *lru.Cache[string, memoryEntry]
	now   func() time.Time
}

type memoryEntry struct {
	state     models.SessionState
	expiresAt time.Time
}

// NewMemoryStore creates a store holding up to size sessions.
func NewMemoryStore(size int) (*MemoryStore, error) {
	if size <= 0 {
		size = 10000
	}
	cache, err := lru.New[string, memoryEntry](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create session lru: %w", err)
	}
	return &MemoryStore{cache: cache, now: time.Now}, nil
}

func (s *MemoryStore) Get(_ context.Context, sessionID string, entity models.EntityType) (*models.SessionState, bool, error) {
	key := stateKey(sessionID, entity)
	entry, ok := s.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && s.now().After(entry.expiresAt) {
		s.cache.Remove(key)
		return nil, false, nil
	}
	state := entry.state
	return &state, true, nil
}

func (s *MemoryStore) Put(_ context.Context, state *models.SessionState, ttl time.Duration) error {
	if state == nil {
		return errors.New("session state is nil")
	}
	entry := memoryEntry{state: *state}
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}
	s.cache.Add(stateKey(state.SessionID, state.EntityType), entry)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, sessionID string, entity models.EntityType) error {
	s.cache.Remove(stateKey(sessionID, entity))
	return nil
}

// Len returns the number of cached sessions, including expired ones not yet evicted.
func (s *MemoryStore) Len() int {
	return s.cache.Len()
}

// RedisStore keeps session state as JSON documents that expire with the session.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps a connected client. An empty prefix defaults to "affinity".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "affinity"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(sessionID string, entity models.EntityType) string {
	return s.prefix + ":" + stateKey(sessionID, entity)
}

func (s *RedisStore) Get(ctx context.Context, sessionID string, entity models.EntityType) (*models.SessionState, bool, error) {
	data, err := s.client.Get(ctx, s.key(sessionID, entity)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read session state: %w", err)
	}

	var state models.SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, false, fmt.Errorf("failed to decode session state: %w", err)
	}
	return &state, true, nil
}

func (s *RedisStore) Put(ctx context.Context, state *models.SessionState, ttl time.Duration) error {
	if state == nil {
		return errors.New("session state is nil")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode session state: %w", err)
	}
	if err := s.client.Set(ctx, s.key(state.SessionID, state.EntityType), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write session state: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string, entity models.EntityType) error {
	return s.client.Del(ctx, s.key(sessionID, entity)).Err()
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)
