package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("credential not found")

type Store interface {
	Get(ctx context.Context, key string) (Credential, error)
	Set(ctx context.Context, key string, cred Credential, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Credential
	now     func() time.Time
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		entries: make(map[string]Credential),
		now:     now,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.entries[key]
	if !ok {
		return Credential{}, ErrNotFound
	}
	if !s.now().Before(c.ExpiresAt) {
		delete(s.entries, key)
		return Credential{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, cred Credential, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred.ExpiresAt = s.now().Add(ttl)
	s.entries[key] = cred
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// RedisStore keeps credentials in Redis so every process behind the same
// instance shares one acquisition. Expiry is delegated to key TTLs.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "pricewatch:credential:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Get(ctx context.Context, key string) (Credential, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, fmt.Errorf("failed to read credential %s: %w", key, err)
	}

	var c Credential
	if err := json.Unmarshal(data, &c); err != nil {
		return Credential{}, fmt.Errorf("failed to decode credential %s: %w", key, err)
	}
	return c, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, cred Credential, ttl time.Duration) error {
	cred.ExpiresAt = time.Now().Add(ttl)
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store credential %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}
