package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyFunc derives the deduplication key for a message. Returning "" disables
// deduplication for that message. Reservation consumers key on the reservation
// ID plus the terminal status so broker redelivery never repeats a side effect.
type KeyFunc func(msg *Message) string

// IdempotencyStore is the interface for checking and storing processed message keys.
// Implementations must be safe for concurrent use.
type IdempotencyStore interface {
	// Contains returns true if the key has already been processed.
	Contains(ctx context.Context, key string) (bool, error)
	// Add marks a key as processed. It should be called after successful processing.
	Add(ctx context.Context, key string) error
}

// MemoryIdempotencyStore is an in-memory implementation of IdempotencyStore.
// Suitable for development and single-instance deployments. Entries expire
// after the configured TTL to bound memory usage.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]time.Time
	ttl     time.Duration
}

// NewMemoryIdempotencyStore creates a new in-memory idempotency store with the
// given TTL. Expired entries are lazily cleaned up on access.
func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]time.Time),
		ttl:     ttl,
	}
}

// Contains checks if the key exists and is not expired.
func (s *MemoryIdempotencyStore) Contains(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	ts, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return false, nil
	}

	// Lazily expire old entries.
	if time.Since(ts) > s.ttl {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return false, nil
	}

	return true, nil
}

// Add marks the key as processed with the current timestamp.
func (s *MemoryIdempotencyStore) Add(_ context.Context, key string) error {
	s.mu.Lock()
	s.entries[key] = time.Now()
	s.mu.Unlock()
	return nil
}

// Len returns the number of entries in the store (including potentially expired ones).
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// RedisIdempotencyStore is a Redis-backed implementation of IdempotencyStore.
// Keys are shared by every instance in the consumer group, so a redelivery
// after a rebalance is still recognized as a duplicate. Entries expire with
// the configured TTL.
type RedisIdempotencyStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisIdempotencyStore creates a Redis-backed idempotency store. All keys
// are namespaced under the given prefix.
func NewRedisIdempotencyStore(client *redis.Client, prefix string, ttl time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (s *RedisIdempotencyStore) key(k string) string {
	return s.prefix + ":" + k
}

// Contains reports whether the key has been processed.
func (s *RedisIdempotencyStore) Contains(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency contains %s: %w", key, err)
	}
	return n > 0, nil
}

// Add marks the key as processed with the store's TTL.
func (s *RedisIdempotencyStore) Add(ctx context.Context, key string) error {
	if err := s.client.Set(ctx, s.key(key), "1", s.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency add %s: %w", key, err)
	}
	return nil
}

// IdempotentHandler wraps a Handler with deduplication. If the key derived by
// keyFn has already been processed (according to the store), the message is
// skipped and nil is returned. Delivery is at-least-once, so this is the
// consumer-side guard against duplicate side effects.
func IdempotentHandler(store IdempotencyStore, keyFn KeyFunc, inner Handler, logger *slog.Logger) Handler {
	return func(ctx context.Context, msg *Message) error {
		key := keyFn(msg)
		if key == "" {
			return inner(ctx, msg)
		}

		exists, err := store.Contains(ctx, key)
		if err != nil {
			logger.Warn("idempotency store lookup failed, processing anyway",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
			// On store failure, process the message rather than risk data loss.
			return inner(ctx, msg)
		}

		if exists {
			ConsumerMessagesDuplicate.WithLabelValues(Topic(msg.Type), "").Inc()
			logger.Debug("skipping duplicate message",
				slog.String("key", key),
				slog.String("routing_key", msg.Type),
			)
			return nil
		}

		if err := inner(ctx, msg); err != nil {
			return err
		}

		// Mark as processed only after successful handling.
		if addErr := store.Add(ctx, key); addErr != nil {
			logger.Warn("failed to record key in idempotency store",
				slog.String("key", key),
				slog.String("error", addErr.Error()),
			)
		}

		return nil
	}
}
