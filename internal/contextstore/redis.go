package contextstore

import (
	"context"

	r "gopkg.in/redis.v5"
)

const prefix = "_COMPANION_"

// RedisStore implements Store on a Redis instance. TTLs are enforced by
// Redis itself; Clear scans the conversation's memory slots by key pattern.
type RedisStore struct {
	client *r.Client
}

// NewRedisStore connects to the Redis instance described by url
// (e.g. redis://host:6379/0).
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := r.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: r.NewClient(opts)}, nil
}

func (s *RedisStore) get(key string) (string, error) {
	v, err := s.client.Get(prefix + key).Result()
	if err == r.Nil {
		return "", ErrNotCached
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

func (s *RedisStore) Summary(_ context.Context, conversationID string) (string, error) {
	return s.get(summaryKey(conversationID))
}

func (s *RedisStore) SetSummary(_ context.Context, conversationID, summary string) error {
	return s.client.Set(prefix+summaryKey(conversationID), summary, SummaryTTL).Err()
}

func (s *RedisStore) SetSnapshot(_ context.Context, conversationID, snapshot string) error {
	return s.client.Set(prefix+contextKey(conversationID), snapshot, SnapshotTTL).Err()
}

func (s *RedisStore) Memory(_ context.Context, conversationID, key string) (string, error) {
	return s.get(memoryKey(conversationID, key))
}

func (s *RedisStore) SetMemory(_ context.Context, conversationID, key, value string) error {
	return s.client.Set(prefix+memoryKey(conversationID, key), value, MemoryTTL).Err()
}

func (s *RedisStore) Clear(_ context.Context, conversationID string) error {
	keys := []string{
		prefix + summaryKey(conversationID),
		prefix + contextKey(conversationID),
	}
	slots, err := s.client.Keys(prefix + contextKey(conversationID) + ":memory:*").Result()
	if err != nil {
		return err
	}
	keys = append(keys, slots...)
	return s.client.Del(keys...).Err()
}
