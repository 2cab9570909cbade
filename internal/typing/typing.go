// Package typing holds advisory "user is typing" indicators. Entries expire
// on their own after a short TTL and are never kept as history.
package typing

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"chat-core/internal/models"

	"github.com/redis/go-redis/v9"
)

type Store interface {
	Set(ctx context.Context, roomID string, userID int) (models.TypingIndicator, error)
	Clear(ctx context.Context, roomID string, userID int) error
	Active(ctx context.Context, roomID string) ([]models.TypingIndicator, error)
}

// RedisStore keeps one key per (room, user) with a TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, ttl), nil
}

func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: "chat:typing:", ttl: ttl}
}

func (s *RedisStore) key(roomID string, userID int) string {
	return s.prefix + roomID + ":" + strconv.Itoa(userID)
}

func (s *RedisStore) Set(ctx context.Context, roomID string, userID int) (models.TypingIndicator, error) {
	ind := models.TypingIndicator{RoomID: roomID, UserID: userID, At: time.Now().UTC()}
	if err := s.client.Set(ctx, s.key(roomID, userID), ind.At.UnixMilli(), s.ttl).Err(); err != nil {
		return models.TypingIndicator{}, fmt.Errorf("set typing: %w", err)
	}
	return ind, nil
}

func (s *RedisStore) Clear(ctx context.Context, roomID string, userID int) error {
	if err := s.client.Del(ctx, s.key(roomID, userID)).Err(); err != nil {
		return fmt.Errorf("clear typing: %w", err)
	}
	return nil
}

func (s *RedisStore) Active(ctx context.Context, roomID string) ([]models.TypingIndicator, error) {
	roomPrefix := s.prefix + roomID + ":"
	var out []models.TypingIndicator

	iter := s.client.Scan(ctx, 0, roomPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		userID, err := strconv.Atoi(strings.TrimPrefix(key, roomPrefix))
		if err != nil {
			continue
		}
		ms, err := s.client.Get(ctx, key).Int64()
		if err == redis.Nil {
			// expired between SCAN and GET
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read typing: %w", err)
		}
		out = append(out, models.TypingIndicator{RoomID: roomID, UserID: userID, At: time.UnixMilli(ms).UTC()})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan typing: %w", err)
	}
	sortIndicators(out)
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// MemoryStore is the single-process fallback used when no Redis is configured.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]map[int]time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{ttl: ttl, now: time.Now, entries: make(map[string]map[int]time.Time)}
}

func (s *MemoryStore) Set(ctx context.Context, roomID string, userID int) (models.TypingIndicator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at := s.now().UTC()
	if s.entries[roomID] == nil {
		s.entries[roomID] = make(map[int]time.Time)
	}
	s.entries[roomID][userID] = at
	return models.TypingIndicator{RoomID: roomID, UserID: userID, At: at}, nil
}

func (s *MemoryStore) Clear(ctx context.Context, roomID string, userID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries[roomID], userID)
	return nil
}

func (s *MemoryStore) Active(ctx context.Context, roomID string) ([]models.TypingIndicator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-s.ttl)
	var out []models.TypingIndicator
	for userID, at := range s.entries[roomID] {
		if !at.After(cutoff) {
			delete(s.entries[roomID], userID)
			continue
		}
		out = append(out, models.TypingIndicator{RoomID: roomID, UserID: userID, At: at})
	}
	sortIndicators(out)
	return out, nil
}

func sortIndicators(in []models.TypingIndicator) {
	sort.Slice(in, func(i, j int) bool { return in[i].UserID < in[j].UserID })
}
