package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Store for load-balanced deployments where idempotency
// state must be shared across processes. SET NX supplies the atomic
// insert-if-absent; the full record rides along as JSON in the same key.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a redis-backed store. ttl bounds how long records
// live in redis independent of ReapExpired; zero means the guard's TTL
// field alone governs reaping.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

type redisRecord struct {
	Status       Status    `json:"status"`
	RequestHash  string    `json:"requestHash"`
	ManifestHash string    `json:"manifestHash"`
	Response     []byte    `json:"response,omitempty"`
	ErrorCode    string    `json:"errorCode,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	TTLExpiresAt time.Time `json:"ttlExpiresAt"`
}

func (s *RedisStore) key(k string) string { return s.prefix + "idem:" + k }

func (s *RedisStore) InsertPending(ctx context.Context, rec *Record) error {
	payload, err := json.Marshal(redisRecord{
		Status:       StatusPending,
		RequestHash:  rec.RequestHash,
		ManifestHash: rec.ManifestHash,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
		TTLExpiresAt: rec.TTLExpiresAt,
	})
	if err != nil {
		return err
	}

	ok, err := s.client.SetNX(ctx, s.key(rec.Key), payload, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return ErrDuplicateKey
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var rr redisRecord
	if err := json.Unmarshal(raw, &rr); err != nil {
		return nil, fmt.Errorf("corrupt idempotency record %s: %w", key, err)
	}
	return &Record{
		Key:          key,
		Status:       rr.Status,
		RequestHash:  rr.RequestHash,
		ManifestHash: rr.ManifestHash,
		Response:     rr.Response,
		ErrorCode:    rr.ErrorCode,
		ErrorMessage: rr.ErrorMessage,
		CreatedAt:    rr.CreatedAt,
		UpdatedAt:    rr.UpdatedAt,
		TTLExpiresAt: rr.TTLExpiresAt,
	}, nil
}

func (s *RedisStore) MarkCompleted(ctx context.Context, key string, response []byte) error {
	return s.update(ctx, key, func(rr *redisRecord) {
		rr.Status = StatusCompleted
		rr.Response = response
		rr.UpdatedAt = time.Now()
	})
}

func (s *RedisStore) MarkFailed(ctx context.Context, key, code, message string) error {
	return s.update(ctx, key, func(rr *redisRecord) {
		rr.Status = StatusFailed
		rr.ErrorCode = code
		rr.ErrorMessage = message
		rr.UpdatedAt = time.Now()
	})
}

func (s *RedisStore) update(ctx context.Context, key string, mutate func(*redisRecord)) error {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis get: %w", err)
	}
	var rr redisRecord
	if err := json.Unmarshal(raw, &rr); err != nil {
		return fmt.Errorf("corrupt idempotency record %s: %w", key, err)
	}
	mutate(&rr)
	payload, err := json.Marshal(rr)
	if err != nil {
		return err
	}
	// KeepTTL preserves the expiry chosen at insert.
	return s.client.Set(ctx, s.key(key), payload, redis.KeepTTL).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

// ReapExpired scans for terminal records past their logical TTL. Redis key
// expiry already bounds growth; this pass exists so redis and SQL backends
// observe the same reaping semantics.
func (s *RedisStore) ReapExpired(ctx context.Context, now time.Time) (int64, error) {
	var reaped int64
	iter := s.client.Scan(ctx, 0, s.prefix+"idem:*", 200).Iterator()
	for iter.Next(ctx) {
		fullKey := iter.Val()
		raw, err := s.client.Get(ctx, fullKey).Bytes()
		if err != nil {
			continue
		}
		var rr redisRecord
		if err := json.Unmarshal(raw, &rr); err != nil {
			continue
		}
		if rr.Status != StatusPending && now.After(rr.TTLExpiresAt) {
			if s.client.Del(ctx, fullKey).Err() == nil {
				reaped++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return reaped, fmt.Errorf("redis scan: %w", err)
	}
	return reaped, nil
}

var _ Store = (*RedisStore)(nil)
