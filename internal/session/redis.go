package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "session:"

// maxUpdateRetries bounds the optimistic concurrency loop in Update
const maxUpdateRetries = 5

// RedisStore persists call sessions in Redis with a TTL per key
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisStore(client *redis.Client, logger *zap.Logger) *RedisStore {
	return &RedisStore{client: client, logger: logger}
}

func sessionKey(callID string) string {
	return keyPrefix + callID
}

func (s *RedisStore) Get(ctx context.Context, callID string) (*CallSession, error) {
	data, err := s.client.Get(ctx, sessionKey(callID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session CallSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &session, nil
}

func (s *RedisStore) Put(ctx context.Context, session *CallSession, ttl time.Duration) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := s.client.Set(ctx, sessionKey(session.CallID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// Update runs fn inside a WATCH transaction so concurrent updates of the
// same session retry instead of overwriting each other.
func (s *RedisStore) Update(ctx context.Context, callID string, ttl time.Duration, fn func(*CallSession) error) (*CallSession, error) {
	key := sessionKey(callID)
	var updated *CallSession

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get session: %w", err)
		}

		var session CallSession
		if err := json.Unmarshal(data, &session); err != nil {
			return fmt.Errorf("failed to decode session: %w", err)
		}

		if err := fn(&session); err != nil {
			return err
		}
		session.LastActivity = time.Now()

		encoded, err := json.Marshal(&session)
		if err != nil {
			return fmt.Errorf("failed to encode session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, ttl)
			return nil
		})
		if err != nil {
			return err
		}
		updated = &session
		return nil
	}

	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		err := s.client.Watch(ctx, txn, key)
		if err == nil {
			return updated, nil
		}
		if err == redis.TxFailedErr {
			s.logger.Debug("Session update conflict, retrying",
				zap.String("call_id", callID),
				zap.Int("attempt", attempt+1),
			)
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("session update failed after %d conflicts", maxUpdateRetries)
}

func (s *RedisStore) Delete(ctx context.Context, callID string) error {
	if err := s.client.Del(ctx, sessionKey(callID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// ListActive scans for live session keys. SCAN keeps this safe on shared
// Redis instances; the result set is small (one key per active call).
func (s *RedisStore) ListActive(ctx context.Context) ([]*CallSession, error) {
	var sessions []*CallSession

	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get session %s: %w", iter.Val(), err)
		}
		var session CallSession
		if err := json.Unmarshal(data, &session); err != nil {
			s.logger.Warn("Skipping undecodable session", zap.String("key", iter.Val()), zap.Error(err))
			continue
		}
		sessions = append(sessions, &session)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("session scan failed: %w", err)
	}
	return sessions, nil
}
