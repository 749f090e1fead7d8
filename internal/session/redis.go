package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const sessionKeyPrefix = "dontendero:checkout:"

// RedisStore keeps one JSON document per operator. Writes use WATCH/MULTI so
// a concurrent writer aborts the transaction instead of overwriting.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Load(ctx context.Context, orgID string, userID string) (*Session, error) {
	raw, err := s.client.Get(ctx, sessionKeyPrefix+key(orgID, userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, next *Session, prevVersion int64) error {
	k := sessionKeyPrefix + key(next.OrgID, next.UserID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		var stored int64
		raw, err := tx.Get(ctx, k).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var current Session
			if err := json.Unmarshal(raw, &current); err != nil {
				return err
			}
			stored = current.Version
		}
		if stored != prevVersion {
			return ErrSessionConflict
		}

		candidate := *next
		candidate.Version = prevVersion + 1
		payload, err := json.Marshal(candidate)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, payload, s.ttl)
			return nil
		})
		return err
	}, k)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrSessionConflict
	}
	if err != nil {
		return err
	}
	next.Version = prevVersion + 1
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, orgID string, userID string) error {
	return s.client.Del(ctx, sessionKeyPrefix+key(orgID, userID)).Err()
}
