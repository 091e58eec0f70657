package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the hot tier: recently touched caller state under a TTL, so
// mid-call reads never hit the cold store.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(addr string, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb: redis.NewClient(&redis.Options{Addr: addr}),
		ttl: ttl,
	}
}

func redisKey(callerID string) string { return "voiceline:caller:" + callerID }

func (s *RedisStore) Load(ctx context.Context, callerID string) (CallState, error) {
	payload, err := s.rdb.Get(ctx, redisKey(callerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return CallState{}, ErrNotFound
	}
	if err != nil {
		return CallState{}, fmt.Errorf("state: redis load %s: %w", callerID, err)
	}
	var st CallState
	if err := json.Unmarshal(payload, &st); err != nil {
		return CallState{}, fmt.Errorf("state: decode %s: %w", callerID, err)
	}
	return st, nil
}

func (s *RedisStore) Save(ctx context.Context, st CallState) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("state: encode %s: %w", st.CallerID, err)
	}
	if err := s.rdb.Set(ctx, redisKey(st.CallerID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("state: redis save %s: %w", st.CallerID, err)
	}
	return nil
}

// AppendTurn reads, extends, and rewrites the record. The rewrite refreshes
// the TTL, which is what we want mid-call.
func (s *RedisStore) AppendTurn(ctx context.Context, callerID string, entry TranscriptEntry) error {
	st, err := s.Load(ctx, callerID)
	if err != nil {
		return err
	}
	st.Transcript = append(st.Transcript, entry)
	st.UpdatedAt = time.Now().UTC()
	return s.Save(ctx, st)
}

func (s *RedisStore) Delete(ctx context.Context, callerID string) error {
	if err := s.rdb.Del(ctx, redisKey(callerID)).Err(); err != nil {
		return fmt.Errorf("state: redis delete %s: %w", callerID, err)
	}
	return nil
}

func (s *RedisStore) Close() { _ = s.rdb.Close() }
