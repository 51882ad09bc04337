package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tableside/floor-core/internal/domain"
)

var (
	errNoSession   = errors.New("session not found")
	errSessionRace = errors.New("session modified concurrently")
)

const maxUpdateAttempts = 16

// RedisStore keeps each session under its token id, which makes creation a
// single SETNX, plus an index from session id to token id.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func tokenKey(tokenID string) string {
	return "session:token:" + tokenID
}

func idKey(sessionID string) string {
	return "session:id:" + sessionID
}

func retiredKey(sessionID string) string {
	return "session:retired:" + sessionID
}

func (s *RedisStore) ByToken(ctx context.Context, tokenID string) (*domain.Session, error) {
	data, err := s.client.Get(ctx, tokenKey(tokenID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("redis get session: %w", err)
	}
	return decode(data)
}

func (s *RedisStore) ByID(ctx context.Context, sessionID string) (*domain.Session, error) {
	tokenID, err := s.client.Get(ctx, idKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, errNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("redis get session index: %w", err)
	}
	sess, err := s.ByToken(ctx, tokenID)
	if err == nil && sess.ID == sessionID {
		return sess, nil
	}
	if err != nil && !errors.Is(err, errNoSession) {
		return nil, err
	}
	// the token has since moved on to a newer session
	return s.retired(ctx, sessionID)
}

func (s *RedisStore) retired(ctx context.Context, sessionID string) (*domain.Session, error) {
	data, err := s.client.Get(ctx, retiredKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("redis get retired session: %w", err)
	}
	return decode(data)
}

// Retire frees the token of session sessionID so the next redemption opens a
// new session. The old record stays readable by id for the rest of its TTL.
// It is a no-op when the token already belongs to another session.
func (s *RedisStore) Retire(ctx context.Context, tokenID, sessionID string, fallbackTTL time.Duration) error {
	key := tokenKey(tokenID)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		sess, err := decode(data)
		if err != nil {
			return err
		}
		if sess.ID != sessionID {
			return nil
		}
		ttl, err := tx.PTTL(ctx, key).Result()
		if err != nil {
			return err
		}
		if ttl <= 0 {
			ttl = fallbackTTL
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, retiredKey(sessionID), data, ttl)
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateAttempts; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("redis retire session: %w", err)
		}
		return nil
	}
	return errSessionRace
}

// Create stores sess unless a session already exists for its token. The bool
// is false when another redemption won.
func (s *RedisStore) Create(ctx context.Context, sess *domain.Session, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(sess)
	if err != nil {
		return false, fmt.Errorf("marshal session: %w", err)
	}

	ok, err := s.client.SetNX(ctx, tokenKey(sess.TokenID), data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis create session: %w", err)
	}
	if !ok {
		return false, nil
	}
	if err := s.client.Set(ctx, idKey(sess.ID), sess.TokenID, ttl).Err(); err != nil {
		return false, fmt.Errorf("redis index session: %w", err)
	}
	return true, nil
}

// Update applies fn under WATCH so concurrent writers never lose each
// other's changes. The key keeps its TTL.
func (s *RedisStore) Update(ctx context.Context, tokenID string, fn func(*domain.Session) error) (*domain.Session, error) {
	key := tokenKey(tokenID)
	var out *domain.Session

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return errNoSession
		}
		if err != nil {
			return err
		}
		sess, err := decode(data)
		if err != nil {
			return err
		}
		if err := fn(sess); err != nil {
			return err
		}
		updated, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetArgs(ctx, key, updated, redis.SetArgs{KeepTTL: true})
			return nil
		})
		if err == nil {
			out = sess
		}
		return err
	}

	for i := 0; i < maxUpdateAttempts; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, errSessionRace
}

func decode(data []byte) (*domain.Session, error) {
	var sess domain.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}
