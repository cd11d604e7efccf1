package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	contractx "github.com/tanpawarit/agentloop/agent/contract"
)

const (
	defaultStoreKeyPrefix = "agentloop:"
	defaultLockTTL        = 6 * time.Minute
)

// releaseScript deletes the lock only while it still holds our token, so a
// claim that expired and was taken by another instance is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// StoreOption customizes RedisStore.
type StoreOption func(*RedisStore)

func WithKeyPrefix(prefix string) StoreOption {
	return func(s *RedisStore) {
		trimmed := strings.TrimSpace(prefix)
		if trimmed != "" {
			s.keyPrefix = trimmed
		}
	}
}

// WithTTL expires idle sessions; zero keeps them forever.
func WithTTL(ttl time.Duration) StoreOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

func WithLockTTL(ttl time.Duration) StoreOption {
	return func(s *RedisStore) {
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

// RedisStore keeps each session as one JSON document and commits a turn with
// WATCH + MULTI/EXEC. The turn claim is a SET NX PX lock shared by every
// instance that talks to the same redis.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	lockTTL   time.Duration
	now       func() time.Time
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client redis.UniversalClient, opts ...StoreOption) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	store := &RedisStore{
		client:    client,
		keyPrefix: defaultStoreKeyPrefix,
		lockTTL:   defaultLockTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	if store.ttl < 0 {
		return nil, errors.New("ttl must be >= 0")
	}
	return store, nil
}

// NewRedisClient parses a redis:// URL and checks the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(redisURL))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func (s *RedisStore) Load(ctx context.Context, sessionID string) (*contractx.Session, error) {
	key, err := s.sessionKey(sessionID)
	if err != nil {
		return nil, err
	}
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, contractx.ErrSessionNotFound
		}
		return nil, storageErr("get session", err)
	}
	sess, err := decodeSession(raw)
	if err != nil {
		return nil, storageErr("decode session", err)
	}
	return sess, nil
}

func (s *RedisStore) AppendTurn(ctx context.Context, sessionID string, msgs []contractx.Message, cp contractx.Checkpoint) error {
	key, err := s.sessionKey(sessionID)
	if err != nil {
		return err
	}
	cpKey := s.checkpointKey(sessionID, cp.Turn)
	latestKey := s.latestCheckpointKey(sessionID)

	txf := func(tx *redis.Tx) error {
		var cur *contractx.Session
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return storageErr("get session", err)
		default:
			if cur, err = decodeSession(raw); err != nil {
				return storageErr("decode session", err)
			}
		}
		if err := checkAppend(cur, sessionID, msgs, &cp); err != nil {
			return err
		}

		sessRaw, err := encodeSession(cp.Session)
		if err != nil {
			return storageErr("encode session", err)
		}
		cpRaw, err := EncodeCheckpoint(cp)
		if err != nil {
			return storageErr("encode checkpoint", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, sessRaw, s.ttl)
			pipe.Set(ctx, cpKey, cpRaw, s.ttl)
			pipe.Set(ctx, latestKey, cpRaw, s.ttl)
			return nil
		})
		return err
	}

	if err := s.client.Watch(ctx, txf, key); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return ErrTurnConflict
		}
		return storageErr("append turn", err)
	}
	return nil
}

func (s *RedisStore) Close(ctx context.Context, sessionID string) error {
	key, err := s.sessionKey(sessionID)
	if err != nil {
		return err
	}
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return contractx.ErrSessionNotFound
		}
		if err != nil {
			return storageErr("get session", err)
		}
		sess, err := decodeSession(raw)
		if err != nil {
			return storageErr("decode session", err)
		}
		if sess.Closed() {
			return nil
		}
		now := s.now().UTC()
		sess.ClosedAt = &now
		sess.UpdatedAt = now
		out, err := encodeSession(sess)
		if err != nil {
			return storageErr("encode session", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, s.ttl)
			return nil
		})
		return err
	}
	if err := s.client.Watch(ctx, txf, key); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return ErrTurnConflict
		}
		return storageErr("close session", err)
	}
	return nil
}

func (s *RedisStore) BeginTurn(ctx context.Context, sessionID string) (func(), error) {
	key, err := s.lockKey(sessionID)
	if err != nil {
		return nil, err
	}
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, key, token, s.lockTTL).Result()
	if err != nil {
		return nil, storageErr("acquire turn lock", err)
	}
	if !ok {
		return nil, contractx.ErrSessionBusy
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		// the turn context may already be cancelled
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, s.client, []string{key}, token).Err()
	}, nil
}

func (s *RedisStore) LatestCheckpoint(ctx context.Context, sessionID string) (*contractx.Checkpoint, error) {
	if err := validateID(sessionID); err != nil {
		return nil, err
	}
	raw, err := s.client.Get(ctx, s.latestCheckpointKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, contractx.ErrSessionNotFound
		}
		return nil, storageErr("get checkpoint", err)
	}
	return DecodeCheckpoint(raw)
}

func (s *RedisStore) sessionKey(sessionID string) (string, error) {
	if err := validateID(sessionID); err != nil {
		return "", err
	}
	return s.keyPrefix + "session:" + sessionID, nil
}

func (s *RedisStore) lockKey(sessionID string) (string, error) {
	if err := validateID(sessionID); err != nil {
		return "", err
	}
	return s.keyPrefix + "session:" + sessionID + ":lock", nil
}

func (s *RedisStore) checkpointKey(sessionID string, turn int) string {
	return fmt.Sprintf("%ssession:%s:checkpoint:%d", s.keyPrefix, sessionID, turn)
}

func (s *RedisStore) latestCheckpointKey(sessionID string) string {
	return s.keyPrefix + "session:" + sessionID + ":checkpoint:latest"
}
