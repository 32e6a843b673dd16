package state

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/NFG-Linux/twitch-notifier/apperr"
)

// RedisKeyPrefix is prepended to the broadcaster login to form the hash key.
const RedisKeyPrefix = "twitch-notifier:state:"

// RedisStore keeps the record in a hash with was_live, last_token and
// token_expiry fields.
type RedisStore struct {
	rdb *redis.Client
	key string
}

// OpenRedis parses a redis:// URL and verifies the connection.
func OpenRedis(ctx context.Context, redisURL, broadcaster string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, apperr.New(apperr.KindState, "parse redis url", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, apperr.New(apperr.KindState, "redis ping", err)
	}
	return NewRedisStore(rdb, broadcaster), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb *redis.Client, broadcaster string) *RedisStore {
	return &RedisStore{rdb: rdb, key: RedisKeyPrefix + broadcaster}
}

func (r *RedisStore) Load(ctx context.Context) (State, error) {
	fields, err := r.rdb.HGetAll(ctx, r.key).Result()
	if err != nil {
		return State{}, apperr.New(apperr.KindState, "redis hgetall", err)
	}
	if len(fields) == 0 {
		return Default(), nil
	}
	st := State{LastToken: fields["last_token"]}
	if v := fields["was_live"]; v != "" {
		if st.WasLive, err = strconv.ParseBool(v); err != nil {
			return State{}, apperr.New(apperr.KindState, "redis decode", fmt.Errorf("was_live: %w", err))
		}
	}
	if v := fields["token_expiry"]; v != "" {
		if st.TokenExpiry, err = strconv.ParseInt(v, 10, 64); err != nil {
			return State{}, apperr.New(apperr.KindState, "redis decode", fmt.Errorf("token_expiry: %w", err))
		}
	}
	return st, nil
}

// Save replaces the hash in one transaction.
func (r *RedisStore) Save(ctx context.Context, st State) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key)
		pipe.HSet(ctx, r.key,
			"was_live", strconv.FormatBool(st.WasLive),
			"last_token", st.LastToken,
			"token_expiry", strconv.FormatInt(st.TokenExpiry, 10),
		)
		return nil
	})
	return apperr.New(apperr.KindState, "redis save", err)
}

func (r *RedisStore) Close() error { return r.rdb.Close() }
