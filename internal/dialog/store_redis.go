package dialog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const deadlineSet = "dialog:deadlines"

// RedisStore keeps dialog state in Redis so several bot replicas can share it.
// States are JSON strings; a sorted set indexes them by deadline.
type RedisStore struct {
	client *redis.Client
	// ttl is a backstop expiry for keys the sweeper never reaches
	ttl    time.Duration
	logger *logrus.Logger
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(addr, password string, db int, ttl time.Duration, logger *logrus.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client, ttl: ttl, logger: logger}, nil
}

// Close closes the underlying client
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func stateKey(key Key) string {
	return fmt.Sprintf("dialog:state:%d:%d", key.UserID, key.ChatID)
}

func member(key Key) string {
	return fmt.Sprintf("%d:%d", key.UserID, key.ChatID)
}

func parseMember(m string) (Key, error) {
	var k Key
	_, err := fmt.Sscanf(m, "%d:%d", &k.UserID, &k.ChatID)
	return k, err
}

func (r *RedisStore) Get(ctx context.Context, key Key) (*State, error) {
	return r.get(ctx, r.client, key)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisStore) get(ctx context.Context, c getter, key Key) (*State, error) {
	data, err := c.Get(ctx, stateKey(key)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var st State
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (r *RedisStore) write(ctx context.Context, pipe redis.Pipeliner, st *State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	pipe.Set(ctx, stateKey(st.Key), data, r.expiry(st))
	pipe.ZAdd(ctx, deadlineSet, &redis.Z{Score: float64(st.Deadline.UnixMilli()), Member: member(st.Key)})
	return nil
}

func (r *RedisStore) expiry(st *State) time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	return time.Until(st.Deadline) + r.ttl
}

func (r *RedisStore) Create(ctx context.Context, st *State) error {
	st.Version = 1
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return r.write(ctx, pipe, st)
	})
	return err
}

func (r *RedisStore) Update(ctx context.Context, st *State) error {
	next := *st
	next.Version++

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := r.get(ctx, tx, st.Key)
		if err != nil {
			return err
		}
		if cur == nil || cur.FlowID != st.FlowID || cur.Version != st.Version {
			return ErrStale
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return r.write(ctx, pipe, &next)
		})
		return err
	}, stateKey(st.Key))

	if errors.Is(err, redis.TxFailedErr) {
		return ErrStale
	}
	if err != nil {
		return err
	}
	st.Version = next.Version
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key Key, flowID string) (bool, error) {
	deleted := false
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := r.get(ctx, tx, key)
		if err != nil || cur == nil || cur.FlowID != flowID {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, stateKey(key))
			pipe.ZRem(ctx, deadlineSet, member(key))
			return nil
		})
		deleted = err == nil
		return err
	}, stateKey(key))

	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	return deleted, err
}

func (r *RedisStore) ExpireDue(ctx context.Context, now time.Time) ([]State, error) {
	members, err := r.client.ZRangeByScore(ctx, deadlineSet, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}

	var due []State
	for _, m := range members {
		key, err := parseMember(m)
		if err != nil {
			r.logger.WithField("member", m).Warn("Dropping malformed dialog deadline entry")
			r.client.ZRem(ctx, deadlineSet, m)
			continue
		}

		var expired *State
		err = r.client.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := r.get(ctx, tx, key)
			if err != nil {
				return err
			}
			if cur != nil && !cur.Expired(now) {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, stateKey(key))
				pipe.ZRem(ctx, deadlineSet, m)
				return nil
			})
			if err == nil {
				expired = cur
			}
			return err
		}, stateKey(key))

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return due, err
		}
		if expired != nil {
			due = append(due, *expired)
		}
	}
	return due, nil
}
