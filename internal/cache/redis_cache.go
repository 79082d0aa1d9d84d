package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/scheduled-dispatch/internal/model"
)

// RedisCache keeps list results under a per-channel generation. Invalidate
// bumps the generation, so older entries are never read again and expire on
// their own.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ MessageCache = (*RedisCache)(nil)

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

type sentValue struct {
	RemoteMessageID string    `json:"remoteMessageId"`
	SentAt          time.Time `json:"sentAt"`
}

func genKey(ch model.Channel) string {
	return fmt.Sprintf("gen:%s", ch)
}

func listKey(ch model.Channel, gen int64, f model.Filter) string {
	return fmt.Sprintf("list:%s:%d:%s", ch, gen, f.Key())
}

func (c *RedisCache) Generation(ctx context.Context, ch model.Channel) (int64, error) {
	gen, err := c.rdb.Get(ctx, genKey(ch)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (c *RedisCache) GetList(ctx context.Context, ch model.Channel, gen int64, f model.Filter) ([]model.ScheduledMessage, bool, error) {
	raw, err := c.rdb.Get(ctx, listKey(ch, gen, f)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var ms []model.ScheduledMessage
	if err := json.Unmarshal(raw, &ms); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached list: %w", err)
	}
	return ms, true, nil
}

func (c *RedisCache) SetList(ctx context.Context, ch model.Channel, gen int64, f model.Filter, ms []model.ScheduledMessage) error {
	if ms == nil {
		ms = []model.ScheduledMessage{}
	}

	b, err := json.Marshal(ms)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, listKey(ch, gen, f), b, c.ttl).Err()
}

func (c *RedisCache) Invalidate(ctx context.Context, ch model.Channel) error {
	return c.rdb.Incr(ctx, genKey(ch)).Err()
}

func (c *RedisCache) StoreSent(ctx context.Context, id, remoteMessageID string, sentAt time.Time) error {
	key := fmt.Sprintf("msg:%s", id)
	val := sentValue{
		RemoteMessageID: remoteMessageID,
		SentAt:          sentAt.UTC(),
	}

	b, err := json.Marshal(val)
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, key, b, c.ttl).Err()
}
