package persistence

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisEventStore is an EventStore backed by Redis. The mapping is direct:
//
//	AppendStream   => XADD ... MAXLEN ~ n
//	AddToTimeline  => ZADD
//	SetWithTTL     => SET ... EX
//	RangeByScore   => ZRANGEBYSCORE
//	Get            => GET
//	PushDeadLetter => LPUSH + LTRIM
type RedisEventStore struct {
	client *redis.Client
}

// StreamField is the field name event blobs are stored under in stream
// entries.
const StreamField = "event"

// NewRedisEventStore creates a RedisEventStore using the given client.
// The caller owns the client's lifecycle.
func NewRedisEventStore(client *redis.Client) *RedisEventStore {
	return &RedisEventStore{client: client}
}

var _ EventStore = (*RedisEventStore)(nil)

func (s *RedisEventStore) AppendStream(ctx context.Context, streamKey string, blob []byte, maxLen int64) error {
	args := &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]any{StreamField: blob},
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	return s.client.XAdd(ctx, args).Err()
}

func (s *RedisEventStore) AddToTimeline(ctx context.Context, timelineKey string, score int64, member string) error {
	return s.client.ZAdd(ctx, timelineKey, redis.Z{
		Score:  float64(score),
		Member: member,
	}).Err()
}

func (s *RedisEventStore) SetWithTTL(ctx context.Context, key string, blob []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, blob, ttl).Err()
}

func (s *RedisEventStore) RangeByScore(ctx context.Context, timelineKey string, min, max int64) ([]string, error) {
	members, err := s.client.ZRangeByScore(ctx, timelineKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(min, 10),
		Max: strconv.FormatInt(max, 10),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return members, nil
}

func (s *RedisEventStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *RedisEventStore) PushDeadLetter(ctx context.Context, dlqKey string, blob []byte, maxLen int64) error {
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, dlqKey, blob)
	if maxLen > 0 {
		pipe.LTrim(ctx, dlqKey, 0, maxLen-1)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisEventStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
