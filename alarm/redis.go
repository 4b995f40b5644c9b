package alarm

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Redis is a Scheduler backed by a single Redis ZSET, suitable for
// multi-process deployments where the alarm registry must outlive any one
// process. Each conversation's deadline is a member of the set scored by its
// unix-nanosecond deadline; sweeping is a ZRANGEBYSCORE over (-inf, now].
type Redis struct {
	client *redis.Client
	key    string
}

// NewRedis constructs a Redis-backed Scheduler. setKey names the ZSET
// (e.g. "turnflow:alarms").
func NewRedis(client *redis.Client, setKey string) *Redis {
	return &Redis{client: client, key: setKey}
}

func (r *Redis) GetAlarm(ctx context.Context, key string) (int64, bool, error) {
	score, err := r.client.ZScore(ctx, r.key, key).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return int64(score), true, nil
}

func (r *Redis) SetAlarm(ctx context.Context, key string, at int64) error {
	return r.client.ZAdd(ctx, r.key, redis.Z{Score: float64(at), Member: key}).Err()
}

func (r *Redis) ClearAlarm(ctx context.Context, key string) error {
	return r.client.ZRem(ctx, r.key, key).Err()
}

// DueBefore returns the conversation keys whose armed deadline is at or
// before now (unix nanoseconds), for a periodic sweep across all
// conversations sharing this scheduler.
func (r *Redis) DueBefore(ctx context.Context, now int64) ([]string, error) {
	return r.client.ZRangeByScore(ctx, r.key, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now, 10),
	}).Result()
}
