package kv

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// flushListScript atomically reads the full contents of a list and deletes
// it, so a concurrent push cannot land between the read and the delete.
var flushListScript = redis.NewScript(`
local items = redis.call('LRANGE', KEYS[1], 0, -1)
redis.call('DEL', KEYS[1])
return items
`)

// pushBoundedScript atomically checks the list length against a cap and
// appends only if there is room, so concurrent pushers can never race the
// list past maxLen between a separate LLEN and RPUSH.
var pushBoundedScript = redis.NewScript(`
local len = redis.call('LLEN', KEYS[1])
if len >= tonumber(ARGV[2]) then
	return 0
end
redis.call('RPUSH', KEYS[1], ARGV[1])
local minTTL = tonumber(ARGV[3])
if minTTL > 0 then
	local ttl = redis.call('TTL', KEYS[1])
	if ttl < 0 or ttl < minTTL then
		redis.call('EXPIRE', KEYS[1], minTTL)
	end
end
return 1
`)

// RedisClient adapts *redis.Client to the Commander interface.
type RedisClient struct {
	rdb *redis.Client
}

// NewRedisClient dials a Redis-compatible backend at addr.
func NewRedisClient(addr, password string) *RedisClient {
	opts := &redis.Options{
		Addr:        addr,
		Password:    password,
		DialTimeout: 10 * time.Second,
	}
	return &RedisClient{rdb: redis.NewClient(opts)}
}

// NewRedisClientFromURL dials using a redis:// connection string.
func NewRedisClientFromURL(url string) (*RedisClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	opts.DialTimeout = 10 * time.Second
	return &RedisClient{rdb: redis.NewClient(opts)}, nil
}

// Close releases the underlying connection pool.
func (c *RedisClient) Close() error {
	return c.rdb.Close()
}

func (c *RedisClient) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return c.rdb.SAdd(ctx, key, args...).Err()
}

func (c *RedisClient) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return c.rdb.SRem(ctx, key, args...).Err()
}

func (c *RedisClient) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return c.rdb.SIsMember(ctx, key, member).Result()
}

func (c *RedisClient) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

func (c *RedisClient) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *RedisClient) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

func (c *RedisClient) RPush(ctx context.Context, key, value string, minTTL time.Duration) error {
	if err := c.rdb.RPush(ctx, key, value).Err(); err != nil {
		return err
	}
	if minTTL <= 0 {
		return nil
	}
	ttl, err := c.rdb.TTL(ctx, key).Result()
	if err != nil {
		return err
	}
	if ttl < 0 || ttl < minTTL {
		return c.rdb.Expire(ctx, key, minTTL).Err()
	}
	return nil
}

func (c *RedisClient) LLen(ctx context.Context, key string) (int64, error) {
	return c.rdb.LLen(ctx, key).Result()
}

func (c *RedisClient) PushBounded(ctx context.Context, key, value string, maxLen int, minTTL time.Duration) (bool, error) {
	res, err := pushBoundedScript.Run(ctx, c.rdb, []string{key}, value, maxLen, int64(minTTL.Seconds())).Result()
	if err != nil {
		return false, err
	}
	n, ok := res.(int64)
	if !ok {
		return false, nil
	}
	return n == 1, nil
}

func (c *RedisClient) FlushList(ctx context.Context, key string) ([]string, error) {
	res, err := flushListScript.Run(ctx, c.rdb, []string{key}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	raw, ok := res.([]interface{})
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (c *RedisClient) Publish(ctx context.Context, channel, message string) error {
	return c.rdb.Publish(ctx, channel, message).Err()
}

func (c *RedisClient) Subscribe(ctx context.Context, channels ...string) Subscription {
	pubsub := c.rdb.Subscribe(ctx, channels...)
	return &redisSubscription{pubsub: pubsub, out: translate(pubsub.Channel())}
}

func translate(in <-chan *redis.Message) <-chan Message {
	out := make(chan Message)
	go func() {
		defer close(out)
		for msg := range in {
			out <- Message{Channel: msg.Channel, Payload: msg.Payload}
		}
	}()
	return out
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    <-chan Message
}

func (s *redisSubscription) Channel() <-chan Message {
	return s.out
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}
