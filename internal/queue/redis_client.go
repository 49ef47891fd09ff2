package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrEmpty is returned by Receive when no message arrived within the wait.
var ErrEmpty = errors.New("queue empty")

const defaultRedisWait = 20 * time.Second

type redisAPI interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BLMove(ctx context.Context, source, destination, srcpos, destpos string, timeout time.Duration) *redis.StringCmd
	LMove(ctx context.Context, source, destination, srcpos, destpos string) *redis.StringCmd
	LRem(ctx context.Context, key string, count int64, value interface{}) *redis.IntCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	Close() error
}

// RedisOptions configures a RedisClient.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Key      string
	Wait     time.Duration
}

// RedisClient is a reliable list queue: messages move to a processing list
// while handled and are removed from it only on Ack. Delayed requeues wait in
// a sorted set scored by ready time and are promoted on Receive.
type RedisClient struct {
	rdb           redisAPI
	key           string
	processingKey string
	delayedKey    string
	deadKey       string
	wait          time.Duration
	now           func() time.Time
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*RedisClient, error) {
	if strings.TrimSpace(opts.Addr) == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return newRedisClient(rdb, opts.Key, opts.Wait), nil
}

func newRedisClient(rdb redisAPI, key string, wait time.Duration) *RedisClient {
	if key == "" {
		key = "analyses:changes"
	}
	if wait <= 0 {
		wait = defaultRedisWait
	}
	return &RedisClient{
		rdb:           rdb,
		key:           key,
		processingKey: key + ":processing",
		delayedKey:    key + ":delayed",
		deadKey:       key + ":dead",
		wait:          wait,
		now:           time.Now,
	}
}

// Send pushes a message onto the queue.
func (c *RedisClient) Send(ctx context.Context, msg Message) error {
	payload, err := EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encode redis message: %w", err)
	}
	if err := c.rdb.LPush(ctx, c.key, string(payload)).Err(); err != nil {
		return fmt.Errorf("redis lpush: %w", err)
	}
	return nil
}

// Receive blocks until a message is available, moving it to the processing list.
// Delayed messages that are due are promoted first, so one may wait up to the
// blocking timeout past its ready time.
func (c *RedisClient) Receive(ctx context.Context) (Delivery, error) {
	if err := c.promoteDue(ctx); err != nil {
		return Delivery{}, err
	}
	body, err := c.rdb.BLMove(ctx, c.key, c.processingKey, "RIGHT", "LEFT", c.wait).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Delivery{}, ErrEmpty
		}
		return Delivery{}, fmt.Errorf("redis blmove: %w", err)
	}
	d := Delivery{Body: body, Handle: body}
	if msg, err := DecodeMessage([]byte(body)); err == nil {
		d.Attempts = msg.Attempts
	}
	return d, nil
}

// Ack removes a handled message from the processing list.
func (c *RedisClient) Ack(ctx context.Context, d Delivery) error {
	if err := c.rdb.LRem(ctx, c.processingKey, 1, d.Handle).Err(); err != nil {
		return fmt.Errorf("redis lrem: %w", err)
	}
	return nil
}

// Requeue returns a message to the queue for redelivery, optionally after a
// delay and with its attempt counter incremented.
func (c *RedisClient) Requeue(ctx context.Context, d Delivery, opts RequeueOptions) error {
	body := d.Body
	if opts.CountAttempt {
		if msg, err := DecodeMessage([]byte(body)); err == nil {
			msg.Attempts++
			if payload, err := EncodeMessage(msg); err == nil {
				body = string(payload)
			}
		}
	}
	if err := c.rdb.LRem(ctx, c.processingKey, 1, d.Handle).Err(); err != nil {
		return fmt.Errorf("redis lrem: %w", err)
	}
	if opts.Delay <= 0 {
		if err := c.rdb.LPush(ctx, c.key, body).Err(); err != nil {
			return fmt.Errorf("redis lpush: %w", err)
		}
		return nil
	}
	readyAt := c.now().Add(opts.Delay).UnixMilli()
	if err := c.rdb.ZAdd(ctx, c.delayedKey, redis.Z{Score: float64(readyAt), Member: body}).Err(); err != nil {
		return fmt.Errorf("redis zadd: %w", err)
	}
	return nil
}

// DeadLetter parks a message that will not be retried on the dead list.
func (c *RedisClient) DeadLetter(ctx context.Context, d Delivery) error {
	if err := c.rdb.LRem(ctx, c.processingKey, 1, d.Handle).Err(); err != nil {
		return fmt.Errorf("redis lrem: %w", err)
	}
	if err := c.rdb.LPush(ctx, c.deadKey, d.Body).Err(); err != nil {
		return fmt.Errorf("redis lpush: %w", err)
	}
	return nil
}

// promoteDue moves delayed messages whose ready time has passed onto the
// queue. ZREM decides which worker promotes a message.
func (c *RedisClient) promoteDue(ctx context.Context) error {
	due, err := c.rdb.ZRangeByScore(ctx, c.delayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(c.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("redis zrangebyscore: %w", err)
	}
	for _, body := range due {
		removed, err := c.rdb.ZRem(ctx, c.delayedKey, body).Result()
		if err != nil {
			return fmt.Errorf("redis zrem: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := c.rdb.LPush(ctx, c.key, body).Err(); err != nil {
			_ = c.rdb.ZAdd(ctx, c.delayedKey, redis.Z{Score: 0, Member: body}).Err()
			return fmt.Errorf("redis lpush: %w", err)
		}
	}
	return nil
}

// RecoverInFlight moves messages orphaned in the processing list by a crashed
// worker back onto the queue. It returns the number of recovered messages.
func (c *RedisClient) RecoverInFlight(ctx context.Context) (int, error) {
	recovered := 0
	for {
		err := c.rdb.LMove(ctx, c.processingKey, c.key, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return recovered, nil
		}
		if err != nil {
			return recovered, fmt.Errorf("redis lmove: %w", err)
		}
		recovered++
	}
}

// Close releases the connection.
func (c *RedisClient) Close() error {
	return c.rdb.Close()
}

var (
	_ Client   = (*RedisClient)(nil)
	_ Consumer = (*RedisClient)(nil)
)
