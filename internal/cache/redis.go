package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix    = "processor:job:"
	uploadKeyPrefix = "processor:uploads:"
	leaseKeyPrefix  = "processor:lease:"
)

// releaseLease deletes a lease only while token still holds it.
var releaseLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Cache holds the small pieces of shared state that live beside the job
// queue in Redis: job idempotency claims, upload counters and leases.
type Cache struct {
	client *redis.Client
}

func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// ClaimJob records that the job identified by key lives in the given queue.
// If another claim already exists it returns false and the queue recorded by
// the first claimant.
func (c *Cache) ClaimJob(ctx context.Context, key, queueName string, ttl time.Duration) (bool, string, error) {
	ok, err := c.client.SetNX(ctx, jobKeyPrefix+key, queueName, ttl).Result()
	if err != nil {
		return false, "", fmt.Errorf("claim job %s: %w", key, err)
	}
	if ok {
		return true, queueName, nil
	}

	existing, err := c.client.Get(ctx, jobKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; try once more.
		ok, err = c.client.SetNX(ctx, jobKeyPrefix+key, queueName, ttl).Result()
		if err != nil {
			return false, "", fmt.Errorf("claim job %s: %w", key, err)
		}
		if ok {
			return true, queueName, nil
		}
		existing, err = c.client.Get(ctx, jobKeyPrefix+key).Result()
	}
	if err != nil {
		return false, "", fmt.Errorf("read job claim %s: %w", key, err)
	}
	return false, existing, nil
}

// ReleaseJob drops a claim so the key can be enqueued again.
func (c *Cache) ReleaseJob(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, jobKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("release job %s: %w", key, err)
	}
	return nil
}

func (c *Cache) IncrementUploads(ctx context.Context, contentHash string) (int64, error) {
	n, err := c.client.Incr(ctx, uploadKeyPrefix+contentHash).Result()
	if err != nil {
		return 0, fmt.Errorf("increment uploads: %w", err)
	}
	return n, nil
}

func (c *Cache) Uploads(ctx context.Context, contentHash string) (int64, error) {
	n, err := c.client.Get(ctx, uploadKeyPrefix+contentHash).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read uploads: %w", err)
	}
	return n, nil
}

// AcquireLease takes the named lease for token. The lease lapses after ttl
// if it is never released.
func (c *Cache) AcquireLease(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, leaseKeyPrefix+name, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	return ok, nil
}

// ReleaseLease gives the lease up. A lease that lapsed and was taken by
// another holder is left alone.
func (c *Cache) ReleaseLease(ctx context.Context, name, token string) error {
	if err := releaseLease.Run(ctx, c.client, []string{leaseKeyPrefix + name}, token).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	return nil
}
