package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/santialv/DOTENDERO-sub001/internal/domain"
)

const catalogKeyPrefix = "dontendero:catalog:"

// NewClient builds the shared Redis client used by the catalog cache, the
// checkout session store and the job queue.
func NewClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

type RedisCatalogCache struct {
	client *redis.Client
}

func NewRedisCatalogCache(client *redis.Client) *RedisCatalogCache {
	return &RedisCatalogCache{client: client}
}

func (c *RedisCatalogCache) Get(ctx context.Context, orgID string) ([]domain.Product, bool, error) {
	val, err := c.client.Get(ctx, catalogKey(orgID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var products []domain.Product
	if err := json.Unmarshal(val, &products); err != nil {
		return nil, false, err
	}
	return products, true, nil
}

func (c *RedisCatalogCache) Set(ctx context.Context, orgID string, products []domain.Product, ttl time.Duration) error {
	payload, err := json.Marshal(products)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, catalogKey(orgID), payload, ttl).Err()
}

// DecrementStock rewrites the cached catalog with the sold quantities taken
// off, keeping the remaining TTL. A missing entry is left missing.
func (c *RedisCatalogCache) DecrementStock(ctx context.Context, orgID string, sold map[string]int) error {
	key := catalogKey(orgID)
	return c.client.Watch(ctx, func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		ttl, err := tx.TTL(ctx, key).Result()
		if err != nil {
			return err
		}
		if ttl <= 0 {
			ttl = time.Minute
		}

		var products []domain.Product
		if err := json.Unmarshal(val, &products); err != nil {
			return err
		}
		applySold(products, sold)
		payload, err := json.Marshal(products)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, ttl)
			return nil
		})
		return err
	}, key)
}

func (c *RedisCatalogCache) Invalidate(ctx context.Context, orgID string) error {
	return c.client.Del(ctx, catalogKey(orgID)).Err()
}

func catalogKey(orgID string) string {
	return catalogKeyPrefix + orgID
}
