package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rryowa/sessiond/internal/models"
	"github.com/rryowa/sessiond/internal/storage"
)

const rotationKeyPrefix = "rotation:"

// RotationCache keeps the issued pair of a rotation for the grace
// window, keyed by the selector that was just demoted. A duplicate
// refresh retry inside the window reads back the identical pair.
type RotationCache struct {
	client *redis.Client
}

func NewRotationCache(client *redis.Client) *RotationCache {
	return &RotationCache{client: client}
}

func (c *RotationCache) CacheRotation(ctx context.Context, selector string, pair models.TokenPair, ttl time.Duration) error {
	payload, err := json.Marshal(pair)
	if err != nil {
		return fmt.Errorf("marshal rotation result: %w", err)
	}
	if err := c.client.Set(ctx, rotationKeyPrefix+selector, payload, ttl).Err(); err != nil {
		return fmt.Errorf("cache rotation result: %w", err)
	}
	return nil
}

func (c *RotationCache) GetCachedRotation(ctx context.Context, selector string) (*models.TokenPair, error) {
	payload, err := c.client.Get(ctx, rotationKeyPrefix+selector).Bytes()
	if err == redis.Nil {
		return nil, storage.ErrCacheMiss
	} else if err != nil {
		return nil, fmt.Errorf("get cached rotation: %w", err)
	}

	var pair models.TokenPair
	if err := json.Unmarshal(payload, &pair); err != nil {
		return nil, fmt.Errorf("unmarshal rotation result: %w", err)
	}
	return &pair, nil
}
