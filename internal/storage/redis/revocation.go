package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const revokedKeyPrefix = "revoked:"

// RevocationStore blacklists access-token jtis until their natural
// expiry; redis TTL does the pruning.
type RevocationStore struct {
	client *redis.Client
}

func NewRevocationStore(client *redis.Client) *RevocationStore {
	return &RevocationStore{client: client}
}

func (s *RevocationStore) InvalidateToken(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		// Token already past its expiry; nothing to blacklist.
		return nil
	}
	return s.client.Set(ctx, revokedKeyPrefix+jti, "revoked", ttl).Err()
}

func (s *RevocationStore) IsTokenInvalidated(ctx context.Context, jti string) (bool, error) {
	result, err := s.client.Get(ctx, revokedKeyPrefix+jti).Result()
	if err == redis.Nil {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return result == "revoked", nil
}
