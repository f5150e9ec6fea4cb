package recovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

var clearIfScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore хранит ссылки в Redis под ключом pending_payment:<ownerID> без срока жизни.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore создаёт хранилище поверх клиента Redis.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// SavePending сохраняет ссылку, заменяя предыдущую.
func (s *RedisStore) SavePending(ctx context.Context, ownerID int64, reference string) error {
	if err := s.client.Set(ctx, pendingKey(ownerID), reference, 0).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// LoadPending возвращает сохранённую ссылку.
func (s *RedisStore) LoadPending(ctx context.Context, ownerID int64) (string, bool, error) {
	ref, err := s.client.Get(ctx, pendingKey(ownerID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get failed: %w", err)
	}
	return ref, true, nil
}

// ClearPendingIf атомарно удаляет ссылку, если она совпадает с reference.
func (s *RedisStore) ClearPendingIf(ctx context.Context, ownerID int64, reference string) (bool, error) {
	n, err := clearIfScript.Run(ctx, s.client, []string{pendingKey(ownerID)}, reference).Int()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-delete failed: %w", err)
	}
	return n == 1, nil
}

func pendingKey(ownerID int64) string {
	return fmt.Sprintf("pending_payment:%d", ownerID)
}
