package push

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisSubsPrefix   = "push:subs:"
	redisOptOutPrefix = "push:optout:"
	maxSubsPerUser    = 10
	subscriptionTTL   = 30 * 24 * time.Hour
)

// Store keeps browser subscriptions and opt-outs per user.
type Store interface {
	Add(ctx context.Context, userID string, sub Subscription) error
	Remove(ctx context.Context, userID, endpoint string) error
	List(ctx context.Context, userID string) ([]Subscription, error)
	SetOptOut(ctx context.Context, userID string, out bool) error
	OptedOut(ctx context.Context, userID string) (bool, error)
}

// RedisStore: список подписок на пользователя (не больше maxSubsPerUser, TTL 30 дней).
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Add(ctx context.Context, userID string, sub Subscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	key := redisSubsPrefix + userID
	// повторная подписка того же браузера заменяет старую запись
	if err := s.Remove(ctx, userID, sub.Endpoint); err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, string(raw))
	pipe.LTrim(ctx, key, -maxSubsPerUser, -1)
	pipe.Expire(ctx, key, subscriptionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push store add: %w", err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, userID, endpoint string) error {
	key := redisSubsPrefix + userID
	list, err := s.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("push store remove: %w", err)
	}
	for _, item := range list {
		var sub Subscription
		if json.Unmarshal([]byte(item), &sub) == nil && sub.Endpoint == endpoint {
			if err := s.rdb.LRem(ctx, key, 0, item).Err(); err != nil {
				return fmt.Errorf("push store remove: %w", err)
			}
		}
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, userID string) ([]Subscription, error) {
	list, err := s.rdb.LRange(ctx, redisSubsPrefix+userID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("push store list: %w", err)
	}
	subs := make([]Subscription, 0, len(list))
	for _, item := range list {
		var sub Subscription
		if json.Unmarshal([]byte(item), &sub) == nil && sub.Endpoint != "" {
			subs = append(subs, sub)
		}
	}
	return subs, nil
}

func (s *RedisStore) SetOptOut(ctx context.Context, userID string, out bool) error {
	key := redisOptOutPrefix + userID
	if !out {
		return s.rdb.Del(ctx, key).Err()
	}
	return s.rdb.Set(ctx, key, "1", 0).Err()
}

func (s *RedisStore) OptedOut(ctx context.Context, userID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, redisOptOutPrefix+userID).Result()
	if err != nil {
		return false, fmt.Errorf("push store optout: %w", err)
	}
	return n > 0, nil
}
