package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ConnectRedis разбирает REDIS_URL и ждёт ответа на PING, повторяя попытки до maxWait.
func ConnectRedis(ctx context.Context, url string, maxWait time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	return retry(ctx, maxWait, "redis connect", func(ctx context.Context) (*redis.Client, error) {
		cli := redis.NewClient(opts)
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := cli.Ping(pctx).Err(); err != nil {
			_ = cli.Close()
			return nil, err
		}
		return cli, nil
	})
}
