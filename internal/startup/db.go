package startup

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ConnectDB открывает пул Postgres и проверяет его ping'ом, повторяя попытки до maxWait.
func ConnectDB(ctx context.Context, poolCfg *pgxpool.Config, maxWait time.Duration) (*pgxpool.Pool, error) {
	return retry(ctx, maxWait, "db connect", func(ctx context.Context) (*pgxpool.Pool, error) {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		pool, err := pgxpool.NewWithConfig(cctx, poolCfg)
		if err != nil {
			return nil, err
		}
		if err := pool.Ping(cctx); err != nil {
			pool.Close()
			return nil, err
		}
		return pool, nil
	})
}
