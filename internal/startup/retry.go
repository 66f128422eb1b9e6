// Package startup подключается к зависимостям при старте сервиса: пока БД или
// Redis недоступны, процесс не падает сразу, а повторяет попытки с удвоением паузы.
package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/askhub/livesync/internal/logger"
)

const (
	initialBackoff = 2 * time.Second
	maxBackoff     = 30 * time.Second
)

// retry calls connect until it succeeds, maxWait elapses or ctx ends.
func retry[T any](ctx context.Context, maxWait time.Duration, what string, connect func(context.Context) (T, error)) (T, error) {
	deadline := time.Now().Add(maxWait)
	backoff := initialBackoff
	for {
		v, err := connect(ctx)
		if err == nil {
			return v, nil
		}
		if time.Now().After(deadline) {
			var zero T
			return zero, fmt.Errorf("%s (gave up after %v): %w", what, maxWait, err)
		}
		logger.Errorf("%s failed, retry in %v: %v", what, backoff, err)
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}
