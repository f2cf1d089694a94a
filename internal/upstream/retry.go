package upstream

import (
	"context"
	"time"
)

// retryPolicy — явная политика повторов для rate-limit ответов авторити.
// Часы и «сон» инжектируются, чтобы тесты проходили без реальных задержек.
type retryPolicy struct {
	maxAttempts int
	backoff     func(attempt int) time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// defaultRetryPolicy — до трёх попыток с экспоненциальной задержкой от 500 мс.
func defaultRetryPolicy() retryPolicy {
	return retryPolicy{
		maxAttempts: 3,
		backoff: func(attempt int) time.Duration {
			return 500 * time.Millisecond << attempt
		},
		sleep: sleepCtx,
	}
}

// sleepCtx ждёт d с уважением к отмене контекста.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
