package rankcheck

import (
	"context"
	"time"

	"github.com/avast/retry-go"

	"github.com/hitoshi/rankwatch/internal/provider"
)

const (
	// defaultAttemptTimeout はプロバイダ呼び出し1回あたりの既定タイムアウト。
	defaultAttemptTimeout = 5 * time.Second
	// defaultRetryDelay はリトライ間隔の初期値。2回目以降は倍々に伸びる。
	defaultRetryDelay = 500 * time.Millisecond
	// maxRetryDelay はリトライ間隔の上限。
	maxRetryDelay = 5 * time.Second
)

// RetryPolicy はプロバイダ呼び出しのリトライ方針。
// 試行回数は 1 + MaxRetries 回で、一時的な失敗のみを再試行する。
type RetryPolicy struct {
	MaxRetries     int
	AttemptTimeout time.Duration
	Delay          time.Duration
}

// attempts は総試行回数を返す。
func (p RetryPolicy) attempts() uint {
	if p.MaxRetries < 0 {
		return 1
	}
	return uint(p.MaxRetries) + 1
}

// Do はfnを方針に従って実行し、試行回数と最後のエラーを返す。
// 各試行には個別のタイムアウトを設定する。親コンテキストが終了した場合は直ちに打ち切る。
// onRetryは2回目以降の試行の直前に、直前の試行のエラーとともに呼ばれる。
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error, onRetry func(n uint, err error)) (int, error) {
	timeout := p.AttemptTimeout
	if timeout <= 0 {
		timeout = defaultAttemptTimeout
	}
	delay := p.Delay
	if delay <= 0 {
		delay = defaultRetryDelay
	}

	attempts := 0
	var lastErr error
	err := retry.Do(
		func() error {
			attempts++
			if attempts > 1 && onRetry != nil {
				onRetry(uint(attempts-1), lastErr)
			}
			attemptCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			lastErr = fn(attemptCtx)
			return lastErr
		},
		retry.Context(ctx),
		retry.Attempts(p.attempts()),
		retry.Delay(delay),
		retry.MaxDelay(maxRetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return ctx.Err() == nil && provider.IsTransient(err)
		}),
	)
	return attempts, err
}
