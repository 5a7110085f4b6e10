// Package lease はスイープの単一実行をプロセス間で保証するためのリースを提供する。
// REDIS_URLが設定されている場合はRedisのキーで、未設定の場合はプロセス内のフラグで排他する。
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrHeld はリースが既に他の保持者に取得されていることを示す。
var ErrHeld = errors.New("リースは既に取得されています")

// releaseTimeout はリース解放時のRedis呼び出しのタイムアウト。
const releaseTimeout = 3 * time.Second

// Lease はスイープ実行権のリース。
type Lease interface {
	// Acquire はリースを取得し、解放関数を返す。取得できない場合はErrHeldを返す。
	Acquire(ctx context.Context) (release func(), err error)

	// Held はリースがいずれかの保持者（他レプリカを含む）に取得されているかを返す。
	Held(ctx context.Context) (bool, error)
}

// Local はプロセス内だけで排他するリース。
type Local struct {
	held atomic.Bool
}

// NewLocal はLocalを生成する。
func NewLocal() *Local {
	return &Local{}
}

// Acquire はリースを取得する。
func (l *Local) Acquire(_ context.Context) (func(), error) {
	if !l.held.CompareAndSwap(false, true) {
		return nil, ErrHeld
	}
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			l.held.Store(false)
		}
	}, nil
}

// Held はリースが保持中かを返す。
func (l *Local) Held(_ context.Context) (bool, error) {
	return l.held.Load(), nil
}

// 自分のトークンが入っている場合のみキーを削除する。
// TTL切れ後に他のレプリカが取得したリースを消さないためにGETとDELを1スクリプトで行う。
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// 自分のトークンが入っている場合のみTTLを延長する。
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis はRedisのキーで複数レプリカ間を排他するリース。
// 保持中はTTLの1/3ごとにTTLを延長するため、スイープがTTLより長くかかってもリースは失われない。
// 保持中のプロセスが落ちた場合は延長が止まり、TTL経過後に解放される。
type Redis struct {
	client     redis.UniversalClient
	key        string
	ttl        time.Duration
	renewEvery time.Duration
	logger     *slog.Logger
}

// NewRedis はRedisリースを生成する。
func NewRedis(client redis.UniversalClient, key string, ttl time.Duration, logger *slog.Logger) *Redis {
	return &Redis{
		client:     client,
		key:        key,
		ttl:        ttl,
		renewEvery: ttl / 3,
		logger:     logger,
	}
}

// Acquire はSET NXでリースを取得する。
// 取得後は解放されるまでバックグラウンドでTTLを延長し続ける。
func (l *Redis) Acquire(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("リースの取得に失敗しました: %w", err)
	}
	if !ok {
		return nil, ErrHeld
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	if l.renewEvery > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.keepAlive(token, stop)
		}()
	}

	var once atomic.Bool
	return func() {
		if !once.CompareAndSwap(false, true) {
			return
		}
		close(stop)
		wg.Wait()

		releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{l.key}, token).Err(); err != nil {
			l.logger.Warn("リースの解放に失敗しました",
				slog.String("key", l.key),
				slog.String("error", err.Error()),
			)
		}
	}, nil
}

// keepAlive はstopが閉じられるまでリースのTTLを定期的に延長する。
// 他の保持者にキーが移っていた場合は延長をやめる。
func (l *Redis) keepAlive(token string, stop <-chan struct{}) {
	ticker := time.NewTicker(l.renewEvery)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			renewCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			n, err := renewScript.Run(renewCtx, l.client, []string{l.key}, token, l.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				l.logger.Warn("リースの延長に失敗しました",
					slog.String("key", l.key),
					slog.String("error", err.Error()),
				)
				continue
			}
			if n == 0 {
				l.logger.Error("リースが失われたため延長を停止します",
					slog.String("key", l.key),
				)
				return
			}
		}
	}
}

// Held はリースのキーが存在するかを返す。
func (l *Redis) Held(ctx context.Context) (bool, error) {
	n, err := l.client.Exists(ctx, l.key).Result()
	if err != nil {
		return false, fmt.Errorf("リースの状態確認に失敗しました: %w", err)
	}
	return n > 0, nil
}

// NewRedisClient はREDIS_URL形式の接続文字列からクライアントを生成し、疎通を確認する。
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("REDIS_URLの解析に失敗しました: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("Redisへの接続に失敗しました: %w", err)
	}
	return client, nil
}

var (
	_ Lease = (*Local)(nil)
	_ Lease = (*Redis)(nil)
)
