package middleware

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate      rate.Limit    // API全般のレート（req/sec）。120/60 = 2 req/sec
	GeneralBurst     int           // API全般のバーストサイズ
	ManualCheckRate  rate.Limit    // 手動ランクチェックのレート（req/sec）。10/60
	ManualCheckBurst int           // 手動ランクチェックのバーストサイズ
	CleanupInterval  time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// API全般 120 req/min/tenant、手動ランクチェック 10 req/min/tenant。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return NewRateLimiterConfig(120, 10)
}

// NewRateLimiterConfig はreq/min単位の上限からレート制限設定を生成する。
// 0以下の値はデフォルト値に置き換える。
func NewRateLimiterConfig(generalPerMinute, manualCheckPerMinute int) RateLimiterConfig {
	if generalPerMinute <= 0 {
		generalPerMinute = 120
	}
	if manualCheckPerMinute <= 0 {
		manualCheckPerMinute = 10
	}
	return RateLimiterConfig{
		GeneralRate:      rate.Limit(float64(generalPerMinute) / 60.0),
		GeneralBurst:     generalPerMinute,
		ManualCheckRate:  rate.Limit(float64(manualCheckPerMinute) / 60.0),
		ManualCheckBurst: manualCheckPerMinute,
		CleanupInterval:  5 * time.Minute,
	}
}

// tenantLimiter はテナントごとのレートリミッターとアクセス時刻を保持する。
type tenantLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterSet は1種類のレート制限についてテナントごとのリミッターを保持する。
type limiterSet struct {
	name  string
	limit rate.Limit
	burst int

	mu       sync.RWMutex
	limiters map[string]*tenantLimiter
}

func newLimiterSet(name string, limit rate.Limit, burst int) *limiterSet {
	return &limiterSet{
		name:     name,
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*tenantLimiter),
	}
}

// get はテナントのリミッターを取得または作成する。
func (s *limiterSet) get(tenantID string) *rate.Limiter {
	s.mu.RLock()
	tl, exists := s.limiters[tenantID]
	s.mu.RUnlock()

	if exists {
		s.mu.Lock()
		tl.lastAccess = time.Now()
		s.mu.Unlock()
		return tl.limiter
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// ダブルチェック
	if tl, exists := s.limiters[tenantID]; exists {
		tl.lastAccess = time.Now()
		return tl.limiter
	}

	limiter := rate.NewLimiter(s.limit, s.burst)
	s.limiters[tenantID] = &tenantLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}
	return limiter
}

func (s *limiterSet) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.limiters)
}

// evict は最終アクセスがttlより古いエントリを削除する。
func (s *limiterSet) evict(now time.Time, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tenantID, tl := range s.limiters {
		if now.Sub(tl.lastAccess) > ttl {
			delete(s.limiters, tenantID)
		}
	}
}

// middleware はこのセットでレート制限するミドルウェアを返す。
// リクエストコンテキストにテナントIDが含まれている必要がある（SessionMiddlewareの後に配置）。
func (s *limiterSet) middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID, err := TenantIDFromContext(r.Context())
			if err != nil {
				WriteUnauthorized(w)
				return
			}

			if !s.get(tenantID).Allow() {
				writeRateLimitResponse(w, s.limit)
				slog.Warn("rate limit exceeded",
					slog.String("tenant_id", tenantID),
					slog.String("limit_type", s.name),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter はテナントごとのレート制限を管理する。
// API全般のレート制限と手動ランクチェックのレート制限の2種類を提供する。
// 手動チェックはプロバイダ呼び出しとクォータ消費を伴うため、別枠で絞る。
type RateLimiter struct {
	config      RateLimiterConfig
	general     *limiterSet
	manualCheck *limiterSet

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:      config,
		general:     newLimiterSet("general", config.GeneralRate, config.GeneralBurst),
		manualCheck: newLimiterSet("manual_check", config.ManualCheckRate, config.ManualCheckBurst),
		stopCh:      make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。複数回呼んでもよい。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// GeneralMiddleware はAPI全般のレート制限ミドルウェアを返す。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return rl.general.middleware()
}

// ManualCheckMiddleware は手動ランクチェック専用のレート制限ミドルウェアを返す。
// API全般のレート制限とは独立に動作する。
func (rl *RateLimiter) ManualCheckMiddleware() func(next http.Handler) http.Handler {
	return rl.manualCheck.middleware()
}

// GeneralLimiterCount は現在管理されているAPI全般リミッターのエントリ数を返す。
func (rl *RateLimiter) GeneralLimiterCount() int {
	return rl.general.len()
}

// ManualCheckLimiterCount は現在管理されている手動チェックリミッターのエントリ数を返す。
func (rl *RateLimiter) ManualCheckLimiterCount() int {
	return rl.manualCheck.len()
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now())
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup(now time.Time) {
	ttl := rl.config.CleanupInterval * 2
	rl.general.evict(now, ttl)
	rl.manualCheck.evict(now, ttl)
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	// Retry-Afterの算出: 1トークンが補充されるまでの秒数
	retryAfterSec := int(math.Ceil(1.0 / float64(r)))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     "RATE_LIMIT_EXCEEDED",
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterで示された時間だけ待ってから再度お試しください。",
	})
}
