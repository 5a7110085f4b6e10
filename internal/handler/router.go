package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/rankwatch/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	SessionFinder     middleware.SessionFinder
	CORSAllowedOrigin string
	CSRFConfig        middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter

	// ヘルスチェック
	HealthChecker HealthChecker
	Readiness     ReadinessReporter

	// メトリクス（nilの場合 /metrics を公開しない）
	MetricsHandler http.Handler

	// ランクチェック
	RankService RankServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → SecurityHeaders → Logging → CORS → Session → CSRF → RateLimit(General)
//
// /health, /ready, /metrics, /api/csrf-token は認証不要。
// 手動チェックのエンドポイントには手動チェック専用のレート制限を追加する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	healthHandler := NewHealthHandler(deps.HealthChecker, deps.Readiness)
	rankHandler := NewRankHandler(deps.RankService)

	// --- 認証不要のルート ---
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}
	r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig).ServeHTTP)

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → CSRF → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		manualCheck := deps.RateLimiter.ManualCheckMiddleware()

		r.Route("/api", func(r chi.Router) {
			r.With(manualCheck).Post("/check-rank", rankHandler.CheckRank)
			r.Post("/trigger-sweep", rankHandler.TriggerSweep)
			r.Get("/sweep-status", rankHandler.SweepStatus)
			r.Get("/quota/{tenantId}", rankHandler.Quota)

			r.Route("/keywords/{id}", func(r chi.Router) {
				r.With(manualCheck).Post("/check", rankHandler.CheckKeyword)
				r.Get("/history", rankHandler.History)
			})
		})
	})

	return r
}
