package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/rankwatch/internal/config"
	"github.com/hitoshi/rankwatch/internal/database"
	"github.com/hitoshi/rankwatch/internal/handler"
	"github.com/hitoshi/rankwatch/internal/lease"
	"github.com/hitoshi/rankwatch/internal/logger"
	"github.com/hitoshi/rankwatch/internal/metrics"
	"github.com/hitoshi/rankwatch/internal/middleware"
	"github.com/hitoshi/rankwatch/internal/provider"
	"github.com/hitoshi/rankwatch/internal/quota"
	"github.com/hitoshi/rankwatch/internal/repository"
	"github.com/hitoshi/rankwatch/internal/security"
	"github.com/hitoshi/rankwatch/internal/worker/cleanup"
	"github.com/hitoshi/rankwatch/internal/worker/quotareset"
	"github.com/hitoshi/rankwatch/internal/worker/rankcheck"
)

// sweepLeaseKey はレプリカ間でスイープを排他するRedisキー。
const sweepLeaseKey = "rankwatch:sweep:lease"

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("quota_timezone", cfg.QuotaTimezone.String()),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// services はserve/workerの両モードで共有するコンポーネント群。
type services struct {
	registry     *prometheus.Registry
	collector    *metrics.Collector
	sessions     *repository.PostgresSessionRepo
	supervisor   *rankcheck.Supervisor
	quotaReset   *quotareset.Job
	cleanup      *cleanup.CleanupJob
	healthChecks *handler.HealthHandler
}

// buildServices はDB接続とリースから全依存関係をワイヤリングする。
// I/Oは行わないため、到達不能なDBに対しても構築できる。
func buildServices(db *sql.DB, cfg *config.Config, sweepLease lease.Lease, probes []rankcheck.Probe, log *slog.Logger) *services {
	// 1. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// 2. リポジトリの初期化
	sessionRepo := repository.NewPostgresSessionRepo(db)
	keywordRepo := repository.NewPostgresKeywordRepo(db)
	historyRepo := repository.NewPostgresRankHistoryRepo(db)
	quotaRepo := repository.NewPostgresQuotaRepo(db)
	integrationRepo := repository.NewPostgresIntegrationRepo(db)
	sweepRunRepo := repository.NewPostgresSweepRunRepo(db)
	packages := quota.NewCachedResolver(repository.NewPostgresPackageRepo(db), cfg.PackageCacheTTL)

	// 3. クォータ管理
	ledger := quota.NewLedger(quotaRepo, packages, cfg.QuotaTimezone, log)
	gate := provider.NewGate(integrationRepo, collector, cfg.QuotaTimezone, log)

	// 4. プロバイダクライアント（テナント登録のエンドポイントを呼ぶためSSRF防止付き）
	ssrfGuard := security.NewSSRFGuard()
	providerClient := provider.NewClient(
		ssrfGuard.NewSafeClient(cfg.ProviderTimeout),
		ssrfGuard, collector, log, cfg.ProviderMaxResponseSize,
	)

	// 5. ランクチェック
	checker := rankcheck.NewChecker(
		integrationRepo, gate, providerClient, historyRepo,
		security.NewTextSanitizer(),
		rankcheck.RetryPolicy{
			MaxRetries:     cfg.ProviderMaxRetries,
			AttemptTimeout: cfg.ProviderTimeout,
			Delay:          cfg.ProviderRetryDelay,
		},
		collector, log,
	)
	inflight := rankcheck.NewInFlight()
	scheduler := rankcheck.NewScheduler(
		keywordRepo, ledger, checker, inflight, sweepRunRepo, collector, log,
		cfg.SweepMaxConcurrent, cfg.CheckInterval,
	)
	trigger := rankcheck.NewManualTrigger(keywordRepo, ledger, checker, inflight, collector, log)

	probes = append([]rankcheck.Probe{{Name: "database", Check: db.PingContext}}, probes...)
	supervisor := rankcheck.NewSupervisor(
		scheduler, trigger, ledger, keywordRepo, historyRepo, sweepLease, probes,
		rankcheck.SupervisorConfig{
			Interval:   cfg.SweepInterval,
			StartTime:  cfg.SweepStartTime,
			RunOnStart: cfg.SweepRunOnStart,
			Location:   cfg.QuotaTimezone,
		},
		log,
	)

	cleanupJob := cleanup.NewCleanupJob(db, log)
	if cfg.HistoryRetentionDays > 0 {
		cleanupJob.HistoryRetentionDays = cfg.HistoryRetentionDays
	}

	return &services{
		registry:     reg,
		collector:    collector,
		sessions:     sessionRepo,
		supervisor:   supervisor,
		quotaReset:   quotareset.NewJob(quotaRepo, integrationRepo, cfg.QuotaTimezone, log),
		cleanup:      cleanupJob,
		healthChecks: handler.NewHealthHandler(db, supervisor),
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := database.Ping(context.Background(), db, 5*time.Second); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// openSweepLease はREDIS_URLが設定されていればRedisリースを、なければnil（プロセス内リース）を返す。
// 返すプローブは/readyでRedisの疎通を報告するために使う。
func openSweepLease(ctx context.Context, cfg *config.Config, log *slog.Logger) (lease.Lease, []rankcheck.Probe, func(), error) {
	if cfg.RedisURL == "" {
		log.Info("REDIS_URLが未設定のため、スイープの排他はプロセス内のみで行います")
		return nil, nil, func() {}, nil
	}

	client, err := lease.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, nil, err
	}

	probes := []rankcheck.Probe{{
		Name:  "redis",
		Check: func(ctx context.Context) error { return client.Ping(ctx).Err() },
	}}
	closeFn := func() {
		if err := client.Close(); err != nil {
			log.Warn("Redisクライアントのクローズに失敗しました", slog.String("error", err.Error()))
		}
	}
	return lease.NewRedis(client, sweepLeaseKey, cfg.SweepLeaseTTL, log), probes, closeFn, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーと定期スイープを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. スイープのリース
	sweepLease, probes, closeLease, err := openSweepLease(ctx, cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer closeLease()

	// 3. サービスの構築
	svc := buildServices(db, cfg, sweepLease, probes, slog.Default())

	// 4. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitManualCheck),
	)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		SessionFinder:     svc.sessions,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		RateLimiter:    rateLimiter,
		HealthChecker:  db,
		Readiness:      svc.supervisor,
		MetricsHandler: metrics.Handler(svc.registry),
		RankService:    svc.supervisor,
	})

	// 5. スケジューラの起動
	svc.supervisor.Init(ctx)
	go svc.supervisor.Start(ctx)

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
			stop <- syscall.SIGTERM
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	// 実行中のスイープにキャンセルを伝え、HTTPの処理中リクエストを待つ
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	svc.supervisor.Wait()

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、定期スイープとクォータの日次リセット、クリーンアップの各ジョブを起動する。
// /metrics と /health は SERVER_PORT で公開する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. スイープのリース
	sweepLease, probes, closeLease, err := openSweepLease(ctx, cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer closeLease()

	// 3. サービスの構築
	svc := buildServices(db, cfg, sweepLease, probes, slog.Default())

	// 4. メトリクス・ヘルスチェック用サーバー
	metricsServer := &http.Server{
		Addr: ":" + cfg.ServerPort,
		Handler: metrics.SetupMetricsRoute(svc.registry,
			http.HandlerFunc(svc.healthChecks.Health),
			http.HandlerFunc(svc.healthChecks.Ready),
		),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server listen error", slog.String("error", err.Error()))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("sweep_interval", cfg.SweepInterval),
		slog.String("sweep_start_time", cfg.SweepStartTime),
		slog.Int("max_concurrent", cfg.SweepMaxConcurrent),
	)

	// クォータの日次リセットをバックグラウンドで実行
	go svc.quotaReset.Start(ctx, cfg.QuotaResetInterval)

	// 保持期間を過ぎた履歴・期限切れセッションの削除
	go svc.cleanup.Start(ctx, cfg.CleanupInterval)

	// スイープの定期実行をメインgoroutineで実行（ブロッキング）
	svc.supervisor.Init(ctx)
	svc.supervisor.Start(ctx)
	svc.supervisor.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("metrics server shutdown failed", slog.String("error", err.Error()))
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
