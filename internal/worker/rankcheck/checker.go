// Package rankcheck はキーワード順位チェックのバックグラウンド処理を提供する。
// 1キーワード分のチェック、日次スイープ、手動トリガー、ライフサイクル管理を含む。
package rankcheck

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/rankwatch/internal/metrics"
	"github.com/hitoshi/rankwatch/internal/model"
	"github.com/hitoshi/rankwatch/internal/provider"
	"github.com/hitoshi/rankwatch/internal/quota"
	"github.com/hitoshi/rankwatch/internal/repository"
)

// RankProvider は順位取得プロバイダの呼び出しインターフェース。
type RankProvider interface {
	Lookup(ctx context.Context, si *model.ServiceIntegration, req provider.LookupRequest) (*provider.LookupResult, error)
}

// ProviderGate はプロバイダクォータの予約インターフェース。
type ProviderGate interface {
	Reserve(ctx context.Context, integrationID string, n int) (provider.Reservation, error)
}

// TitleSanitizer は検索結果タイトルのサニタイズインターフェース。
type TitleSanitizer interface {
	Sanitize(raw string) string
}

// Checker は1キーワード分の順位チェックを実行する。
// 連携の解決、プロバイダクォータの予約（チェック1回につき1単位）、
// リトライ付きの問い合わせ、履歴とキーワードの同時更新を順に行う。
type Checker struct {
	integrations repository.IntegrationRepository
	gate         ProviderGate
	provider     RankProvider
	history      repository.RankHistoryRepository
	sanitizer    TitleSanitizer
	policy       RetryPolicy
	metrics      metrics.MetricsCollector
	logger       *slog.Logger
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
}

// NewChecker はCheckerの新しいインスタンスを生成する。
func NewChecker(
	integrations repository.IntegrationRepository,
	gate ProviderGate,
	rankProvider RankProvider,
	history repository.RankHistoryRepository,
	sanitizer TitleSanitizer,
	policy RetryPolicy,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Checker {
	return &Checker{
		integrations: integrations,
		gate:         gate,
		provider:     rankProvider,
		history:      history,
		sanitizer:    sanitizer,
		policy:       policy,
		metrics:      collector,
		logger:       logger,
		now:          time.Now,
		sleep:        sleepContext,
	}
}

// Check はキーワードの順位を取得して保存する。
// 失敗した場合はOutcome.Errに*model.APIErrorを設定して返す。
func (c *Checker) Check(ctx context.Context, kw *model.Keyword) *model.CheckOutcome {
	start := time.Now()
	outcome := &model.CheckOutcome{KeywordID: kw.ID}

	// 1. テナントの有効な連携を解決
	si, err := c.integrations.FindActiveByTenant(ctx, kw.TenantID)
	if err != nil {
		return c.fail(outcome, kw, model.NewPersistenceError(err))
	}
	if si == nil {
		return c.fail(outcome, kw, model.NewNoIntegrationError(kw.TenantID))
	}

	// 2. プロバイダクォータを1単位予約（リトライしても追加の予約はしない）
	res, err := c.gate.Reserve(ctx, si.ID, 1)
	if err != nil {
		return c.fail(outcome, kw, model.NewPersistenceError(err))
	}
	if !res.Granted && res.Reason == provider.DenyMinuteExhausted {
		// 分単位の上限は次のウィンドウまで待てば回復するため、1回だけ待って再予約する
		res, err = c.reserveNextWindow(ctx, si.ID)
		if err != nil {
			return c.fail(outcome, kw, model.NewPersistenceError(err))
		}
	}
	if !res.Granted {
		if res.Reason == provider.DenyInactive {
			return c.fail(outcome, kw, model.NewNoIntegrationError(kw.TenantID))
		}
		return c.fail(outcome, kw, model.NewProviderQuotaExhaustedError(string(res.Reason)))
	}
	if res.Integration != nil {
		si = res.Integration
	}

	// 3. リトライ付きでプロバイダに問い合わせ
	req := provider.LookupRequest{
		Term:        kw.Term,
		Domain:      kw.Domain,
		CountryCode: kw.CountryCode,
		Device:      kw.Device,
	}
	var result *provider.LookupResult
	attempts, err := c.policy.Do(ctx,
		func(attemptCtx context.Context) error {
			r, lookupErr := c.provider.Lookup(attemptCtx, si, req)
			if lookupErr != nil {
				return lookupErr
			}
			result = r
			return nil
		},
		func(n uint, lastErr error) {
			if c.metrics != nil {
				c.metrics.RecordProviderRetry()
			}
			c.logger.Warn("順位取得をリトライします",
				slog.String("keyword_id", kw.ID),
				slog.Int("retry", int(n)),
				slog.String("error", errorString(lastErr)),
			)
		},
	)
	outcome.Attempts = attempts
	if err != nil {
		return c.fail(outcome, kw, model.NewProviderError(err))
	}

	// 4-5. 履歴の追記とキーワード更新を同一トランザクションで保存
	observedAt := c.now().UTC()
	entry := &model.RankHistoryEntry{
		KeywordID:    kw.ID,
		Position:     result.Position,
		MatchedURL:   result.URL,
		MatchedTitle: c.sanitizer.Sanitize(result.Title),
		SearchVolume: result.SearchVolume,
		Difficulty:   result.Difficulty,
		ObservedAt:   observedAt,
	}
	updated, err := c.history.RecordCheck(ctx, entry)
	if err != nil {
		if errors.Is(err, repository.ErrStaleObservation) {
			c.logger.Warn("より新しい観測が既に記録されています",
				slog.String("keyword_id", kw.ID),
			)
		}
		return c.fail(outcome, kw, model.NewPersistenceError(err))
	}

	// 6. 成功
	outcome.Success = true
	outcome.Position = result.Position
	outcome.URL = result.URL
	outcome.CheckedAt = observedAt
	if updated != nil {
		*kw = *updated
	}

	c.logger.Info("順位チェックが完了しました",
		slog.String("keyword_id", kw.ID),
		slog.String("tenant_id", kw.TenantID),
		slog.Any("position", positionValue(result.Position)),
		slog.Int("attempts", attempts),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return outcome
}

// reserveNextWindow は次の分ウィンドウの開始まで待ってから再予約する。
// 待機中にコンテキストが終了した場合は分単位上限の拒否として扱う。
func (c *Checker) reserveNextWindow(ctx context.Context, integrationID string) (provider.Reservation, error) {
	now := c.now()
	wait := now.Truncate(time.Minute).Add(time.Minute).Sub(now)
	if err := c.sleep(ctx, wait); err != nil {
		return provider.Reservation{Reason: provider.DenyMinuteExhausted}, nil
	}
	return c.gate.Reserve(ctx, integrationID, 1)
}

// fail はエラーを結果に設定してログを出力する。
func (c *Checker) fail(outcome *model.CheckOutcome, kw *model.Keyword, apiErr *model.APIError) *model.CheckOutcome {
	outcome.Success = false
	outcome.Err = apiErr

	level := slog.LevelWarn
	if apiErr.Code == model.ErrCodePersistence {
		level = slog.LevelError
	}
	c.logger.Log(context.Background(), level, "順位チェックに失敗しました",
		slog.String("keyword_id", kw.ID),
		slog.String("tenant_id", kw.TenantID),
		slog.String("code", apiErr.Code),
		slog.String("error", apiErr.Error()),
	)
	return outcome
}

// positionValue はログ出力用に順位を変換する。圏外はnull。
func positionValue(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

// sleepContext はdだけ待機する。コンテキストが先に終了した場合はそのエラーを返す。
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// コンパイル時インターフェースチェック
var (
	_ KeywordChecker = (*Checker)(nil)
	_ RankProvider   = (*provider.Client)(nil)
	_ ProviderGate   = (*provider.Gate)(nil)
	_ QuotaLedger    = (*quota.Ledger)(nil)
)
