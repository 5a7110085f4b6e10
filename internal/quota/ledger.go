// Package quota はテナントごとのランクチェック日次クォータを管理する。
// 日付の巻き戻しは読み取り時に遅延適用し、消費はリポジトリの条件付きUPDATEで行う。
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/rankwatch/internal/model"
	"github.com/hitoshi/rankwatch/internal/repository"
)

// Decision はCanConsumeの判定結果。Remainingは上限なしの場合-1。
type Decision struct {
	Allowed   bool
	Remaining int
}

// Ledger はテナントのランクチェッククォータ台帳。
type Ledger struct {
	quotas   repository.QuotaRepository
	packages repository.PackageResolver
	loc      *time.Location
	now      func() time.Time
	logger   *slog.Logger
}

// NewLedger はLedgerを生成する。locは「今日」を決める基準タイムゾーン（nilの場合UTC）。
func NewLedger(
	quotas repository.QuotaRepository,
	packages repository.PackageResolver,
	loc *time.Location,
	logger *slog.Logger,
) *Ledger {
	if loc == nil {
		loc = time.UTC
	}
	return &Ledger{
		quotas:   quotas,
		packages: packages,
		loc:      loc,
		now:      time.Now,
		logger:   logger,
	}
}

// Today は基準タイムゾーンでの今日の暦日をUTC 0時で返す。
func (l *Ledger) Today() time.Time {
	return CalendarDay(l.now(), l.loc)
}

// CalendarDay はtをlocでの暦日に変換し、UTC 0時で返す。
func CalendarDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// GetQuota はテナントのクォータ状態を返す。
// レコードの日付が古ければ使用量を0に巻き戻してから返す。
// パッケージ設定がないテナントにはQUOTA_NOT_FOUNDを返す。
func (l *Ledger) GetQuota(ctx context.Context, tenantID string) (*model.QuotaStatus, error) {
	rec, err := l.load(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return toStatus(rec), nil
}

// CanConsume はamount単位を消費できるかを判定する。判定は参考値であり、
// 実際の消費可否はConsumeの条件付きUPDATEで決まる。
func (l *Ledger) CanConsume(ctx context.Context, tenantID string, amount int) (Decision, error) {
	rec, err := l.load(ctx, tenantID)
	if err != nil {
		return Decision{}, err
	}

	if rec.IsUnlimited() {
		return Decision{Allowed: true, Remaining: model.UnlimitedQuota}, nil
	}

	remaining := rec.DailyLimit - rec.DailyUsed
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: remaining >= amount, Remaining: remaining}, nil
}

// Consume はamount単位を消費する。
// 事前にCanConsumeで再確認したうえで、単一の条件付きUPDATEで加算する。
// 確認から書き込みまでの間に他の消費者が上限に達した場合もQUOTA_EXHAUSTEDを返し、
// その場合は何も消費されていない。
func (l *Ledger) Consume(ctx context.Context, tenantID string, amount int) (*model.QuotaStatus, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("消費量は正の値である必要があります: %d", amount)
	}

	decision, err := l.CanConsume(ctx, tenantID, amount)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, model.NewQuotaExhaustedError(tenantID)
	}

	rec, err := l.quotas.ConsumeIfAvailable(ctx, tenantID, amount, l.Today())
	if err != nil {
		return nil, err
	}
	if rec == nil {
		l.logger.Info("同時消費によりクォータが枯渇しました",
			slog.String("tenant_id", tenantID),
			slog.Int("amount", amount),
		)
		return nil, model.NewQuotaExhaustedError(tenantID)
	}

	return toStatus(rec), nil
}

// load はパッケージ設定を解決し、レコードの作成・上限同期・日次巻き戻しを適用して返す。
func (l *Ledger) load(ctx context.Context, tenantID string) (*model.QuotaRecord, error) {
	pkg, err := l.packages.ResolvePackage(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if pkg == nil {
		return nil, model.NewQuotaNotFoundError(tenantID)
	}

	limit := pkg.DailyQuotaLimit
	if pkg.IsUnlimited {
		limit = model.UnlimitedQuota
	}

	today := l.Today()

	rec, err := l.quotas.Find(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.DailyLimit != limit {
		rec, err = l.quotas.Ensure(ctx, tenantID, limit, today)
		if err != nil {
			return nil, err
		}
	}

	if rec.IsStale(today) {
		rec, err = l.quotas.RollForward(ctx, tenantID, today)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, model.NewQuotaNotFoundError(tenantID)
		}
		l.logger.Debug("クォータを日次リセットしました",
			slog.String("tenant_id", tenantID),
			slog.Time("reset_date", rec.ResetDate),
		)
	}

	return rec, nil
}

// toStatus はレコードを公開用の状態に変換する。
func toStatus(rec *model.QuotaRecord) *model.QuotaStatus {
	unlimited := rec.IsUnlimited()
	return &model.QuotaStatus{
		TenantID:    rec.TenantID,
		Used:        rec.DailyUsed,
		Limit:       rec.DailyLimit,
		IsUnlimited: unlimited,
		Exhausted:   !unlimited && rec.DailyUsed >= rec.DailyLimit,
		ResetDate:   rec.ResetDate,
	}
}
