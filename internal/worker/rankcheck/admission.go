package rankcheck

import (
	"context"

	"github.com/hitoshi/rankwatch/internal/model"
	"github.com/hitoshi/rankwatch/internal/quota"
)

// チェック結果の集計ラベル。メトリクスのoutcomeラベルにも使う。
const (
	OutcomeSucceeded            = "succeeded"
	OutcomeFailed               = "failed"
	OutcomeSkippedQuota         = "skipped_quota"
	OutcomeSkippedProviderQuota = "skipped_provider_quota"
	OutcomeSkippedInFlight      = "skipped_in_flight"
)

// QuotaLedger はテナントクォータ台帳のインターフェース。
type QuotaLedger interface {
	GetQuota(ctx context.Context, tenantID string) (*model.QuotaStatus, error)
	CanConsume(ctx context.Context, tenantID string, amount int) (quota.Decision, error)
	Consume(ctx context.Context, tenantID string, amount int) (*model.QuotaStatus, error)
}

// KeywordChecker は1キーワード分のチェックを実行するインターフェース。
type KeywordChecker interface {
	Check(ctx context.Context, kw *model.Keyword) *model.CheckOutcome
}

// admit はスイープと手動チェックで共通の受け入れ判定を行う。
// canConsumeで事前確認し、許可されればconsumeで1単位を消費する。
// 消費できなかった場合はQUOTA_EXHAUSTEDのAPIErrorを返し、何も消費されていない。
func admit(ctx context.Context, ledger QuotaLedger, tenantID string) error {
	decision, err := ledger.CanConsume(ctx, tenantID, 1)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return model.NewQuotaExhaustedError(tenantID)
	}
	_, err = ledger.Consume(ctx, tenantID, 1)
	return err
}

// outcomeLabel はチェック結果を集計ラベルに変換する。
// 実行されたチェックは成功か失敗のどちらかで、プロバイダクォータ枯渇も失敗に含める。
func outcomeLabel(outcome *model.CheckOutcome) string {
	if outcome.Success {
		return OutcomeSucceeded
	}
	return OutcomeFailed
}
