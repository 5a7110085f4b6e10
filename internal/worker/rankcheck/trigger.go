package rankcheck

import (
	"context"
	"log/slog"

	"github.com/hitoshi/rankwatch/internal/metrics"
	"github.com/hitoshi/rankwatch/internal/model"
	"github.com/hitoshi/rankwatch/internal/repository"
)

// ManualTrigger はテナントが要求した1キーワードの即時チェックを実行する。
// スイープの実行状態とは独立に動作し、スイープと同じ受け入れ判定とチェック処理を使う。
type ManualTrigger struct {
	keywords repository.KeywordRepository
	ledger   QuotaLedger
	checker  KeywordChecker
	inflight *InFlight
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
}

// NewManualTrigger はManualTriggerの新しいインスタンスを生成する。
// inflightにはSchedulerと同じインスタンスを渡す。
func NewManualTrigger(
	keywords repository.KeywordRepository,
	ledger QuotaLedger,
	checker KeywordChecker,
	inflight *InFlight,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *ManualTrigger {
	return &ManualTrigger{
		keywords: keywords,
		ledger:   ledger,
		checker:  checker,
		inflight: inflight,
		metrics:  collector,
		logger:   logger,
	}
}

// CheckKeyword はテナントのキーワードを即時チェックし、結果を同期的に返す。
// 他テナントのキーワードは存在を明かさずKEYWORD_NOT_FOUNDとして扱う。
// チェック自体が失敗した場合は結果とともにそのAPIErrorを返す。
func (m *ManualTrigger) CheckKeyword(ctx context.Context, tenantID, keywordID string) (*model.CheckOutcome, error) {
	kw, err := m.keywords.FindByID(ctx, keywordID)
	if err != nil {
		return nil, err
	}
	if kw == nil || kw.TenantID != tenantID {
		return nil, model.NewKeywordNotFoundError(keywordID)
	}
	if !kw.Active {
		return nil, model.NewKeywordInactiveError(keywordID)
	}

	if !m.inflight.TryAcquire(kw.ID) {
		return nil, model.NewCheckInProgressError(kw.ID)
	}
	defer m.inflight.Release(kw.ID)

	if err := admit(ctx, m.ledger, tenantID); err != nil {
		if model.IsCode(err, model.ErrCodeQuotaExhausted) && m.metrics != nil {
			m.metrics.RecordTenantQuotaDenied()
		}
		return nil, err
	}

	m.logger.Info("手動チェックを実行します",
		slog.String("keyword_id", kw.ID),
		slog.String("tenant_id", tenantID),
	)

	outcome := m.checker.Check(ctx, kw)
	if m.metrics != nil {
		m.metrics.RecordCheckOutcome(outcomeLabel(outcome))
	}
	if outcome.Err != nil {
		return outcome, outcome.Err
	}
	return outcome, nil
}
