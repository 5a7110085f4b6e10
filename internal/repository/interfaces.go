// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/rankwatch/internal/model"
)

// SessionRepository はセッションデータの参照インターフェース。
// セッションの発行・削除は外部の認証サービスが担う。
type SessionRepository interface {
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
}

// KeywordRepository はキーワードデータの永続化インターフェース。
type KeywordRepository interface {
	// FindByID は指定IDのキーワードを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Keyword, error)

	// ListDue はチェック対象のキーワードを取得する。
	// active = true かつ last_checked_at が checkedBefore より前（またはNULL）のキーワードを
	// テナントID順、未チェック優先で返す。
	ListDue(ctx context.Context, checkedBefore time.Time) ([]*model.Keyword, error)
}

// RankHistoryRepository は順位履歴の永続化インターフェース。
type RankHistoryRepository interface {
	// RecordCheck は履歴の追記とキーワードの順位更新を同一トランザクションで行う。
	// previous_position には更新前の current_position が入る。
	// 更新後のキーワードを返す。キーワードが存在しない場合はエラーを返す。
	RecordCheck(ctx context.Context, entry *model.RankHistoryEntry) (*model.Keyword, error)

	// ListByKeyword はキーワードの履歴を観測日時の降順で最大limit件返す。
	ListByKeyword(ctx context.Context, keywordID string, limit int) ([]*model.RankHistoryEntry, error)
}

// QuotaRepository はテナントのランクチェッククォータの永続化インターフェース。
// すべての更新は単一行への条件付きUPDATEで行い、読み取りと書き込みを分離しない。
type QuotaRepository interface {
	// Find は指定テナントのクォータレコードを取得する。見つからない場合はnilを返す。
	Find(ctx context.Context, tenantID string) (*model.QuotaRecord, error)

	// Ensure はレコードが存在しなければ作成し、上限がlimitと異なれば更新する。
	// 作成・更新後のレコードを返す。
	Ensure(ctx context.Context, tenantID string, limit int, today time.Time) (*model.QuotaRecord, error)

	// RollForward は reset_date が today より前の場合のみ used=0, reset_date=today に更新する。
	// 同じ日に何度呼んでも結果は変わらない。更新後のレコードを返す。
	RollForward(ctx context.Context, tenantID string, today time.Time) (*model.QuotaRecord, error)

	// ConsumeIfAvailable は (巻き戻し後の) used + amount <= limit の場合のみ used を加算する。
	// 条件を満たさず更新されなかった場合は nil, nil を返す。
	ConsumeIfAvailable(ctx context.Context, tenantID string, amount int, today time.Time) (*model.QuotaRecord, error)

	// ResetStale は reset_date が today より前の全レコードを巻き戻し、件数を返す。
	ResetStale(ctx context.Context, today time.Time) (int64, error)
}

// PackageResolver はテナントのサブスクリプションパッケージから日次上限を解決する。
type PackageResolver interface {
	// ResolvePackage はテナントのパッケージ設定を返す。設定がない場合はnilを返す。
	ResolvePackage(ctx context.Context, tenantID string) (*model.PackageQuota, error)
}

// IntegrationRepository はプロバイダ連携とそのクォータカウンタの永続化インターフェース。
type IntegrationRepository interface {
	// FindByID は指定IDの連携を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.ServiceIntegration, error)

	// FindActiveByTenant はテナントの有効な連携を取得する。見つからない場合はnilを返す。
	FindActiveByTenant(ctx context.Context, tenantID string) (*model.ServiceIntegration, error)

	// Reserve は日次・分単位の両方に空きがある場合のみ n 単位を加算する。
	// 日付・分ウィンドウが古い場合は同じUPDATE内で巻き戻す。
	// 条件を満たさず更新されなかった場合は nil, nil を返す。
	Reserve(ctx context.Context, id string, n int, today, window time.Time) (*model.ServiceIntegration, error)

	// ResetStale は reset_date が today より前の全連携の日次カウンタを巻き戻し、件数を返す。
	ResetStale(ctx context.Context, today time.Time) (int64, error)
}

// SweepRunRepository はスイープ実行記録の永続化インターフェース。
type SweepRunRepository interface {
	// Save はスイープ実行記録をUPSERTする。
	Save(ctx context.Context, run *model.SweepRun) error

	// FindLatest は最新のスイープ実行記録を返す。存在しない場合はnilを返す。
	FindLatest(ctx context.Context) (*model.SweepRun, error)
}
