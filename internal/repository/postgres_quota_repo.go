package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/rankwatch/internal/model"
)

// quotaColumns はrank_quotasテーブルのSELECT/RETURNING列。
const quotaColumns = `tenant_id, daily_used, daily_limit, reset_date, updated_at`

// PostgresQuotaRepo はPostgreSQLを使用したテナントクォータリポジトリ。
// 加算は単一行への条件付きUPDATEで行い、行ロックによって上限超過を防ぐ。
type PostgresQuotaRepo struct {
	db *sql.DB
}

// NewPostgresQuotaRepo はPostgresQuotaRepoを生成する。
func NewPostgresQuotaRepo(db *sql.DB) *PostgresQuotaRepo {
	return &PostgresQuotaRepo{db: db}
}

// Find は指定テナントのクォータレコードを取得する。見つからない場合はnilを返す。
func (r *PostgresQuotaRepo) Find(ctx context.Context, tenantID string) (*model.QuotaRecord, error) {
	q, err := scanQuota(r.db.QueryRowContext(ctx,
		`SELECT `+quotaColumns+` FROM rank_quotas WHERE tenant_id = $1`,
		tenantID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("クォータの取得に失敗しました: %w", err)
	}
	return q, nil
}

// Ensure はレコードが存在しなければ作成し、上限を最新のパッケージ設定に合わせる。
// 上限が引き下げられた場合、使用量は新しい上限に切り詰める。
func (r *PostgresQuotaRepo) Ensure(ctx context.Context, tenantID string, limit int, today time.Time) (*model.QuotaRecord, error) {
	q, err := scanQuota(r.db.QueryRowContext(ctx,
		`INSERT INTO rank_quotas (tenant_id, daily_used, daily_limit, reset_date, updated_at)
		 VALUES ($1, 0, $2, $3::date, now())
		 ON CONFLICT (tenant_id) DO UPDATE SET
		    daily_limit = EXCLUDED.daily_limit,
		    daily_used = CASE
		        WHEN EXCLUDED.daily_limit >= 0 AND rank_quotas.daily_used > EXCLUDED.daily_limit
		        THEN EXCLUDED.daily_limit
		        ELSE rank_quotas.daily_used
		    END,
		    updated_at = CASE
		        WHEN rank_quotas.daily_limit <> EXCLUDED.daily_limit THEN now()
		        ELSE rank_quotas.updated_at
		    END
		 RETURNING `+quotaColumns,
		tenantID, limit, dateParam(today),
	))
	if err != nil {
		return nil, fmt.Errorf("クォータの作成に失敗しました: %w", err)
	}
	return q, nil
}

// RollForward は reset_date が today より前の場合のみ使用量を0に巻き戻す。
func (r *PostgresQuotaRepo) RollForward(ctx context.Context, tenantID string, today time.Time) (*model.QuotaRecord, error) {
	_, err := r.db.ExecContext(ctx,
		`UPDATE rank_quotas SET daily_used = 0, reset_date = $2::date, updated_at = now()
		 WHERE tenant_id = $1 AND reset_date < $2::date`,
		tenantID, dateParam(today),
	)
	if err != nil {
		return nil, fmt.Errorf("クォータの日次リセットに失敗しました: %w", err)
	}
	return r.Find(ctx, tenantID)
}

// ConsumeIfAvailable は空きがある場合のみ使用量を加算する。
// 日付が古いレコードは同じUPDATE内で巻き戻してから判定する。
// 同一行への同時UPDATEは行ロックで直列化され、後続のUPDATEは最新の行でWHERE句を再評価する。
func (r *PostgresQuotaRepo) ConsumeIfAvailable(ctx context.Context, tenantID string, amount int, today time.Time) (*model.QuotaRecord, error) {
	q, err := scanQuota(r.db.QueryRowContext(ctx,
		`UPDATE rank_quotas SET
		    daily_used = (CASE WHEN reset_date < $3::date THEN 0 ELSE daily_used END) + $2,
		    reset_date = GREATEST(reset_date, $3::date),
		    updated_at = now()
		 WHERE tenant_id = $1
		   AND (daily_limit = -1
		        OR (CASE WHEN reset_date < $3::date THEN 0 ELSE daily_used END) + $2 <= daily_limit)
		 RETURNING `+quotaColumns,
		tenantID, amount, dateParam(today),
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("クォータの消費に失敗しました: %w", err)
	}
	return q, nil
}

// ResetStale は reset_date が today より前の全レコードを巻き戻す。
func (r *PostgresQuotaRepo) ResetStale(ctx context.Context, today time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE rank_quotas SET daily_used = 0, reset_date = $1::date, updated_at = now()
		 WHERE reset_date < $1::date`,
		dateParam(today),
	)
	if err != nil {
		return 0, fmt.Errorf("クォータの一括リセットに失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// scanQuota はquotaColumnsの順で1行を読み取る。
func scanQuota(row rowScanner) (*model.QuotaRecord, error) {
	q := &model.QuotaRecord{}
	if err := row.Scan(&q.TenantID, &q.DailyUsed, &q.DailyLimit, &q.ResetDate, &q.UpdatedAt); err != nil {
		return nil, err
	}
	q.ResetDate = truncateDate(q.ResetDate)
	return q, nil
}

// truncateDate はDATE列から読み取った値をUTCの0時に正規化する。
func truncateDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// compile-time interface check
var _ QuotaRepository = (*PostgresQuotaRepo)(nil)
