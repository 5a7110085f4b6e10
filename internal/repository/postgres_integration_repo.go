package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/rankwatch/internal/model"
)

// integrationColumns はservice_integrationsテーブルのSELECT/RETURNING列。
const integrationColumns = `id, tenant_id, provider, endpoint, api_key,
	daily_limit, daily_used, minute_limit, minute_used, minute_window_start,
	reset_date, active, created_at, updated_at`

// PostgresIntegrationRepo はPostgreSQLを使用したプロバイダ連携リポジトリ。
type PostgresIntegrationRepo struct {
	db *sql.DB
}

// NewPostgresIntegrationRepo はPostgresIntegrationRepoを生成する。
func NewPostgresIntegrationRepo(db *sql.DB) *PostgresIntegrationRepo {
	return &PostgresIntegrationRepo{db: db}
}

// FindByID は指定IDの連携を取得する。見つからない場合はnilを返す。
func (r *PostgresIntegrationRepo) FindByID(ctx context.Context, id string) (*model.ServiceIntegration, error) {
	si, err := scanIntegration(r.db.QueryRowContext(ctx,
		`SELECT `+integrationColumns+` FROM service_integrations WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("プロバイダ連携の取得に失敗しました: %w", err)
	}
	return si, nil
}

// FindActiveByTenant はテナントの有効な連携を取得する。
// 複数ある場合は最も新しく作成されたものを返す。
func (r *PostgresIntegrationRepo) FindActiveByTenant(ctx context.Context, tenantID string) (*model.ServiceIntegration, error) {
	si, err := scanIntegration(r.db.QueryRowContext(ctx,
		`SELECT `+integrationColumns+`
		 FROM service_integrations
		 WHERE tenant_id = $1 AND active = true
		 ORDER BY created_at DESC
		 LIMIT 1`,
		tenantID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("有効なプロバイダ連携の取得に失敗しました: %w", err)
	}
	return si, nil
}

// Reserve は日次・分単位の両方に空きがある場合のみ n 単位を加算する。
// 日付が変わっていれば日次カウンタを、ウィンドウが進んでいれば分カウンタを
// 同じUPDATE内で巻き戻してから判定する。
func (r *PostgresIntegrationRepo) Reserve(ctx context.Context, id string, n int, today, window time.Time) (*model.ServiceIntegration, error) {
	si, err := scanIntegration(r.db.QueryRowContext(ctx,
		`UPDATE service_integrations SET
		    daily_used = (CASE WHEN reset_date < $3::date THEN 0 ELSE daily_used END) + $2,
		    reset_date = GREATEST(reset_date, $3::date),
		    minute_used = (CASE WHEN minute_window_start >= $4 THEN minute_used ELSE 0 END) + $2,
		    minute_window_start = GREATEST(minute_window_start, $4),
		    updated_at = now()
		 WHERE id = $1
		   AND active = true
		   AND (daily_limit < 0
		        OR (CASE WHEN reset_date < $3::date THEN 0 ELSE daily_used END) + $2 <= daily_limit)
		   AND (minute_limit <= 0
		        OR (CASE WHEN minute_window_start >= $4 THEN minute_used ELSE 0 END) + $2 <= minute_limit)
		 RETURNING `+integrationColumns,
		id, n, dateParam(today), window.UTC(),
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("プロバイダクォータの予約に失敗しました: %w", err)
	}
	return si, nil
}

// ResetStale は reset_date が today より前の全連携の日次カウンタを巻き戻す。
func (r *PostgresIntegrationRepo) ResetStale(ctx context.Context, today time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE service_integrations SET daily_used = 0, reset_date = $1::date, updated_at = now()
		 WHERE reset_date < $1::date`,
		dateParam(today),
	)
	if err != nil {
		return 0, fmt.Errorf("プロバイダクォータの一括リセットに失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// scanIntegration はintegrationColumnsの順で1行を読み取る。
func scanIntegration(row rowScanner) (*model.ServiceIntegration, error) {
	si := &model.ServiceIntegration{}
	if err := row.Scan(
		&si.ID, &si.TenantID, &si.Provider, &si.Endpoint, &si.APIKey,
		&si.DailyLimit, &si.DailyUsed, &si.MinuteLimit, &si.MinuteUsed, &si.MinuteWindowStart,
		&si.ResetDate, &si.Active, &si.CreatedAt, &si.UpdatedAt,
	); err != nil {
		return nil, err
	}
	si.ResetDate = truncateDate(si.ResetDate)
	return si, nil
}

// compile-time interface check
var _ IntegrationRepository = (*PostgresIntegrationRepo)(nil)
