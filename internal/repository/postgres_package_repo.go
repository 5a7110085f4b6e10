package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/rankwatch/internal/model"
)

// PostgresPackageRepo はtenant_packagesテーブルからテナントの日次上限を解決する。
type PostgresPackageRepo struct {
	db *sql.DB
}

// NewPostgresPackageRepo はPostgresPackageRepoを生成する。
func NewPostgresPackageRepo(db *sql.DB) *PostgresPackageRepo {
	return &PostgresPackageRepo{db: db}
}

// ResolvePackage はテナントのパッケージ設定を返す。設定がない場合はnilを返す。
// daily_rank_check_limit が負の値のパッケージは上限なしとして扱う。
func (r *PostgresPackageRepo) ResolvePackage(ctx context.Context, tenantID string) (*model.PackageQuota, error) {
	var limit int
	err := r.db.QueryRowContext(ctx,
		`SELECT daily_rank_check_limit FROM tenant_packages WHERE tenant_id = $1`,
		tenantID,
	).Scan(&limit)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("パッケージ設定の取得に失敗しました: %w", err)
	}

	if limit < 0 {
		return &model.PackageQuota{DailyQuotaLimit: model.UnlimitedQuota, IsUnlimited: true}, nil
	}
	return &model.PackageQuota{DailyQuotaLimit: limit}, nil
}

// compile-time interface check
var _ PackageResolver = (*PostgresPackageRepo)(nil)
