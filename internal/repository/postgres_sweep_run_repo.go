package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/rankwatch/internal/model"
)

// PostgresSweepRunRepo はPostgreSQLを使用したスイープ実行記録リポジトリ。
type PostgresSweepRunRepo struct {
	db *sql.DB
}

// NewPostgresSweepRunRepo はPostgresSweepRunRepoを生成する。
func NewPostgresSweepRunRepo(db *sql.DB) *PostgresSweepRunRepo {
	return &PostgresSweepRunRepo{db: db}
}

// Save はスイープ実行記録をUPSERTする。開始時と完了時に呼ばれる。
func (r *PostgresSweepRunRepo) Save(ctx context.Context, run *model.SweepRun) error {
	var completedAt sql.NullTime
	if run.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *run.CompletedAt, Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sweep_runs (id, trigger, started_at, completed_at, total, checked,
		                        succeeded, failed, skipped_quota, skipped_provider_quota,
		                        skipped_in_flight, running, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (id) DO UPDATE SET
		    completed_at = EXCLUDED.completed_at,
		    total = EXCLUDED.total,
		    checked = EXCLUDED.checked,
		    succeeded = EXCLUDED.succeeded,
		    failed = EXCLUDED.failed,
		    skipped_quota = EXCLUDED.skipped_quota,
		    skipped_provider_quota = EXCLUDED.skipped_provider_quota,
		    skipped_in_flight = EXCLUDED.skipped_in_flight,
		    running = EXCLUDED.running,
		    error = EXCLUDED.error`,
		run.ID, run.Trigger, run.StartedAt, completedAt, run.Total, run.Checked,
		run.Succeeded, run.Failed, run.SkippedQuota, run.SkippedProviderQuota,
		run.SkippedInFlight, run.Running, nullString(run.Error),
	)
	if err != nil {
		return fmt.Errorf("スイープ実行記録の保存に失敗しました: %w", err)
	}
	return nil
}

// FindLatest は最新のスイープ実行記録を返す。存在しない場合はnilを返す。
func (r *PostgresSweepRunRepo) FindLatest(ctx context.Context) (*model.SweepRun, error) {
	run := &model.SweepRun{}
	var completedAt sql.NullTime
	var errText sql.NullString

	err := r.db.QueryRowContext(ctx,
		`SELECT id, trigger, started_at, completed_at, total, checked, succeeded, failed,
		        skipped_quota, skipped_provider_quota, skipped_in_flight, running, error
		 FROM sweep_runs
		 ORDER BY started_at DESC
		 LIMIT 1`,
	).Scan(
		&run.ID, &run.Trigger, &run.StartedAt, &completedAt, &run.Total, &run.Checked,
		&run.Succeeded, &run.Failed, &run.SkippedQuota, &run.SkippedProviderQuota,
		&run.SkippedInFlight, &run.Running, &errText,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("スイープ実行記録の取得に失敗しました: %w", err)
	}

	run.CompletedAt = nullTimeValue(completedAt)
	run.Error = nullStringValue(errText)
	return run, nil
}

// compile-time interface check
var _ SweepRunRepository = (*PostgresSweepRunRepo)(nil)
