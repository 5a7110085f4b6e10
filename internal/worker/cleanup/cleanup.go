// Package cleanup は保持期間を過ぎたデータの自動削除ジョブを提供する。
// 順位履歴とスイープ実行記録は保持日数を超えたものを、セッションは有効期限切れのものを
// 日次バッチで削除する。
package cleanup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

const (
	defaultHistoryRetentionDays  = 365
	defaultSweepRunRetentionDays = 90
)

// CleanupJob は保持期間を超過したデータの自動削除ジョブ。
// 各削除は冪等で、1つが失敗しても残りは実行する。
type CleanupJob struct {
	db     Executor
	logger *slog.Logger

	HistoryRetentionDays  int // 順位履歴の保持日数（デフォルト: 365）
	SweepRunRetentionDays int // スイープ実行記録の保持日数（デフォルト: 90）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(db Executor, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:                    db,
		logger:                logger,
		HistoryRetentionDays:  defaultHistoryRetentionDays,
		SweepRunRetentionDays: defaultSweepRunRetentionDays,
	}
}

type target struct {
	name  string
	query string
	args  []interface{}
}

func (j *CleanupJob) targets() []target {
	return []target{
		{
			name:  "rank_history",
			query: `DELETE FROM rank_history WHERE observed_at < now() - $1::interval`,
			args:  []interface{}{fmt.Sprintf("%d days", j.HistoryRetentionDays)},
		},
		{
			name:  "sweep_runs",
			query: `DELETE FROM sweep_runs WHERE started_at < now() - $1::interval`,
			args:  []interface{}{fmt.Sprintf("%d days", j.SweepRunRetentionDays)},
		},
		{
			name:  "sessions",
			query: `DELETE FROM sessions WHERE expires_at < now()`,
		},
	}
}

// Run は保持期間を超過したデータを削除する。
// 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	var errs []error
	deleted := make(map[string]int64, 3)
	for _, t := range j.targets() {
		n, err := j.exec(ctx, t)
		if err != nil {
			j.logger.Error("クリーンアップの実行に失敗しました",
				slog.String("table", t.name),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%sのクリーンアップに失敗: %w", t.name, err))
			continue
		}
		deleted[t.name] = n
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_history", deleted["rank_history"]),
		slog.Int64("deleted_sweep_runs", deleted["sweep_runs"]),
		slog.Int64("deleted_sessions", deleted["sessions"]),
		slog.Int("history_retention_days", j.HistoryRetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

func (j *CleanupJob) exec(ctx context.Context, t target) (int64, error) {
	result, err := j.db.ExecContext(ctx, t.query, t.args...)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}
	return n, nil
}

// Start は指定間隔でRunを繰り返す。起動直後に1回実行する。
// コンテキストがキャンセルされるまでブロックする。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Run(ctx)
		}
	}
}
