// Package quotareset はクォータカウンタの日次リセットジョブを提供する。
// テナントクォータとプロバイダ連携の日次カウンタのうち、基準タイムゾーンで
// 前日以前のものを0に巻き戻す。読み取り時の遅延巻き戻しが正であり、
// このジョブは表示や集計のためにレコードを揃えるだけなので、実行されなくても計上は狂わない。
package quotareset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// StaleResetter は古いカウンタを一括で巻き戻すリポジトリのインターフェース。
type StaleResetter interface {
	ResetStale(ctx context.Context, today time.Time) (int64, error)
}

// Job はクォータカウンタの日次リセットジョブ。冪等で、同じ日に何度実行しても結果は変わらない。
type Job struct {
	quotas       StaleResetter
	integrations StaleResetter
	loc          *time.Location
	now          func() time.Time
	logger       *slog.Logger
}

// NewJob は新しいJobを生成する。locは「今日」を決める基準タイムゾーン（nilの場合UTC）。
func NewJob(quotas, integrations StaleResetter, loc *time.Location, logger *slog.Logger) *Job {
	if loc == nil {
		loc = time.UTC
	}
	return &Job{
		quotas:       quotas,
		integrations: integrations,
		loc:          loc,
		now:          time.Now,
		logger:       logger,
	}
}

// Run は古いカウンタを巻き戻す。片方が失敗してももう片方は実行する。
func (j *Job) Run(ctx context.Context) error {
	start := time.Now()
	y, m, d := j.now().In(j.loc).Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)

	quotaCount, quotaErr := j.quotas.ResetStale(ctx, today)
	if quotaErr != nil {
		j.logger.Error("テナントクォータの日次リセットに失敗しました",
			slog.String("error", quotaErr.Error()),
		)
		quotaErr = fmt.Errorf("テナントクォータの日次リセットに失敗: %w", quotaErr)
	}

	integrationCount, integrationErr := j.integrations.ResetStale(ctx, today)
	if integrationErr != nil {
		j.logger.Error("プロバイダ連携の日次リセットに失敗しました",
			slog.String("error", integrationErr.Error()),
		)
		integrationErr = fmt.Errorf("プロバイダ連携の日次リセットに失敗: %w", integrationErr)
	}

	if err := errors.Join(quotaErr, integrationErr); err != nil {
		return err
	}

	j.logger.Info("クォータの日次リセットが完了しました",
		slog.Int64("quota_reset_count", quotaCount),
		slog.Int64("integration_reset_count", integrationCount),
		slog.String("today", today.Format("2006-01-02")),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start は指定間隔でRunを繰り返す。起動直後に1回実行する。
// コンテキストがキャンセルされるまでブロックする。
func (j *Job) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("クォータリセットジョブを開始しました",
		slog.Duration("interval", interval),
	)

	j.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クォータリセットジョブを停止しました")
			return
		case <-ticker.C:
			j.Run(ctx)
		}
	}
}
