// Package provider は外部の順位取得プロバイダとの境界を提供する。
// プロバイダ連携ごとのクォータゲートと、HTTPで順位を問い合わせるクライアントを含む。
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/rankwatch/internal/metrics"
	"github.com/hitoshi/rankwatch/internal/model"
	"github.com/hitoshi/rankwatch/internal/repository"
)

// DenyReason は予約が拒否された理由。
type DenyReason string

const (
	DenyDailyExhausted  DenyReason = "daily_exhausted"
	DenyMinuteExhausted DenyReason = "minute_exhausted"
	DenyInactive        DenyReason = "inactive"
)

// Reservation はReserveの結果。Grantedがfalseの場合は何も課金されていない。
type Reservation struct {
	Granted     bool
	Reason      DenyReason
	Integration *model.ServiceIntegration
}

// Gate はプロバイダ連携ごとの日次・分単位クォータを管理する。
// 分単位の制限は固定ウィンドウ（UTCの分境界）で数える。
type Gate struct {
	integrations repository.IntegrationRepository
	metrics      metrics.MetricsCollector
	logger       *slog.Logger
	loc          *time.Location
	now          func() time.Time
}

// NewGate はGateを生成する。locは日次リセットの基準タイムゾーン（nilの場合UTC）。
func NewGate(
	integrations repository.IntegrationRepository,
	collector metrics.MetricsCollector,
	loc *time.Location,
	logger *slog.Logger,
) *Gate {
	if loc == nil {
		loc = time.UTC
	}
	return &Gate{
		integrations: integrations,
		metrics:      collector,
		logger:       logger,
		loc:          loc,
		now:          time.Now,
	}
}

// Reserve はn単位の呼び出し枠を予約する。
// 予約1単位はプロバイダへの呼び出し1回分に相当し、呼び出しが失敗しても返却されない。
func (g *Gate) Reserve(ctx context.Context, integrationID string, n int) (Reservation, error) {
	if n <= 0 {
		return Reservation{}, fmt.Errorf("予約数は正の値である必要があります: %d", n)
	}

	now := g.now()
	y, m, d := now.In(g.loc).Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	window := now.UTC().Truncate(time.Minute)

	si, err := g.integrations.Reserve(ctx, integrationID, n, today, window)
	if err != nil {
		return Reservation{}, err
	}
	if si != nil {
		g.record("granted")
		return Reservation{Granted: true, Integration: si}, nil
	}

	// 拒否理由を判定するため現在の行を読む
	current, err := g.integrations.FindByID(ctx, integrationID)
	if err != nil {
		return Reservation{}, err
	}

	reason := denyReason(current, n, today)
	g.record(string(reason))
	g.logger.Warn("プロバイダクォータの予約が拒否されました",
		slog.String("integration_id", integrationID),
		slog.String("reason", string(reason)),
	)
	return Reservation{Reason: reason, Integration: current}, nil
}

// denyReason は拒否された予約の理由を行の状態から判定する。
// 判定時点で他の予約が進んでいる可能性があるため、日次を優先して報告する。
func denyReason(si *model.ServiceIntegration, n int, today time.Time) DenyReason {
	if si == nil || !si.Active {
		return DenyInactive
	}

	dailyUsed := si.DailyUsed
	if si.ResetDate.Before(today) {
		dailyUsed = 0
	}
	if si.DailyLimit >= 0 && dailyUsed+n > si.DailyLimit {
		return DenyDailyExhausted
	}
	return DenyMinuteExhausted
}

func (g *Gate) record(result string) {
	if g.metrics != nil {
		g.metrics.RecordReservation(result)
	}
}
