package provider

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/rankwatch/internal/model"
)

// --- モック定義 ---

// memIntegrationRepo はReserveの条件付きUPDATEをミューテックスで再現するIntegrationRepository。
type memIntegrationRepo struct {
	mu    sync.Mutex
	items map[string]*model.ServiceIntegration
}

func newMemIntegrationRepo(items ...*model.ServiceIntegration) *memIntegrationRepo {
	m := &memIntegrationRepo{items: make(map[string]*model.ServiceIntegration)}
	for _, si := range items {
		m.items[si.ID] = si
	}
	return m
}

func (m *memIntegrationRepo) FindByID(_ context.Context, id string) (*model.ServiceIntegration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if si, ok := m.items[id]; ok {
		c := *si
		return &c, nil
	}
	return nil, nil
}

func (m *memIntegrationRepo) FindActiveByTenant(_ context.Context, tenantID string) (*model.ServiceIntegration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, si := range m.items {
		if si.TenantID == tenantID && si.Active {
			c := *si
			return &c, nil
		}
	}
	return nil, nil
}

func (m *memIntegrationRepo) Reserve(_ context.Context, id string, n int, today, window time.Time) (*model.ServiceIntegration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	si, ok := m.items[id]
	if !ok || !si.Active {
		return nil, nil
	}
	dailyUsed := si.DailyUsed
	if si.ResetDate.Before(today) {
		dailyUsed = 0
	}
	minuteUsed := si.MinuteUsed
	if si.MinuteWindowStart.Before(window) {
		minuteUsed = 0
	}
	if si.DailyLimit >= 0 && dailyUsed+n > si.DailyLimit {
		return nil, nil
	}
	if si.MinuteLimit > 0 && minuteUsed+n > si.MinuteLimit {
		return nil, nil
	}
	si.DailyUsed = dailyUsed + n
	si.MinuteUsed = minuteUsed + n
	if si.ResetDate.Before(today) {
		si.ResetDate = today
	}
	if si.MinuteWindowStart.Before(window) {
		si.MinuteWindowStart = window
	}
	c := *si
	return &c, nil
}

func (m *memIntegrationRepo) ResetStale(_ context.Context, today time.Time) (int64, error) {
	return 0, nil
}

// mockMetrics はMetricsCollectorのテスト用モック。
type mockMetrics struct {
	mu           sync.Mutex
	reservations map[string]int
	statuses     map[int]int
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{reservations: make(map[string]int), statuses: make(map[int]int)}
}

func (m *mockMetrics) RecordCheckOutcome(outcome string)            {}
func (m *mockMetrics) RecordProviderLatency(duration time.Duration) {}
func (m *mockMetrics) RecordProviderRetry()                         {}
func (m *mockMetrics) RecordTenantQuotaDenied()                     {}
func (m *mockMetrics) SetSweepRunning(running bool)                 {}
func (m *mockMetrics) RecordSweepDuration(duration time.Duration)   {}

func (m *mockMetrics) RecordProviderStatus(statusCode int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[statusCode]++
}

func (m *mockMetrics) RecordReservation(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reservations[result]++
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func newTestGate(repo *memIntegrationRepo, collector *mockMetrics, now time.Time) *Gate {
	var buf bytes.Buffer
	g := NewGate(repo, collector, time.UTC, newTestLogger(&buf))
	g.now = func() time.Time { return now }
	return g
}

// --- テスト ---

func TestGate_Reserve_Granted(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)
	repo := newMemIntegrationRepo(&model.ServiceIntegration{
		ID: "si-1", Active: true, DailyLimit: 10, MinuteLimit: 5,
		ResetDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	collector := newMockMetrics()
	g := newTestGate(repo, collector, now)

	res, err := g.Reserve(context.Background(), "si-1", 1)
	if err != nil {
		t.Fatalf("Reserve returned error: %v", err)
	}
	if !res.Granted {
		t.Fatalf("予約が拒否されました: %s", res.Reason)
	}
	if res.Integration.DailyUsed != 1 || res.Integration.MinuteUsed != 1 {
		t.Errorf("カウンタが不正: daily=%d minute=%d", res.Integration.DailyUsed, res.Integration.MinuteUsed)
	}
	if collector.reservations["granted"] != 1 {
		t.Errorf("granted メトリクス = %d, want 1", collector.reservations["granted"])
	}
}

func TestGate_Reserve_DenyReasons(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)
	today := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	window := now.Truncate(time.Minute)

	tests := []struct {
		name        string
		integration *model.ServiceIntegration
		id          string
		want        DenyReason
	}{
		{
			name: "日次上限",
			integration: &model.ServiceIntegration{
				ID: "si-1", Active: true, DailyLimit: 3, DailyUsed: 3, ResetDate: today,
			},
			id:   "si-1",
			want: DenyDailyExhausted,
		},
		{
			name: "分単位上限",
			integration: &model.ServiceIntegration{
				ID: "si-1", Active: true, DailyLimit: -1, MinuteLimit: 2, MinuteUsed: 2,
				MinuteWindowStart: window, ResetDate: today,
			},
			id:   "si-1",
			want: DenyMinuteExhausted,
		},
		{
			name: "無効化された連携",
			integration: &model.ServiceIntegration{
				ID: "si-1", Active: false, DailyLimit: -1, ResetDate: today,
			},
			id:   "si-1",
			want: DenyInactive,
		},
		{
			name: "存在しない連携",
			integration: &model.ServiceIntegration{
				ID: "si-1", Active: true, DailyLimit: -1, ResetDate: today,
			},
			id:   "si-missing",
			want: DenyInactive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMemIntegrationRepo(tt.integration)
			collector := newMockMetrics()
			g := newTestGate(repo, collector, now)

			res, err := g.Reserve(context.Background(), tt.id, 1)
			if err != nil {
				t.Fatalf("Reserve returned error: %v", err)
			}
			if res.Granted {
				t.Fatal("予約が許可されてしまいました")
			}
			if res.Reason != tt.want {
				t.Errorf("Reason = %s, want %s", res.Reason, tt.want)
			}
			if collector.reservations[string(tt.want)] != 1 {
				t.Errorf("%s メトリクスが記録されていません", tt.want)
			}
		})
	}
}

func TestGate_Reserve_DeniedIsNeverCharged(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)
	si := &model.ServiceIntegration{
		ID: "si-1", Active: true, DailyLimit: 2, DailyUsed: 2,
		ResetDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	repo := newMemIntegrationRepo(si)
	g := newTestGate(repo, newMockMetrics(), now)

	for i := 0; i < 5; i++ {
		g.Reserve(context.Background(), "si-1", 1)
	}
	if si.DailyUsed != 2 {
		t.Errorf("拒否された予約で使用量が変化しました: %d", si.DailyUsed)
	}
}

func TestGate_Reserve_NewDayResetsDaily(t *testing.T) {
	now := time.Date(2026, 3, 2, 0, 0, 5, 0, time.UTC)
	repo := newMemIntegrationRepo(&model.ServiceIntegration{
		ID: "si-1", Active: true, DailyLimit: 3, DailyUsed: 3,
		ResetDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	g := newTestGate(repo, newMockMetrics(), now)

	res, err := g.Reserve(context.Background(), "si-1", 1)
	if err != nil {
		t.Fatalf("Reserve returned error: %v", err)
	}
	if !res.Granted {
		t.Fatalf("日付が変わったのに予約が拒否されました: %s", res.Reason)
	}
	if res.Integration.DailyUsed != 1 {
		t.Errorf("DailyUsed = %d, want 1", res.Integration.DailyUsed)
	}
}

func TestGate_Reserve_MinuteWindowNeverExceedsLimit(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	repo := newMemIntegrationRepo(&model.ServiceIntegration{
		ID: "si-1", Active: true, DailyLimit: -1, MinuteLimit: 4,
		ResetDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	g := newTestGate(repo, newMockMetrics(), base)

	// 同じ分の中では4回まで
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := g.Reserve(context.Background(), "si-1", 1)
			if err != nil {
				t.Errorf("Reserve returned error: %v", err)
				return
			}
			if res.Granted {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if granted != 4 {
		t.Errorf("同一ウィンドウ内の許可数 = %d, want 4", granted)
	}

	// 次の分になれば再び許可される
	g.now = func() time.Time { return base.Add(time.Minute) }
	res, err := g.Reserve(context.Background(), "si-1", 1)
	if err != nil {
		t.Fatalf("Reserve returned error: %v", err)
	}
	if !res.Granted {
		t.Errorf("次のウィンドウで予約が拒否されました: %s", res.Reason)
	}
}

func TestGate_Reserve_InvalidAmount(t *testing.T) {
	g := newTestGate(newMemIntegrationRepo(), newMockMetrics(), time.Now())

	if _, err := g.Reserve(context.Background(), "si-1", 0); err == nil {
		t.Error("n=0 でエラーが返されませんでした")
	}
}

// errIntegrationRepo はReserveが常に失敗するリポジトリ。
type errIntegrationRepo struct{ memIntegrationRepo }

func (m *errIntegrationRepo) Reserve(_ context.Context, id string, n int, today, window time.Time) (*model.ServiceIntegration, error) {
	return nil, errors.New("connection refused")
}

func TestGate_Reserve_RepositoryError(t *testing.T) {
	repo := &errIntegrationRepo{}
	var buf bytes.Buffer
	g := NewGate(repo, nil, nil, newTestLogger(&buf))

	if _, err := g.Reserve(context.Background(), "si-1", 1); err == nil {
		t.Error("リポジトリのエラーが返されませんでした")
	}
}
