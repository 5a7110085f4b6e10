package rankcheck

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/rankwatch/internal/model"
	"github.com/hitoshi/rankwatch/internal/provider"
	"github.com/hitoshi/rankwatch/internal/quota"
	"github.com/hitoshi/rankwatch/internal/repository"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func intPtr(v int) *int { return &v }

// --- キーワード・履歴 ---

// memStore はKeywordRepositoryとRankHistoryRepositoryのインメモリ実装。
type memStore struct {
	mu       sync.Mutex
	keywords map[string]*model.Keyword
	history  map[string][]*model.RankHistoryEntry

	listDueFunc   func(ctx context.Context, checkedBefore time.Time) ([]*model.Keyword, error)
	listDueCalls  int
	recordErr     error
	findByIDCalls int
}

func newMemStore(keywords ...*model.Keyword) *memStore {
	s := &memStore{
		keywords: make(map[string]*model.Keyword),
		history:  make(map[string][]*model.RankHistoryEntry),
	}
	for _, kw := range keywords {
		s.keywords[kw.ID] = kw
	}
	return s
}

func (s *memStore) FindByID(_ context.Context, id string) (*model.Keyword, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findByIDCalls++
	kw, ok := s.keywords[id]
	if !ok {
		return nil, nil
	}
	c := *kw
	return &c, nil
}

func (s *memStore) ListDue(ctx context.Context, checkedBefore time.Time) ([]*model.Keyword, error) {
	s.mu.Lock()
	s.listDueCalls++
	fn := s.listDueFunc
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, checkedBefore)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*model.Keyword
	for _, kw := range s.keywords {
		if kw.Active && (kw.LastCheckedAt == nil || kw.LastCheckedAt.Before(checkedBefore)) {
			c := *kw
			due = append(due, &c)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].TenantID != due[j].TenantID {
			return due[i].TenantID < due[j].TenantID
		}
		return due[i].ID < due[j].ID
	})
	return due, nil
}

func (s *memStore) RecordCheck(_ context.Context, entry *model.RankHistoryEntry) (*model.Keyword, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordErr != nil {
		return nil, s.recordErr
	}
	kw, ok := s.keywords[entry.KeywordID]
	if !ok {
		return nil, repository.ErrKeywordNotFound
	}
	e := *entry
	s.history[entry.KeywordID] = append(s.history[entry.KeywordID], &e)
	kw.PreviousPosition = kw.CurrentPosition
	kw.CurrentPosition = entry.Position
	observed := entry.ObservedAt
	kw.LastCheckedAt = &observed
	c := *kw
	return &c, nil
}

func (s *memStore) ListByKeyword(_ context.Context, keywordID string, limit int) ([]*model.RankHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.history[keywordID]
	var result []*model.RankHistoryEntry
	for i := len(entries) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, entries[i])
	}
	return result, nil
}

func (s *memStore) historyCount(keywordID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history[keywordID])
}

func (s *memStore) keyword(id string) *model.Keyword {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *s.keywords[id]
	return &c
}

// --- クォータ台帳 ---

// fakeLedger はテナントごとの上限と使用量をミューテックスで管理するQuotaLedger。
type fakeLedger struct {
	mu      sync.Mutex
	limits  map[string]int
	used    map[string]int
	failErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{limits: make(map[string]int), used: make(map[string]int)}
}

func (l *fakeLedger) set(tenantID string, limit, used int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[tenantID] = limit
	l.used[tenantID] = used
}

func (l *fakeLedger) usedOf(tenantID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.used[tenantID]
}

func (l *fakeLedger) status(tenantID string) *model.QuotaStatus {
	limit := l.limits[tenantID]
	used := l.used[tenantID]
	unlimited := limit == model.UnlimitedQuota
	return &model.QuotaStatus{
		TenantID: tenantID, Used: used, Limit: limit, IsUnlimited: unlimited,
		Exhausted: !unlimited && used >= limit,
	}
}

func (l *fakeLedger) GetQuota(_ context.Context, tenantID string) (*model.QuotaStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.limits[tenantID]; !ok {
		return nil, model.NewQuotaNotFoundError(tenantID)
	}
	return l.status(tenantID), nil
}

func (l *fakeLedger) CanConsume(_ context.Context, tenantID string, amount int) (quota.Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failErr != nil {
		return quota.Decision{}, l.failErr
	}
	limit, ok := l.limits[tenantID]
	if !ok {
		return quota.Decision{}, model.NewQuotaNotFoundError(tenantID)
	}
	if limit == model.UnlimitedQuota {
		return quota.Decision{Allowed: true, Remaining: model.UnlimitedQuota}, nil
	}
	remaining := limit - l.used[tenantID]
	return quota.Decision{Allowed: remaining >= amount, Remaining: remaining}, nil
}

func (l *fakeLedger) Consume(_ context.Context, tenantID string, amount int) (*model.QuotaStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	limit, ok := l.limits[tenantID]
	if !ok {
		return nil, model.NewQuotaNotFoundError(tenantID)
	}
	if limit != model.UnlimitedQuota && l.used[tenantID]+amount > limit {
		return nil, model.NewQuotaExhaustedError(tenantID)
	}
	l.used[tenantID] += amount
	return l.status(tenantID), nil
}

// --- チェッカー ---

// mockChecker はKeywordCheckerのテスト用モック。
type mockChecker struct {
	mu        sync.Mutex
	calls     []string
	checkFunc func(ctx context.Context, kw *model.Keyword) *model.CheckOutcome
}

func (m *mockChecker) Check(ctx context.Context, kw *model.Keyword) *model.CheckOutcome {
	m.mu.Lock()
	m.calls = append(m.calls, kw.ID)
	fn := m.checkFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, kw)
	}
	return &model.CheckOutcome{KeywordID: kw.ID, Success: true, Position: intPtr(1), Attempts: 1}
}

func (m *mockChecker) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// --- プロバイダ ---

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
	if si.DailyLimit >= 0 && dailyUsed+n > si.DailyLimit {
		return nil, nil
	}
	si.DailyUsed = dailyUsed + n
	if si.ResetDate.Before(today) {
		si.ResetDate = today
	}
	c := *si
	return &c, nil
}

func (m *memIntegrationRepo) ResetStale(_ context.Context, today time.Time) (int64, error) {
	return 0, nil
}

func (m *memIntegrationRepo) dailyUsed(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[id].DailyUsed
}

// mockProvider はRankProviderのテスト用モック。
type mockProvider struct {
	mu         sync.Mutex
	calls      int
	lookupFunc func(ctx context.Context, call int) (*provider.LookupResult, error)
}

func (m *mockProvider) Lookup(ctx context.Context, _ *model.ServiceIntegration, _ provider.LookupRequest) (*provider.LookupResult, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	fn := m.lookupFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, call)
	}
	return &provider.LookupResult{Position: intPtr(3), URL: "https://example.com/", Title: "Example"}, nil
}

func (m *mockProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockGate はProviderGateのテスト用モック。
type mockGate struct {
	mu          sync.Mutex
	calls       int
	reserveFunc func(call int) provider.Reservation
}

func (m *mockGate) Reserve(_ context.Context, integrationID string, n int) (provider.Reservation, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.mu.Unlock()
	return m.reserveFunc(call), nil
}

// mockMetrics はMetricsCollectorのテスト用モック。
type mockMetrics struct {
	mu       sync.Mutex
	outcomes map[string]int
	retries  int
	denied   int
	running  []bool
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{outcomes: make(map[string]int)}
}

func (m *mockMetrics) RecordCheckOutcome(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[outcome]++
}
func (m *mockMetrics) RecordProviderStatus(statusCode int)          {}
func (m *mockMetrics) RecordProviderLatency(duration time.Duration) {}
func (m *mockMetrics) RecordProviderRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries++
}
func (m *mockMetrics) RecordReservation(result string) {}
func (m *mockMetrics) RecordTenantQuotaDenied() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.denied++
}
func (m *mockMetrics) SetSweepRunning(running bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = append(m.running, running)
}
func (m *mockMetrics) RecordSweepDuration(duration time.Duration) {}

// --- スイープ実行記録 ---

// memRunRepo はSweepRunRepositoryのインメモリ実装。
type memRunRepo struct {
	mu    sync.Mutex
	saves []*model.SweepRun
	saved map[string]*model.SweepRun
}

func newMemRunRepo() *memRunRepo {
	return &memRunRepo{saved: make(map[string]*model.SweepRun)}
}

func (m *memRunRepo) Save(_ context.Context, run *model.SweepRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves = append(m.saves, run.Clone())
	m.saved[run.ID] = run.Clone()
	return nil
}

func (m *memRunRepo) FindLatest(_ context.Context) (*model.SweepRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *model.SweepRun
	for _, r := range m.saved {
		if latest == nil || r.StartedAt.After(latest.StartedAt) {
			latest = r
		}
	}
	return latest.Clone(), nil
}

var errConnRefused = errors.New("connection refused")

// コンパイル時インターフェースチェック
var (
	_ repository.KeywordRepository     = (*memStore)(nil)
	_ repository.RankHistoryRepository = (*memStore)(nil)
	_ repository.IntegrationRepository = (*memIntegrationRepo)(nil)
	_ repository.SweepRunRepository    = (*memRunRepo)(nil)
	_ QuotaLedger                      = (*fakeLedger)(nil)
	_ KeywordChecker                   = (*mockChecker)(nil)
	_ RankProvider                     = (*mockProvider)(nil)
	_ ProviderGate                     = (*mockGate)(nil)
)
