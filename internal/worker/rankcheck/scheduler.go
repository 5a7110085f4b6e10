package rankcheck

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/rankwatch/internal/metrics"
	"github.com/hitoshi/rankwatch/internal/model"
	"github.com/hitoshi/rankwatch/internal/repository"
)

// スイープの起動要因。
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

const (
	defaultMaxConcurrency = 8
	defaultCheckInterval  = 24 * time.Hour
	persistTimeout        = 5 * time.Second

	// 実行中スイープの途中集計を保存する間隔。他のレプリカのsweep-statusはこの値を読む。
	defaultProgressInterval = 5 * time.Second
)

// tenantBlock はスイープ中にテナント単位で以降のキーワードを止める理由。
type tenantBlock int

const (
	blockNone tenantBlock = iota
	blockQuota
	blockProvider
	blockNoIntegration
)

// tenantStates はスイープ1回分のテナント別ブロック状態。
type tenantStates struct {
	mu     sync.Mutex
	blocks map[string]tenantBlock
}

func newTenantStates() *tenantStates {
	return &tenantStates{blocks: make(map[string]tenantBlock)}
}

func (t *tenantStates) get(tenantID string) tenantBlock {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.blocks[tenantID]
}

func (t *tenantStates) block(tenantID string, b tenantBlock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.blocks[tenantID] == blockNone {
		t.blocks[tenantID] = b
	}
}

// Scheduler はチェック対象キーワードのスイープを実行する。
// 同時に実行できるスイープは1つだけで、実行中の呼び出しにはALREADY_RUNNINGを返す。
// スイープ内のチェックはerrgroupで最大並列数を制御しながら実行する。
type Scheduler struct {
	keywords       repository.KeywordRepository
	ledger         QuotaLedger
	checker        KeywordChecker
	inflight       *InFlight
	runs           repository.SweepRunRepository
	metrics        metrics.MetricsCollector
	logger         *slog.Logger
	maxConcurrency int
	checkInterval  time.Duration
	progressEvery  time.Duration
	now            func() time.Time

	running atomic.Bool
	mu      sync.RWMutex
	lastRun *model.SweepRun
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値8、checkIntervalが0以下の場合は24時間を使用する。
// runsとcollectorはnilでもよい。
func NewScheduler(
	keywords repository.KeywordRepository,
	ledger QuotaLedger,
	checker KeywordChecker,
	inflight *InFlight,
	runs repository.SweepRunRepository,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	maxConcurrency int,
	checkInterval time.Duration,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = defaultMaxConcurrency
	}
	if checkInterval <= 0 {
		checkInterval = defaultCheckInterval
	}
	if inflight == nil {
		inflight = NewInFlight()
	}
	return &Scheduler{
		keywords:       keywords,
		ledger:         ledger,
		checker:        checker,
		inflight:       inflight,
		runs:           runs,
		metrics:        collector,
		logger:         logger,
		maxConcurrency: maxConcurrency,
		checkInterval:  checkInterval,
		progressEvery:  defaultProgressInterval,
		now:            time.Now,
	}
}

// Sweep は開始済みのスイープ1回分を表す。Executeで実行する。
type Sweep struct {
	s   *Scheduler
	run *model.SweepRun
}

// Begin はスイープを実行中状態に遷移させる。
// 既に実行中の場合はALREADY_RUNNINGを返し、何も開始しない。
func (s *Scheduler) Begin(trigger string) (*Sweep, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, model.NewAlreadyRunningError()
	}

	run := &model.SweepRun{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		StartedAt: s.now().UTC(),
		Running:   true,
	}
	s.mu.Lock()
	s.lastRun = run
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SetSweepRunning(true)
	}
	return &Sweep{s: s, run: run}, nil
}

// RunSweep はスイープを開始して完了まで実行する。
func (s *Scheduler) RunSweep(ctx context.Context, trigger string) (*model.SweepRun, error) {
	sw, err := s.Begin(trigger)
	if err != nil {
		return nil, err
	}
	return sw.Execute(ctx)
}

// Snapshot はスイープの現在の状態のコピーを返す。
func (sw *Sweep) Snapshot() *model.SweepRun {
	sw.s.mu.RLock()
	defer sw.s.mu.RUnlock()
	return sw.run.Clone()
}

// Execute はスイープを完了まで実行し、終端状態のスナップショットを返す。
// キーワード単位の失敗ではスイープを中断しない。対象キーワードの列挙に失敗した場合や
// コンテキストが終了した場合はエラーを返すが、それまでの集計結果は残る。
// パニックは回復してエラーとして記録する。
func (sw *Sweep) Execute(ctx context.Context) (run *model.SweepRun, err error) {
	s := sw.s
	start := time.Now()

	s.persist(ctx, sw.Snapshot())
	stopProgress := s.reportProgress(ctx, sw)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("スイープ中にパニックが発生しました",
				slog.String("sweep_id", sw.run.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("スイープ中にパニックが発生しました: %v", r)
		}
		// 途中集計の保存が終端状態を上書きしないよう、先に止める
		stopProgress()
		run = s.finish(ctx, sw.run, err, time.Since(start))
	}()

	err = s.execute(ctx, sw.run)
	return nil, err
}

// reportProgress は実行中スイープの途中集計を定期的に保存する。
// 返された関数を呼ぶと保存を止め、実行中の保存の完了を待つ。
func (s *Scheduler) reportProgress(ctx context.Context, sw *Sweep) func() {
	if s.runs == nil || s.progressEvery <= 0 {
		return func() {}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.progressEvery)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.persist(ctx, sw.Snapshot())
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
		})
	}
}

// execute はチェック対象キーワードを取得し、並列にチェックする。
func (s *Scheduler) execute(ctx context.Context, run *model.SweepRun) error {
	cutoff := s.now().Add(-s.checkInterval)
	keywords, err := s.keywords.ListDue(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("チェック対象キーワードの取得に失敗しました: %w", err)
	}

	ordered := interleaveByTenant(keywords)
	s.update(func() { run.Total = len(ordered) })

	if len(ordered) == 0 {
		s.logger.Info("チェック対象のキーワードはありません",
			slog.String("sweep_id", run.ID),
		)
		return nil
	}

	s.logger.Info("スイープを開始します",
		slog.String("sweep_id", run.ID),
		slog.String("trigger", run.Trigger),
		slog.Int("keyword_count", len(ordered)),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	tenants := newTenantStates()
	g := new(errgroup.Group)
	g.SetLimit(s.maxConcurrency)

	interrupted := false
	for _, kw := range ordered {
		// 終了要求後は新しいキーワードを受け入れず、実行中のチェックの完了を待つ
		if ctx.Err() != nil {
			interrupted = true
			break
		}
		g.Go(func() error {
			s.process(ctx, run, tenants, kw)
			return nil
		})
	}
	g.Wait()

	if interrupted {
		return fmt.Errorf("スイープが中断されました: %w", ctx.Err())
	}
	return nil
}

// process は1キーワードを受け入れ判定し、チェックして集計する。
func (s *Scheduler) process(ctx context.Context, run *model.SweepRun, tenants *tenantStates, kw *model.Keyword) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("キーワードのチェック中にパニックが発生しました",
				slog.String("keyword_id", kw.ID),
				slog.Any("panic", r),
			)
			s.record(run, OutcomeFailed)
		}
	}()

	switch tenants.get(kw.TenantID) {
	case blockQuota:
		s.record(run, OutcomeSkippedQuota)
		return
	case blockProvider:
		s.record(run, OutcomeSkippedProviderQuota)
		return
	case blockNoIntegration:
		s.record(run, OutcomeFailed)
		return
	}

	if !s.inflight.TryAcquire(kw.ID) {
		s.logger.Info("チェック中のキーワードをスキップします",
			slog.String("keyword_id", kw.ID),
		)
		s.record(run, OutcomeSkippedInFlight)
		return
	}
	defer s.inflight.Release(kw.ID)

	if err := admit(ctx, s.ledger, kw.TenantID); err != nil {
		if model.IsCode(err, model.ErrCodeQuotaExhausted) || model.IsCode(err, model.ErrCodeQuotaNotFound) {
			if tenants.get(kw.TenantID) == blockNone {
				s.logger.Info("テナントのクォータが枯渇したため残りのキーワードをスキップします",
					slog.String("tenant_id", kw.TenantID),
					slog.String("code", model.ErrorCode(err)),
				)
			}
			tenants.block(kw.TenantID, blockQuota)
			if s.metrics != nil {
				s.metrics.RecordTenantQuotaDenied()
			}
			s.record(run, OutcomeSkippedQuota)
			return
		}
		s.logger.Error("クォータの消費に失敗しました",
			slog.String("keyword_id", kw.ID),
			slog.String("tenant_id", kw.TenantID),
			slog.String("error", err.Error()),
		)
		s.record(run, OutcomeFailed)
		return
	}

	// 受け入れ済みのチェックはプロバイダ側で拒否されても失敗として数え、
	// 同じテナントの後続キーワードだけをskipped_provider_quotaにする
	outcome := s.checker.Check(ctx, kw)
	label := outcomeLabel(outcome)
	switch {
	case model.IsCode(outcome.Err, model.ErrCodeProviderQuotaExhausted):
		tenants.block(kw.TenantID, blockProvider)
	case model.IsCode(outcome.Err, model.ErrCodeNoIntegration):
		tenants.block(kw.TenantID, blockNoIntegration)
	}
	s.record(run, label)
}

// record は集計カウンタを加算する。カウンタは単調増加のみ。
func (s *Scheduler) record(run *model.SweepRun, label string) {
	s.update(func() {
		switch label {
		case OutcomeSucceeded:
			run.Checked++
			run.Succeeded++
		case OutcomeFailed:
			run.Checked++
			run.Failed++
		case OutcomeSkippedQuota:
			run.SkippedQuota++
		case OutcomeSkippedProviderQuota:
			run.SkippedProviderQuota++
		case OutcomeSkippedInFlight:
			run.SkippedInFlight++
		}
	})
	if s.metrics != nil {
		s.metrics.RecordCheckOutcome(label)
	}
}

func (s *Scheduler) update(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

// finish はスイープを終端状態にし、実行中フラグを解除する。
func (s *Scheduler) finish(ctx context.Context, run *model.SweepRun, runErr error, duration time.Duration) *model.SweepRun {
	s.mu.Lock()
	completedAt := s.now().UTC()
	run.CompletedAt = &completedAt
	run.Running = false
	if runErr != nil {
		run.Error = runErr.Error()
	}
	snapshot := run.Clone()
	s.mu.Unlock()

	s.persist(ctx, snapshot)
	if s.metrics != nil {
		s.metrics.SetSweepRunning(false)
		s.metrics.RecordSweepDuration(duration)
	}
	s.running.Store(false)

	attrs := []any{
		slog.String("sweep_id", snapshot.ID),
		slog.Int("total", snapshot.Total),
		slog.Int("checked", snapshot.Checked),
		slog.Int("succeeded", snapshot.Succeeded),
		slog.Int("failed", snapshot.Failed),
		slog.Int("skipped", snapshot.Skipped()),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	}
	if runErr != nil {
		s.logger.Error("スイープが異常終了しました", append(attrs, slog.String("error", runErr.Error()))...)
	} else {
		s.logger.Info("スイープが完了しました", attrs...)
	}
	return snapshot
}

// persist はスイープ実行記録を保存する。失敗してもスイープは継続する。
func (s *Scheduler) persist(ctx context.Context, run *model.SweepRun) {
	if s.runs == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := s.runs.Save(saveCtx, run); err != nil {
		s.logger.Warn("スイープ実行記録の保存に失敗しました",
			slog.String("sweep_id", run.ID),
			slog.String("error", err.Error()),
		)
	}
}

// IsRunning はスイープが実行中かを返す。
func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// LastRun は直近（実行中を含む）のスイープのスナップショットを返す。未実行の場合はnil。
func (s *Scheduler) LastRun() *model.SweepRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRun.Clone()
}

// LatestPersistedRun は保存済みの最新スイープ実行記録を返す。
// 他のレプリカが実行したスイープも含む。保存先がない場合はnilを返す。
func (s *Scheduler) LatestPersistedRun(ctx context.Context) (*model.SweepRun, error) {
	if s.runs == nil {
		return nil, nil
	}
	return s.runs.FindLatest(ctx)
}

// LoadLastRun は保存済みの最新スイープ実行記録を読み込む。
// 実行中のまま残っている記録はプロセス再起動で中断されたものとして扱う。
func (s *Scheduler) LoadLastRun(ctx context.Context) error {
	if s.runs == nil {
		return nil
	}
	latest, err := s.runs.FindLatest(ctx)
	if err != nil {
		return err
	}
	if latest == nil {
		return nil
	}
	if latest.Running {
		latest.Running = false
		latest.Error = "プロセスの再起動によりスイープが中断されました"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRun == nil {
		s.lastRun = latest
	}
	return nil
}

// interleaveByTenant はテナントごとのキーワードを1件ずつ交互に並べ替える。
// キーワード数の多いテナントが他のテナントのチェックを待たせないようにする。
// テナント内の順序と、テナントの初出順は保持する。
func interleaveByTenant(keywords []*model.Keyword) []*model.Keyword {
	var order []string
	groups := make(map[string][]*model.Keyword)
	for _, kw := range keywords {
		if _, ok := groups[kw.TenantID]; !ok {
			order = append(order, kw.TenantID)
		}
		groups[kw.TenantID] = append(groups[kw.TenantID], kw)
	}

	result := make([]*model.Keyword, 0, len(keywords))
	for round := 0; len(result) < len(keywords); round++ {
		for _, tenantID := range order {
			if group := groups[tenantID]; round < len(group) {
				result = append(result, group[round])
			}
		}
	}
	return result
}
