package rankcheck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/rankwatch/internal/lease"
	"github.com/hitoshi/rankwatch/internal/model"
	"github.com/hitoshi/rankwatch/internal/repository"
)

// 直近スイープの結果ステータス。
const (
	RunStatusNeverRun  = "never_run"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

const defaultSweepInterval = 24 * time.Hour

// Probe は起動時・レディネス確認時に検査する依存先。
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// State はSupervisorのライフサイクル状態。
type State struct {
	IsInitialized bool
	ActuallyReady bool
	LastRunStatus string
	FailedProbes  []string
}

// SupervisorConfig はSupervisorのスケジュール設定。
type SupervisorConfig struct {
	// Interval はスイープの実行間隔。
	Interval time.Duration
	// StartTime は初回実行時刻（Location上の "HH:MM"）。空の場合は起動からInterval後。
	StartTime string
	// RunOnStart がtrueの場合、Start直後に1回スイープを実行する。
	RunOnStart bool
	// Location はStartTimeを解釈するタイムゾーン。
	Location *time.Location
}

// Supervisor はランクチェックのプロセス全体のライフサイクルを管理する。
// 定期スイープのタイマーを1つだけ起動し、スイープの実行と状態参照の唯一の入口になる。
// 依存先の初期化に失敗してもプロセスは停止させず、ActuallyReady=falseとして報告する。
type Supervisor struct {
	scheduler *Scheduler
	trigger   *ManualTrigger
	ledger    QuotaLedger
	keywords  repository.KeywordRepository
	history   repository.RankHistoryRepository
	lease     lease.Lease
	probes    []Probe
	cfg       SupervisorConfig
	logger    *slog.Logger
	now       func() time.Time

	started atomic.Bool
	wg      sync.WaitGroup

	mu      sync.RWMutex
	state   State
	next    *time.Time
	baseCtx context.Context
}

// NewSupervisor はSupervisorの新しいインスタンスを生成する。
// leaseがnilの場合はプロセス内リースを使用する。
func NewSupervisor(
	scheduler *Scheduler,
	trigger *ManualTrigger,
	ledger QuotaLedger,
	keywords repository.KeywordRepository,
	history repository.RankHistoryRepository,
	sweepLease lease.Lease,
	probes []Probe,
	cfg SupervisorConfig,
	logger *slog.Logger,
) *Supervisor {
	if sweepLease == nil {
		sweepLease = lease.NewLocal()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSweepInterval
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Supervisor{
		scheduler: scheduler,
		trigger:   trigger,
		ledger:    ledger,
		keywords:  keywords,
		history:   history,
		lease:     sweepLease,
		probes:    probes,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		state:     State{LastRunStatus: RunStatusNeverRun},
		baseCtx:   context.Background(),
	}
}

// Init は依存先を検査し、保存済みの直近スイープを読み込む。
// 検査に失敗した場合もエラーは返さず、状態にActuallyReady=falseを記録する。
func (s *Supervisor) Init(ctx context.Context) State {
	failed := s.runProbes(ctx)

	if err := s.scheduler.LoadLastRun(ctx); err != nil {
		s.logger.Warn("直近のスイープ実行記録の読み込みに失敗しました",
			slog.String("error", err.Error()),
		)
	}

	s.mu.Lock()
	s.state.IsInitialized = true
	s.state.ActuallyReady = len(failed) == 0
	s.state.FailedProbes = failed
	if last := s.scheduler.LastRun(); last != nil && s.state.LastRunStatus == RunStatusNeverRun {
		s.state.LastRunStatus = runStatusOf(last)
	}
	state := s.copyState()
	s.mu.Unlock()

	if state.ActuallyReady {
		s.logger.Info("ランクチェックワーカーを初期化しました")
	} else {
		s.logger.Error("ランクチェックワーカーの依存先が利用できません",
			slog.String("failed_probes", strings.Join(failed, ",")),
		)
	}
	return state
}

// Ready は依存先を再検査し、現在の状態を返す。
func (s *Supervisor) Ready(ctx context.Context) State {
	failed := s.runProbes(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.ActuallyReady = s.state.IsInitialized && len(failed) == 0
	s.state.FailedProbes = failed
	return s.copyState()
}

// runProbes は全ての依存先を検査し、失敗した依存先名を返す。
func (s *Supervisor) runProbes(ctx context.Context) []string {
	var failed []string
	for _, p := range s.probes {
		if err := p.Check(ctx); err != nil {
			s.logger.Warn("依存先の検査に失敗しました",
				slog.String("probe", p.Name),
				slog.String("error", err.Error()),
			)
			failed = append(failed, p.Name)
		}
	}
	return failed
}

// Start は定期スイープのタイマーを起動する。
// コンテキストがキャンセルされるまでブロックする。2回目以降の呼び出しは何もしない。
func (s *Supervisor) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		s.logger.Warn("スイープタイマーは既に起動しています")
		return
	}

	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	s.logger.Info("スイープタイマーを開始しました",
		slog.Duration("interval", s.cfg.Interval),
		slog.String("start_time", s.cfg.StartTime),
		slog.Bool("run_on_start", s.cfg.RunOnStart),
	)

	if s.cfg.RunOnStart {
		s.runScheduled(ctx)
	}

	next := s.firstRunAt(s.now())
	for {
		s.setNext(&next)
		timer := time.NewTimer(next.Sub(s.now()))

		select {
		case <-ctx.Done():
			timer.Stop()
			s.setNext(nil)
			s.logger.Info("スイープタイマーを停止しました")
			return
		case <-timer.C:
			s.runScheduled(ctx)
		}

		next = s.advance(next, s.now())
	}
}

// Wait は手動トリガーで開始したバックグラウンドのスイープの完了を待つ。
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// runScheduled はタイマー起点のスイープを実行する。実行中であればスキップする。
func (s *Supervisor) runScheduled(ctx context.Context) {
	if _, err := s.RunSweep(ctx, TriggerSchedule); err != nil {
		if model.IsCode(err, model.ErrCodeAlreadyRunning) {
			s.logger.Info("スイープが実行中のため定期実行をスキップしました")
			return
		}
		s.logger.Error("定期スイープの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunSweep はスイープを同期的に実行する。
// 他のスイープが実行中（他レプリカを含む）の場合はALREADY_RUNNINGを返す。
func (s *Supervisor) RunSweep(ctx context.Context, trigger string) (*model.SweepRun, error) {
	sw, release, err := s.begin(ctx, trigger)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.execute(ctx, sw)
}

// TriggerSweep はスイープをバックグラウンドで開始し、開始直後の状態を返す。
// 既に実行中の場合はALREADY_RUNNINGを返し、2つ目のスイープは開始しない。
func (s *Supervisor) TriggerSweep(ctx context.Context) (*model.SweepRun, error) {
	sw, release, err := s.begin(ctx, TriggerManual)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	runCtx := s.baseCtx
	s.mu.RUnlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer release()
		s.execute(runCtx, sw)
	}()

	return sw.Snapshot(), nil
}

// begin はリースとスケジューラの実行権を取得する。
func (s *Supervisor) begin(ctx context.Context, trigger string) (*Sweep, func(), error) {
	release, err := s.lease.Acquire(ctx)
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			return nil, nil, model.NewAlreadyRunningError()
		}
		return nil, nil, fmt.Errorf("スイープのリース取得に失敗しました: %w", err)
	}

	sw, err := s.scheduler.Begin(trigger)
	if err != nil {
		release()
		return nil, nil, err
	}

	s.setRunStatus(RunStatusRunning)
	return sw, release, nil
}

// execute はスイープを実行し、結果をライフサイクル状態に反映する。
func (s *Supervisor) execute(ctx context.Context, sw *Sweep) (run *model.SweepRun, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("スイープの実行中にパニックが発生しました",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("スイープの実行中にパニックが発生しました: %v", r)
			s.setRunStatus(RunStatusFailed)
		}
	}()

	run, err = sw.Execute(ctx)
	if err != nil {
		s.setRunStatus(RunStatusFailed)
	} else {
		s.setRunStatus(RunStatusCompleted)
	}
	return run, err
}

// CheckKeyword はテナントのキーワードを即時チェックする。スイープの実行状態に関係なく実行できる。
func (s *Supervisor) CheckKeyword(ctx context.Context, tenantID, keywordID string) (*model.CheckOutcome, error) {
	return s.trigger.CheckKeyword(ctx, tenantID, keywordID)
}

// Quota はテナントのクォータ状態を返す。
func (s *Supervisor) Quota(ctx context.Context, tenantID string) (*model.QuotaStatus, error) {
	return s.ledger.GetQuota(ctx, tenantID)
}

// History はテナントのキーワードの順位履歴を新しい順に返す。
func (s *Supervisor) History(ctx context.Context, tenantID, keywordID string, limit int) ([]*model.RankHistoryEntry, error) {
	kw, err := s.keywords.FindByID(ctx, keywordID)
	if err != nil {
		return nil, err
	}
	if kw == nil || kw.TenantID != tenantID {
		return nil, model.NewKeywordNotFoundError(keywordID)
	}
	return s.history.ListByKeyword(ctx, keywordID, limit)
}

// SweepStatus はスイープの実行状態を返す。実行中は途中の集計値を含む。
// このプロセスでスイープが動いていない場合は保存済みの実行記録とリースを参照し、
// 他のレプリカで実行中のスイープも実行中として報告する。
func (s *Supervisor) SweepStatus(ctx context.Context) model.SweepStatus {
	status := model.SweepStatus{
		IsRunning: s.scheduler.IsRunning(),
		LastRun:   s.scheduler.LastRun(),
	}
	if !status.IsRunning {
		if remote := s.remoteRun(ctx, status.LastRun); remote != nil {
			status.LastRun = remote
			status.IsRunning = remote.Running
		}
	}

	s.mu.RLock()
	if s.next != nil {
		next := *s.next
		status.NextScheduledAt = &next
	}
	s.mu.RUnlock()
	return status
}

// remoteRun は保存済みの最新スイープ実行記録のうち、localより新しい状態を持つものを返す。
// 該当しない場合や参照に失敗した場合はnilを返し、呼び出し元はlocalを使う。
func (s *Supervisor) remoteRun(ctx context.Context, local *model.SweepRun) *model.SweepRun {
	latest, err := s.scheduler.LatestPersistedRun(ctx)
	if err != nil {
		s.logger.Warn("保存済みのスイープ実行記録の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if latest == nil {
		return nil
	}
	if local != nil {
		// このプロセスで完了したスイープはメモリ上の記録が最新
		if local.ID == latest.ID && local.CompletedAt != nil {
			return nil
		}
		if local.ID != latest.ID && local.StartedAt.After(latest.StartedAt) {
			return nil
		}
	}
	if !latest.Running {
		return latest
	}

	// 実行中の記録はリースが保持されている間だけ実行中として扱う
	held, err := s.lease.Held(ctx)
	if err != nil {
		s.logger.Warn("スイープリースの状態確認に失敗しました",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if !held {
		latest.Running = false
		latest.Error = "スイープの実行プロセスが終了したため中断されました"
	}
	return latest
}

// State は現在のライフサイクル状態を返す。
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyState()
}

func (s *Supervisor) copyState() State {
	st := s.state
	st.FailedProbes = append([]string(nil), s.state.FailedProbes...)
	return st
}

func (s *Supervisor) setRunStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.LastRunStatus = status
}

func (s *Supervisor) setNext(next *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next == nil {
		s.next = nil
		return
	}
	t := *next
	s.next = &t
}

// firstRunAt は初回のスイープ時刻を返す。
// StartTimeが設定されていればnow以降で最初のその時刻、なければnow+Interval。
func (s *Supervisor) firstRunAt(now time.Time) time.Time {
	hour, minute, ok := parseClock(s.cfg.StartTime)
	if !ok {
		return now.Add(s.cfg.Interval)
	}
	local := now.In(s.cfg.Location)
	first := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, s.cfg.Location)
	for !first.After(now) {
		first = first.Add(s.cfg.Interval)
	}
	return first
}

// advance は前回の予定時刻からIntervalずつ進め、nowより後の最初の時刻を返す。
// スイープがIntervalより長くかかった場合は、過ぎた回をまとめて飛ばす。
func (s *Supervisor) advance(prev, now time.Time) time.Time {
	next := prev.Add(s.cfg.Interval)
	for !next.After(now) {
		next = next.Add(s.cfg.Interval)
	}
	return next
}

// parseClock は "HH:MM" 形式の時刻を解析する。
func parseClock(v string) (hour, minute int, ok bool) {
	if v == "" {
		return 0, 0, false
	}
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, 0, false
	}
	return t.Hour(), t.Minute(), true
}

// runStatusOf はスイープ実行記録からステータスを求める。
func runStatusOf(run *model.SweepRun) string {
	switch {
	case run.Running:
		return RunStatusRunning
	case run.Error != "":
		return RunStatusFailed
	default:
		return RunStatusCompleted
	}
}
