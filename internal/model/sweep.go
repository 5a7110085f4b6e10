package model

import "time"

// SweepRun はバッチスケジューラの1回の実行を表す。
// Runningがfalseになった時点で終端となり、以後は変更されない。
type SweepRun struct {
	ID                   string
	Trigger              string // "schedule" または "manual"
	StartedAt            time.Time
	CompletedAt          *time.Time
	Total                int
	Checked              int
	Succeeded            int
	Failed               int
	SkippedQuota         int
	SkippedProviderQuota int
	SkippedInFlight      int
	Running              bool
	Error                string
}

// Skipped はスキップされたキーワード数の合計を返す。
func (r *SweepRun) Skipped() int {
	return r.SkippedQuota + r.SkippedProviderQuota + r.SkippedInFlight
}

// Clone はスナップショット用のコピーを返す。
func (r *SweepRun) Clone() *SweepRun {
	if r == nil {
		return nil
	}
	c := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// SweepStatus はスイープの公開状態を表す。
type SweepStatus struct {
	IsRunning       bool
	LastRun         *SweepRun
	NextScheduledAt *time.Time
}

// CheckOutcome はランクチェックユニットの1キーワード分の結果を表す。
type CheckOutcome struct {
	KeywordID string
	Success   bool
	Position  *int
	URL       string
	CheckedAt time.Time
	Attempts  int
	Err       error
}
