package model

import "time"

// UnlimitedQuota は日次上限なしを表すセンチネル値。
const UnlimitedQuota = -1

// QuotaRecord はテナントごとのランクチェック日次クォータを表す。
// ResetDateが「今日」より前のレコードは古く、使用量を0に巻き戻してから扱う。
type QuotaRecord struct {
	TenantID   string
	DailyUsed  int
	DailyLimit int
	ResetDate  time.Time // 基準タイムゾーンでの暦日（時刻部分は0）
	UpdatedAt  time.Time
}

// IsUnlimited は上限なしのクォータかを返す。
func (q *QuotaRecord) IsUnlimited() bool {
	return q.DailyLimit == UnlimitedQuota
}

// IsStale はレコードの暦日がtodayより前かを返す。
func (q *QuotaRecord) IsStale(today time.Time) bool {
	return q.ResetDate.Before(today)
}

// QuotaStatus はGET /quota で返すクォータ状態。
type QuotaStatus struct {
	TenantID    string
	Used        int
	Limit       int
	IsUnlimited bool
	Exhausted   bool
	ResetDate   time.Time
}

// Remaining は残りクォータを返す。上限なしの場合は-1。
func (s QuotaStatus) Remaining() int {
	if s.IsUnlimited {
		return UnlimitedQuota
	}
	if r := s.Limit - s.Used; r > 0 {
		return r
	}
	return 0
}

// PackageQuota はサブスクリプションパッケージから解決された日次上限。
type PackageQuota struct {
	DailyQuotaLimit int
	IsUnlimited     bool
}

// ServiceIntegration は外部順位取得プロバイダの認証情報とクォータカウンタを表す。
// テナントのクォータとは独立に、プロバイダへのリクエスト数そのものを制限する。
type ServiceIntegration struct {
	ID                string
	TenantID          string
	Provider          string
	Endpoint          string
	APIKey            string
	DailyLimit        int // -1は上限なし
	DailyUsed         int
	MinuteLimit       int // 0以下は分単位の制限なし
	MinuteUsed        int
	MinuteWindowStart time.Time
	ResetDate         time.Time
	Active            bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
