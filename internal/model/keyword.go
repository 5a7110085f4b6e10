package model

import "time"

// Device は順位を計測する検索デバイス種別を表す。
type Device string

const (
	// DeviceDesktop はデスクトップ検索。
	DeviceDesktop Device = "desktop"
	// DeviceMobile はモバイル検索。
	DeviceMobile Device = "mobile"
	// DeviceTablet はタブレット検索。
	DeviceTablet Device = "tablet"
)

// Keyword はテナントが追跡する (キーワード, ドメイン, 国, デバイス) の組を表す。
// 順位・最終チェック日時はランクチェックユニットのみが更新する。
type Keyword struct {
	ID               string
	TenantID         string
	Term             string
	Domain           string
	CountryCode      string
	Device           Device
	Tags             []string
	Active           bool
	CurrentPosition  *int // 1始まり。nilは未計測または圏外
	PreviousPosition *int
	LastCheckedAt    *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsDue はキーワードがチェック対象かを判定する。
// アクティブかつ最終チェックがinterval以上前、または一度もチェックされていない場合にtrueを返す。
func (k *Keyword) IsDue(now time.Time, interval time.Duration) bool {
	if !k.Active {
		return false
	}
	if k.LastCheckedAt == nil {
		return true
	}
	return !k.LastCheckedAt.After(now.Add(-interval))
}

// RankHistoryEntry は1回の順位観測結果を表す。追記のみで更新しない。
type RankHistoryEntry struct {
	ID           string
	KeywordID    string
	Position     *int
	MatchedURL   string
	MatchedTitle string
	SearchVolume *int
	Difficulty   *int
	ObservedAt   time.Time
}
