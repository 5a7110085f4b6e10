package model

import "time"

// Session はテナントのログインセッションを表す。
// セッションは外部の認証サービスが発行し、本サービスは参照のみ行う。
type Session struct {
	ID        string
	TenantID  string
	ExpiresAt time.Time
	CreatedAt time.Time
}
