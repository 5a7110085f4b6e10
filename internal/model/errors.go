// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, quota, provider, system
	Action   string // ユーザー向け対処方法
	Err      error  // 原因（ログ用。レスポンスには含めない）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *APIError) Unwrap() error {
	return e.Err
}

// 定義済みエラーコード
const (
	ErrCodeQuotaExhausted         = "QUOTA_EXHAUSTED"
	ErrCodeProviderQuotaExhausted = "PROVIDER_QUOTA_EXHAUSTED"
	ErrCodeProviderError          = "PROVIDER_ERROR"
	ErrCodeNoIntegration          = "NO_INTEGRATION"
	ErrCodeAlreadyRunning         = "ALREADY_RUNNING"
	ErrCodePersistence            = "PERSISTENCE_ERROR"
	ErrCodeKeywordNotFound        = "KEYWORD_NOT_FOUND"
	ErrCodeKeywordInactive        = "KEYWORD_INACTIVE"
	ErrCodeCheckInProgress        = "KEYWORD_CHECK_IN_PROGRESS"
	ErrCodeQuotaNotFound          = "QUOTA_NOT_FOUND"
	ErrCodeForbidden              = "FORBIDDEN"
)

// ErrorCode はエラーチェーン中のAPIErrorのコードを返す。APIErrorでなければ空文字列。
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// IsCode はエラーが指定コードのAPIErrorかを判定する。
func IsCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// NewQuotaExhaustedError はテナントの日次クォータ枯渇エラーを生成する。
// テナント自身が対処可能（プランのアップグレード）。
func NewQuotaExhaustedError(tenantID string) *APIError {
	return &APIError{
		Code:     ErrCodeQuotaExhausted,
		Message:  fmt.Sprintf("本日のランクチェック上限に達しました: %s", tenantID),
		Category: "quota",
		Action:   "上限は翌日にリセットされます。すぐにチェックが必要な場合はプランをアップグレードしてください。",
	}
}

// NewProviderQuotaExhaustedError はプロバイダ連携のクォータ枯渇エラーを生成する。
// システム全体の制限であり、テナントは対処できない。
func NewProviderQuotaExhaustedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeProviderQuotaExhausted,
		Message:  fmt.Sprintf("順位取得プロバイダの利用上限に達しています（%s）。", reason),
		Category: "provider",
		Action:   "システム全体の一時的な制限です。しばらく待ってから再度お試しください。",
	}
}

// NewProviderError は順位取得プロバイダ呼び出しの失敗エラーを生成する。
func NewProviderError(err error) *APIError {
	return &APIError{
		Code:     ErrCodeProviderError,
		Message:  "順位取得プロバイダの呼び出しに失敗しました。",
		Category: "provider",
		Action:   "しばらく待ってから再度お試しください。",
		Err:      err,
	}
}

// NewNoIntegrationError は有効なプロバイダ連携が設定されていない場合のエラーを生成する。
func NewNoIntegrationError(tenantID string) *APIError {
	return &APIError{
		Code:     ErrCodeNoIntegration,
		Message:  fmt.Sprintf("有効な順位取得プロバイダ連携が設定されていません: %s", tenantID),
		Category: "validation",
		Action:   "設定画面でプロバイダ連携を登録し、有効化してください。",
	}
}

// NewAlreadyRunningError はスイープが実行中の場合のエラーを生成する。
func NewAlreadyRunningError() *APIError {
	return &APIError{
		Code:     ErrCodeAlreadyRunning,
		Message:  "ランクチェックのスイープは既に実行中です。",
		Category: "system",
		Action:   "実行中のスイープの完了を待ってください。進捗は /api/sweep-status で確認できます。",
	}
}

// NewPersistenceError はチェック結果の保存失敗エラーを生成する。
func NewPersistenceError(err error) *APIError {
	return &APIError{
		Code:     ErrCodePersistence,
		Message:  "チェック結果の保存に失敗しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
		Err:      err,
	}
}

// NewKeywordNotFoundError はキーワード未検出エラーを生成する。
func NewKeywordNotFoundError(keywordID string) *APIError {
	return &APIError{
		Code:     ErrCodeKeywordNotFound,
		Message:  fmt.Sprintf("指定されたキーワードが見つかりません: %s", keywordID),
		Category: "validation",
		Action:   "キーワードIDを確認してください。",
	}
}

// NewKeywordInactiveError は無効化されたキーワードへのチェック要求エラーを生成する。
func NewKeywordInactiveError(keywordID string) *APIError {
	return &APIError{
		Code:     ErrCodeKeywordInactive,
		Message:  fmt.Sprintf("キーワードは無効化されています: %s", keywordID),
		Category: "validation",
		Action:   "キーワードを有効化してから再度お試しください。",
	}
}

// NewCheckInProgressError は同一キーワードのチェックが進行中の場合のエラーを生成する。
func NewCheckInProgressError(keywordID string) *APIError {
	return &APIError{
		Code:     ErrCodeCheckInProgress,
		Message:  fmt.Sprintf("このキーワードは現在チェック中です: %s", keywordID),
		Category: "system",
		Action:   "チェックの完了を待ってから結果を確認してください。",
	}
}

// NewQuotaNotFoundError はテナントにパッケージ/クォータ設定がない場合のエラーを生成する。
func NewQuotaNotFoundError(tenantID string) *APIError {
	return &APIError{
		Code:     ErrCodeQuotaNotFound,
		Message:  fmt.Sprintf("クォータ設定が見つかりません: %s", tenantID),
		Category: "quota",
		Action:   "ご契約中のパッケージを確認してください。",
	}
}

// NewForbiddenError は他テナントのリソースへのアクセスエラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "このリソースへのアクセス権がありません。",
		Category: "auth",
		Action:   "自身のテナントのリソースのみ参照できます。",
	}
}
