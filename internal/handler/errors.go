package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/rankwatch/internal/middleware"
	"github.com/hitoshi/rankwatch/internal/model"
)

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		statusCode := mapAPIErrorToHTTPStatus(apiErr)
		if statusCode >= http.StatusInternalServerError && apiErr.Err != nil {
			slog.Error("request failed",
				slog.String("code", apiErr.Code),
				slog.String("error", apiErr.Err.Error()),
			)
		}
		writeAPIErrorResponse(w, statusCode, apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeQuotaExhausted:
		return http.StatusTooManyRequests
	case model.ErrCodeProviderQuotaExhausted:
		return http.StatusServiceUnavailable
	case model.ErrCodeProviderError:
		return http.StatusBadGateway
	case model.ErrCodeNoIntegration:
		return http.StatusUnprocessableEntity
	case model.ErrCodeAlreadyRunning, model.ErrCodeKeywordInactive, model.ErrCodeCheckInProgress:
		return http.StatusConflict
	case model.ErrCodeKeywordNotFound, model.ErrCodeQuotaNotFound:
		return http.StatusNotFound
	case model.ErrCodeForbidden:
		return http.StatusForbidden
	case errCodeInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

const errCodeInvalidRequest = "INVALID_REQUEST"

func newInvalidRequestError(message string) *model.APIError {
	return &model.APIError{
		Code:     errCodeInvalidRequest,
		Message:  message,
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	}
}

// writeJSON はステータスコードとJSONボディを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}
