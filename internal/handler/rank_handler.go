package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/rankwatch/internal/middleware"
	"github.com/hitoshi/rankwatch/internal/model"
)

const (
	defaultHistoryLimit = 30
	maxHistoryLimit     = 365
)

// RankServiceInterface はランクチェックハンドラーが必要とするサービスインターフェース。
// rankcheck.Supervisorが実装する。
type RankServiceInterface interface {
	// CheckKeyword はテナントのキーワードを即時チェックする。
	CheckKeyword(ctx context.Context, tenantID, keywordID string) (*model.CheckOutcome, error)
	// TriggerSweep はスイープを非同期に開始し、開始時点のスナップショットを返す。
	TriggerSweep(ctx context.Context) (*model.SweepRun, error)
	// SweepStatus はスイープの実行状態を返す。
	SweepStatus(ctx context.Context) model.SweepStatus
	// Quota はテナントのクォータ状態を返す。
	Quota(ctx context.Context, tenantID string) (*model.QuotaStatus, error)
	// History はキーワードの順位履歴を新しい順に返す。
	History(ctx context.Context, tenantID, keywordID string, limit int) ([]*model.RankHistoryEntry, error)
}

// RankHandler はランクチェック関連のHTTPハンドラー。
type RankHandler struct {
	service RankServiceInterface
}

// NewRankHandler はRankHandlerを生成する。
func NewRankHandler(service RankServiceInterface) *RankHandler {
	return &RankHandler{service: service}
}

// checkRankRequest はPOST /api/check-rank のリクエストボディ。
type checkRankRequest struct {
	KeywordID string `json:"keywordId"`
}

// checkOutcomeResponse は1キーワードのチェック結果のAPIレスポンス。
type checkOutcomeResponse struct {
	KeywordID string    `json:"keywordId"`
	Success   bool      `json:"success"`
	Position  *int      `json:"position"`
	URL       string    `json:"url,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
	Attempts  int       `json:"attempts"`
}

// sweepRunResponse はスイープ実行記録のAPIレスポンス。
type sweepRunResponse struct {
	ID                   string     `json:"id"`
	Trigger              string     `json:"trigger"`
	StartedAt            time.Time  `json:"startedAt"`
	CompletedAt          *time.Time `json:"completedAt"`
	Total                int        `json:"total"`
	Checked              int        `json:"checked"`
	Succeeded            int        `json:"succeeded"`
	Failed               int        `json:"failed"`
	Skipped              int        `json:"skipped"`
	SkippedQuota         int        `json:"skippedQuota"`
	SkippedProviderQuota int        `json:"skippedProviderQuota"`
	SkippedInFlight      int        `json:"skippedInFlight"`
	Running              bool       `json:"running"`
	Error                string     `json:"error,omitempty"`
}

// triggerSweepResponse はPOST /api/trigger-sweep のレスポンス。
type triggerSweepResponse struct {
	Accepted bool              `json:"accepted"`
	Run      *sweepRunResponse `json:"run"`
}

// sweepStatusResponse はGET /api/sweep-status のレスポンス。
type sweepStatusResponse struct {
	IsRunning       bool              `json:"isRunning"`
	LastRun         *sweepRunResponse `json:"lastRun"`
	NextScheduledAt *time.Time        `json:"nextScheduledAt"`
}

// quotaResponse はGET /api/quota/{tenantId} のレスポンス。
type quotaResponse struct {
	TenantID    string    `json:"tenantId"`
	Used        int       `json:"used"`
	Limit       int       `json:"limit"`
	Remaining   int       `json:"remaining"`
	IsUnlimited bool      `json:"isUnlimited"`
	Exhausted   bool      `json:"exhausted"`
	ResetDate   time.Time `json:"resetDate"`
}

// historyEntryResponse は順位履歴1件のAPIレスポンス。
type historyEntryResponse struct {
	ID           string    `json:"id"`
	Position     *int      `json:"position"`
	MatchedURL   string    `json:"matchedUrl,omitempty"`
	MatchedTitle string    `json:"matchedTitle,omitempty"`
	SearchVolume *int      `json:"searchVolume,omitempty"`
	Difficulty   *int      `json:"difficulty,omitempty"`
	ObservedAt   time.Time `json:"observedAt"`
}

// CheckRank はボディで指定されたキーワードを即時チェックする。
// POST /api/check-rank
func (h *RankHandler) CheckRank(w http.ResponseWriter, r *http.Request) {
	var req checkRankRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, newInvalidRequestError("リクエストボディの解析に失敗しました。"))
		return
	}
	if req.KeywordID == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, newInvalidRequestError("keywordId は必須です。"))
		return
	}
	h.checkKeyword(w, r, req.KeywordID)
}

// CheckKeyword はURLパスで指定されたキーワードを即時チェックする。
// POST /api/keywords/{id}/check
func (h *RankHandler) CheckKeyword(w http.ResponseWriter, r *http.Request) {
	h.checkKeyword(w, r, chi.URLParam(r, "id"))
}

func (h *RankHandler) checkKeyword(w http.ResponseWriter, r *http.Request, keywordID string) {
	tenantID, ok := tenantFromRequest(w, r)
	if !ok {
		return
	}

	outcome, err := h.service.CheckKeyword(r.Context(), tenantID, keywordID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toCheckOutcomeResponse(outcome))
}

// TriggerSweep はスイープを開始する。実行中の場合は409を返す。
// POST /api/trigger-sweep
func (h *RankHandler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	run, err := h.service.TriggerSweep(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, triggerSweepResponse{
		Accepted: true,
		Run:      toSweepRunResponse(run),
	})
}

// SweepStatus はスイープの実行状態を返す。
// GET /api/sweep-status
func (h *RankHandler) SweepStatus(w http.ResponseWriter, r *http.Request) {
	status := h.service.SweepStatus(r.Context())
	writeJSON(w, http.StatusOK, sweepStatusResponse{
		IsRunning:       status.IsRunning,
		LastRun:         toSweepRunResponse(status.LastRun),
		NextScheduledAt: status.NextScheduledAt,
	})
}

// Quota はテナントのクォータ状態を返す。自テナント以外は参照できない。
// GET /api/quota/{tenantId}
func (h *RankHandler) Quota(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromRequest(w, r)
	if !ok {
		return
	}

	if requested := chi.URLParam(r, "tenantId"); requested != tenantID {
		writeAPIErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
		return
	}

	status, err := h.service.Quota(r.Context(), tenantID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, quotaResponse{
		TenantID:    status.TenantID,
		Used:        status.Used,
		Limit:       status.Limit,
		Remaining:   status.Remaining(),
		IsUnlimited: status.IsUnlimited,
		Exhausted:   status.Exhausted,
		ResetDate:   status.ResetDate,
	})
}

// History はキーワードの順位履歴を返す。
// GET /api/keywords/{id}/history?limit=
func (h *RankHandler) History(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromRequest(w, r)
	if !ok {
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxHistoryLimit {
			writeAPIErrorResponse(w, http.StatusBadRequest,
				newInvalidRequestError("limit は1から"+strconv.Itoa(maxHistoryLimit)+"の整数で指定してください。"))
			return
		}
		limit = n
	}

	entries, err := h.service.History(r.Context(), tenantID, chi.URLParam(r, "id"), limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]historyEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, historyEntryResponse{
			ID:           e.ID,
			Position:     e.Position,
			MatchedURL:   e.MatchedURL,
			MatchedTitle: e.MatchedTitle,
			SearchVolume: e.SearchVolume,
			Difficulty:   e.Difficulty,
			ObservedAt:   e.ObservedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// tenantFromRequest はコンテキストからテナントIDを取り出す。取れない場合は401を書き込む。
func tenantFromRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID, err := middleware.TenantIDFromContext(r.Context())
	if err != nil {
		middleware.WriteUnauthorized(w)
		return "", false
	}
	return tenantID, true
}

func toCheckOutcomeResponse(o *model.CheckOutcome) checkOutcomeResponse {
	return checkOutcomeResponse{
		KeywordID: o.KeywordID,
		Success:   o.Success,
		Position:  o.Position,
		URL:       o.URL,
		CheckedAt: o.CheckedAt,
		Attempts:  o.Attempts,
	}
}

func toSweepRunResponse(run *model.SweepRun) *sweepRunResponse {
	if run == nil {
		return nil
	}
	return &sweepRunResponse{
		ID:                   run.ID,
		Trigger:              run.Trigger,
		StartedAt:            run.StartedAt,
		CompletedAt:          run.CompletedAt,
		Total:                run.Total,
		Checked:              run.Checked,
		Succeeded:            run.Succeeded,
		Failed:               run.Failed,
		Skipped:              run.Skipped(),
		SkippedQuota:         run.SkippedQuota,
		SkippedProviderQuota: run.SkippedProviderQuota,
		SkippedInFlight:      run.SkippedInFlight,
		Running:              run.Running,
		Error:                run.Error,
	}
}
