package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/rankwatch/internal/worker/rankcheck"
)

const healthCheckTimeout = 2 * time.Second

// HealthChecker はDB疎通確認に必要なインターフェース。*sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// ReadinessReporter はスケジューラの準備状態を返すインターフェース。
type ReadinessReporter interface {
	Ready(ctx context.Context) rankcheck.State
}

// HealthHandler はヘルスチェックと準備状態のHTTPハンドラー。
type HealthHandler struct {
	db        HealthChecker
	readiness ReadinessReporter
}

// NewHealthHandler はHealthHandlerを生成する。readinessがnilの場合 /ready はDB疎通のみを見る。
func NewHealthHandler(db HealthChecker, readiness ReadinessReporter) *HealthHandler {
	return &HealthHandler{db: db, readiness: readiness}
}

type healthResponse struct {
	Status string `json:"status"`
}

type readyResponse struct {
	IsInitialized bool     `json:"isInitialized"`
	ActuallyReady bool     `json:"actuallyReady"`
	LastRunStatus string   `json:"lastRunStatus"`
	FailedProbes  []string `json:"failedProbes,omitempty"`
}

// Health はプロセスとDBの生存確認を行う。
// GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			slog.Warn("health check failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// Ready はスケジューラの準備状態を返す。準備未完了なら503を返す。
// GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.readiness == nil {
		h.Health(w, r)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	st := h.readiness.Ready(ctx)
	resp := readyResponse{
		IsInitialized: st.IsInitialized,
		ActuallyReady: st.ActuallyReady,
		LastRunStatus: st.LastRunStatus,
		FailedProbes:  st.FailedProbes,
	}

	status := http.StatusOK
	if !st.ActuallyReady {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
