package health

import (
	"net/http"
	"time"

	"coinview/internal/db"
	"coinview/internal/httputil"
)

type Handler struct {
	pool    db.Pool
	started time.Time
}

func NewHandler(pool db.Pool) *Handler {
	return &Handler{pool: pool, started: time.Now()}
}

type response struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	UptimeS  int64  `json:"uptime_s"`
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	resp := response{Status: "ok", Database: "ok", UptimeS: int64(time.Since(h.started).Seconds())}
	var one int
	if err := h.pool.QueryRow(r.Context(), "select 1").Scan(&one); err != nil {
		resp.Status = "degraded"
		resp.Database = err.Error()
		httputil.WriteJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}
