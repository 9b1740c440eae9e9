package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/nikhilbhutani/processor/internal/metrics"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type DepthReader interface {
	Depth() (int, error)
}

type HealthHandler struct {
	db      Pinger
	redis   Pinger
	queue   DepthReader
	started time.Time
}

func NewHealthHandler(db, rdb Pinger, queue DepthReader) *HealthHandler {
	return &HealthHandler{db: db, redis: rdb, queue: queue, started: time.Now()}
}

type memoryStats struct {
	AllocBytes     uint64 `json:"allocBytes"`
	HeapInuseBytes uint64 `json:"heapInuseBytes"`
	SysBytes       uint64 `json:"sysBytes"`
	NumGC          uint32 `json:"numGC"`
}

type healthResponse struct {
	Status     string      `json:"status"`
	Uptime     string      `json:"uptime"`
	UptimeSecs int64       `json:"uptimeSeconds"`
	Memory     memoryStats `json:"memory"`
	QueueDepth *int        `json:"queueDepth"`
}

// Health reports liveness. A queue that cannot be inspected degrades the
// status but still answers 200.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	uptime := time.Since(h.started)
	resp := healthResponse{
		Status:     "ok",
		Uptime:     uptime.Round(time.Second).String(),
		UptimeSecs: int64(uptime.Seconds()),
		Memory: memoryStats{
			AllocBytes:     ms.Alloc,
			HeapInuseBytes: ms.HeapInuse,
			SysBytes:       ms.Sys,
			NumGC:          ms.NumGC,
		},
	}
	if h.queue != nil {
		depth, err := h.queue.Depth()
		if err != nil {
			slog.WarnContext(r.Context(), "failed to read queue depth", "error", err)
			resp.Status = "degraded"
		} else {
			resp.QueueDepth = &depth
			metrics.SetQueueDepth(depth)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}

	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			checks["database"] = "unhealthy: " + err.Error()
		} else {
			checks["database"] = "ok"
		}
	}

	if h.redis != nil {
		if err := h.redis.Ping(r.Context()); err != nil {
			checks["redis"] = "unhealthy: " + err.Error()
		} else {
			checks["redis"] = "ok"
		}
	}

	status := http.StatusOK
	for _, v := range checks {
		if v != "ok" {
			status = http.StatusServiceUnavailable
			break
		}
	}

	writeJSON(w, status, map[string]any{"status": statusStr(status), "checks": checks})
}

func statusStr(code int) string {
	if code == http.StatusOK {
		return "ok"
	}
	return "unhealthy"
}
