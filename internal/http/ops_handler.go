package httpapi

import (
	"context"
	"net/http"
	"time"

	"wisefido-pv-ingest/internal/ingest"

	"go.uber.org/zap"
)

const healthCheckTimeout = 2 * time.Second

// Pinger 数据库连通性检查
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueStats 队列长度与容量
type QueueStats interface {
	Len() int
	Cap() int
}

// OpsHandler 运维接口
type OpsHandler struct {
	db      Pinger
	queue   QueueStats
	metrics *ingest.Metrics
	logger  *zap.Logger
}

func NewOpsHandler(db Pinger, queue QueueStats, metrics *ingest.Metrics, logger *zap.Logger) *OpsHandler {
	return &OpsHandler{db: db, queue: queue, metrics: metrics, logger: logger}
}

// Stats GET /api/stats
func (h *OpsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	snapshot := h.metrics.GetSnapshot()

	var avgWrite time.Duration
	if snapshot.BatchesWritten > 0 {
		avgWrite = snapshot.TotalWriteTime / time.Duration(snapshot.BatchesWritten)
	}
	var lastFlush any
	if !snapshot.LastFlushTime.IsZero() {
		lastFlush = snapshot.LastFlushTime.UTC().Format(time.RFC3339Nano)
	}

	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"queue_length":       h.queue.Len(),
		"queue_capacity":     h.queue.Cap(),
		"readings_accepted":  snapshot.ReadingsAccepted,
		"readings_rejected":  snapshot.ReadingsRejected,
		"invalid_payloads":   snapshot.InvalidPayloads,
		"transform_rejected": snapshot.TransformRejected,
		"rows_written":       snapshot.RowsWritten,
		"batches_written":    snapshot.BatchesWritten,
		"batches_failed":     snapshot.BatchesFailed,
		"rows_dropped":       snapshot.RowsDropped,
		"avg_write_ms":       float64(avgWrite) / float64(time.Millisecond),
		"last_flush_at":      lastFlush,
		"last_error":         snapshot.LastError,
		"uptime_seconds":     int64(time.Since(snapshot.StartTime).Seconds()),
	}))
}

// Health GET /healthz
func (h *OpsHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		h.logger.Warn("Health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, Fail("database unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"status": "ok"}))
}
