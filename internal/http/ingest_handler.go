package httpapi

import (
	"errors"
	"net/http"

	"wisefido-pv-ingest/internal/ingest"
	"wisefido-pv-ingest/internal/models"

	"go.uber.org/zap"
)

// IngestHandler 接收单条遥测记录
type IngestHandler struct {
	gate    ingest.Submitter
	metrics *ingest.Metrics
	logger  *zap.Logger
}

func NewIngestHandler(gate ingest.Submitter, metrics *ingest.Metrics, logger *zap.Logger) *IngestHandler {
	return &IngestHandler{gate: gate, metrics: metrics, logger: logger}
}

// Submit POST /api/submit
// 200 已入队（异步写入，不保证持久化）；503 队列已满，稍后重试
func (h *IngestHandler) Submit(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r, maxBodyBytes)
	if err != nil {
		h.metrics.RecordInvalidPayload("http")
		if errors.Is(err, errBodyTooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, Fail(err.Error()))
			return
		}
		writeJSON(w, http.StatusBadRequest, Fail("failed to read body"))
		return
	}

	reading, err := models.DecodeReading(body, "")
	if err != nil {
		h.metrics.RecordInvalidPayload("http")
		if errors.Is(err, models.ErrMissingRequired) {
			writeJSON(w, http.StatusUnprocessableEntity, Fail(err.Error()))
			return
		}
		writeJSON(w, http.StatusBadRequest, Fail(err.Error()))
		return
	}

	if err := h.gate.Submit(reading); err != nil {
		if errors.Is(err, ingest.ErrQueueFull) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusServiceUnavailable, Fail("queue full, try again later"))
			return
		}
		h.logger.Error("Failed to submit reading", zap.String("device_id", reading.DeviceID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to submit reading"))
		return
	}

	writeJSON(w, http.StatusOK, Ok(map[string]any{"status": "queued"}))
}
