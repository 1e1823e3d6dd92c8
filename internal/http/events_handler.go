package httpapi

import (
	"context"
	"net/http"
	"time"

	"wisefido-pv-ingest/internal/models"
	"wisefido-pv-ingest/internal/repository"

	"go.uber.org/zap"
)

// ReadingsStore 读路径（由 repository.PVReadingsRepository 实现）
type ReadingsStore interface {
	GetReadings(ctx context.Context, deviceID string, limit int) ([]*models.PVReadingRecord, error)
}

// EventsHandler 查询与导出已写入的记录
type EventsHandler struct {
	store  ReadingsStore
	logger *zap.Logger
}

func NewEventsHandler(store ReadingsStore, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{store: store, logger: logger}
}

func (h *EventsHandler) query(r *http.Request) ([]*models.PVReadingRecord, error) {
	deviceID := r.URL.Query().Get("device_id")
	limit := repository.NormalizeLimit(parseInt(r.URL.Query().Get("limit"), repository.DefaultQueryLimit))
	return h.store.GetReadings(r.Context(), deviceID, limit)
}

// List GET /api/events?device_id=&limit=
// 按 timestamp 倒序返回最近的记录
func (h *EventsHandler) List(w http.ResponseWriter, r *http.Request) {
	records, err := h.query(r)
	if err != nil {
		h.logger.Error("Failed to query readings", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to query readings"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(records))
}

// Export GET /api/events/export?device_id=&limit=
func (h *EventsHandler) Export(w http.ResponseWriter, r *http.Request) {
	records, err := h.query(r)
	if err != nil {
		h.logger.Error("Failed to query readings for export", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to query readings"))
		return
	}

	data, err := GeneratePVReadingsExport(records)
	if err != nil {
		h.logger.Error("Failed to generate export", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to generate export"))
		return
	}

	filename := "pv-readings-" + time.Now().UTC().Format("20060102-150405") + ".xlsx"
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
