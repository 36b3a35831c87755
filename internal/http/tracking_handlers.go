package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drsammd/safeplay-staging-sub008/internal/models"
	"github.com/drsammd/safeplay-staging-sub008/internal/tracking"
)

// Tracker 追踪核心（tracking.Tracker 实现）
type Tracker interface {
	Ingest(ctx context.Context, obs models.LocationObservation) (*tracking.IngestResult, error)
	CheckOut(ctx context.Context, childID string, at time.Time) (*tracking.CheckOutResult, error)
	GetCurrentLocation(ctx context.Context, childID string) (*models.ChildLocationState, error)
	GetHistory(ctx context.Context, childID string, limit int) ([]models.HistoryEntry, error)
	GetVenueSnapshot(ctx context.Context, venueID string) (*models.VenueTrackingSnapshot, error)
	HistoryLimit() int
}

// 位置查询状态
const (
	StatusCheckedIn  = "checked-in"
	StatusCheckedOut = "checked-out"
	StatusUnknown    = "unknown"
)

// LocationResponse GET /children/{id}/location 响应
type LocationResponse struct {
	ChildID string                     `json:"childId"`
	Status  string                     `json:"status"`
	State   *models.ChildLocationState `json:"state,omitempty"`
}

// CheckOutRequest 签出请求（timestamp 可选）
type CheckOutRequest struct {
	Timestamp time.Time `json:"timestamp"`
}

// TrackingHandler 位置追踪 API
type TrackingHandler struct {
	tracker Tracker
	logger  *zap.Logger
}

func NewTrackingHandler(tracker Tracker, logger *zap.Logger) *TrackingHandler {
	return &TrackingHandler{tracker: tracker, logger: logger}
}

// POST /tracking/api/v1/observations
// body: LocationObservation（staff 手动指定 / 识别网关回调）
func (h *TrackingHandler) PostObservation(w http.ResponseWriter, r *http.Request) {
	var obs models.LocationObservation
	if !h.decode(w, r, &obs) {
		return
	}
	h.ingest(w, r, obs)
}

// POST /tracking/api/v1/checkin
// body: LocationObservation，sourceKind 固定为 QR_CODE，confidence 缺省时为 1.0
func (h *TrackingHandler) PostCheckIn(w http.ResponseWriter, r *http.Request) {
	var req tracking.CheckIn
	if !h.decode(w, r, &req) {
		return
	}
	h.ingest(w, r, tracking.AsCheckIn(req))
}

// POST /tracking/api/v1/children/{id}/checkout
// body?: {"timestamp": "..."}，缺省使用服务器时间
func (h *TrackingHandler) PostCheckOut(w http.ResponseWriter, r *http.Request) {
	var req CheckOutRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.tracker.CheckOut(r.Context(), r.PathValue("id"), req.Timestamp)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(res))
}

// GET /tracking/api/v1/children/{id}/location
// 未知儿童返回 200 + status=unknown
func (h *TrackingHandler) GetLocation(w http.ResponseWriter, r *http.Request) {
	childID := strings.TrimSpace(r.PathValue("id"))
	st, err := h.tracker.GetCurrentLocation(r.Context(), childID)
	if errors.Is(err, tracking.ErrUnknownChild) {
		writeJSON(w, http.StatusOK, Ok(LocationResponse{ChildID: childID, Status: StatusUnknown}))
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}

	status := StatusCheckedOut
	if st.CheckedIn() {
		status = StatusCheckedIn
	}
	writeJSON(w, http.StatusOK, Ok(LocationResponse{ChildID: childID, Status: status, State: st}))
}

// GET /tracking/api/v1/children/{id}/history?limit=
// limit 缺省或超出上限时按上限返回
func (h *TrackingHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), h.tracker.HistoryLimit())
	entries, err := h.tracker.GetHistory(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"childId": strings.TrimSpace(r.PathValue("id")),
		"items":   entries,
	}))
}

// GET /tracking/api/v1/venues/{id}/snapshot
func (h *TrackingHandler) GetVenueSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.tracker.GetVenueSnapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(snap))
}

// GET /tracking/api/v1/venues/{id}/snapshot/export
// 返回 xlsx 文件
func (h *TrackingHandler) ExportVenueSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.tracker.GetVenueSnapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	data, err := GenerateVenueSnapshotExport(snap)
	if err != nil {
		h.logger.Error("Failed to generate snapshot export",
			zap.String("venue_id", snap.VenueID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, Fail("failed to generate export"))
		return
	}

	filename := fmt.Sprintf("venue_%s_%s.xlsx", sanitizeFilename(snap.VenueID), snap.GeneratedAt.UTC().Format("20060102_150405"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *TrackingHandler) ingest(w http.ResponseWriter, r *http.Request, obs models.LocationObservation) {
	res, err := h.tracker.Ingest(r.Context(), obs)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(res))
}

func (h *TrackingHandler) decode(w http.ResponseWriter, r *http.Request, out any) bool {
	err := readBodyJSON(w, r, maxBodyBytes, out)
	switch {
	case err == nil:
		return true
	case errors.Is(err, errBodyTooLarge):
		writeJSON(w, http.StatusRequestEntityTooLarge, Fail(err.Error()))
	default:
		writeJSON(w, http.StatusBadRequest, Fail(err.Error()))
	}
	return false
}

// writeError 错误映射：非法输入 400，存储不可用 503，其余 500
func (h *TrackingHandler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tracking.ErrInvalidObservation):
		writeJSON(w, http.StatusBadRequest, Fail(err.Error()))
	case errors.Is(err, tracking.ErrStateStoreUnavailable):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, Fail("state store unavailable"))
	default:
		h.logger.Error("Unexpected tracking error", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("internal error"))
	}
}

func sanitizeFilename(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
