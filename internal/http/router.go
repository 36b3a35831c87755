package httpapi

import (
	"context"
	"net/http"

	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux（方法 + 路径通配符模式）
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

// HandleHandler 支持 http.Handler 接口（用于 promhttp 等）
func (r *Router) HandleHandler(pattern string, h http.Handler) {
	r.mux.Handle(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterTrackingRoutes 注册位置追踪 API
func (r *Router) RegisterTrackingRoutes(h *TrackingHandler) {
	// ingest
	r.Handle("POST /tracking/api/v1/observations", h.PostObservation)
	r.Handle("POST /tracking/api/v1/checkin", h.PostCheckIn)
	r.Handle("POST /tracking/api/v1/children/{id}/checkout", h.PostCheckOut)

	// query
	r.Handle("GET /tracking/api/v1/children/{id}/location", h.GetLocation)
	r.Handle("GET /tracking/api/v1/children/{id}/history", h.GetHistory)
	r.Handle("GET /tracking/api/v1/venues/{id}/snapshot", h.GetVenueSnapshot)
	r.Handle("GET /tracking/api/v1/venues/{id}/snapshot/export", h.ExportVenueSnapshot)
}

// RegisterOpsRoutes 注册健康检查与指标
// health 为 nil 时 /healthz 恒为 ok
func (r *Router) RegisterOpsRoutes(health func(ctx context.Context) error, metrics http.Handler) {
	r.Handle("GET /healthz", func(w http.ResponseWriter, req *http.Request) {
		if health != nil {
			if err := health(req.Context()); err != nil {
				r.logger.Warn("Health check failed", zap.Error(err))
				writeJSON(w, http.StatusServiceUnavailable, Fail(err.Error()))
				return
			}
		}
		writeJSON(w, http.StatusOK, Ok(map[string]string{"status": "ok"}))
	})
	if metrics != nil {
		r.HandleHandler("GET /metrics", metrics)
	}
}
