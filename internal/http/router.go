package httpapi

import (
	"net/http"

	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux（路由很少，无需第三方路由）
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

func methodOnly(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != method {
			w.Header().Set("Allow", method)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h(w, req)
	}
}

// RegisterIngestRoutes 写入与查询路由
func (r *Router) RegisterIngestRoutes(ingest *IngestHandler, events *EventsHandler) {
	r.Handle("/api/submit", methodOnly(http.MethodPost, ingest.Submit))

	r.Handle("/api/events", methodOnly(http.MethodGet, events.List))
	r.Handle("/api/events/export", methodOnly(http.MethodGet, events.Export))

	// 根路径同样返回最近的记录；其余未注册路径 404
	r.Handle("/", func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/" {
			http.NotFound(w, req)
			return
		}
		methodOnly(http.MethodGet, events.List)(w, req)
	})
}

// RegisterOpsRoutes 运维路由：统计、健康检查、prometheus 指标
func (r *Router) RegisterOpsRoutes(ops *OpsHandler, metrics http.Handler) {
	r.Handle("/api/stats", methodOnly(http.MethodGet, ops.Stats))
	r.Handle("/healthz", methodOnly(http.MethodGet, ops.Health))
	if metrics != nil {
		r.HandleHandler("/metrics", metrics)
	}
}

// WithCORS 包装 CORS；origins 为空或包含 "*" 时允许所有来源
func WithCORS(h http.Handler, origins []string) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Retry-After", "Content-Disposition"},
	})
	return c.Handler(h)
}
