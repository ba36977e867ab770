package taskd

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/pslog"
)

// AdminHandler returns the admin router: /healthz, /statistics, /metrics
// (when telemetry exports metrics) and /debug/pprof. Requests are traced
// when an OTLP endpoint is configured.
func (r *Runtime) AdminHandler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/healthz", r.handleHealth)
	router.Get("/statistics", r.handleStatistics)
	if r.telemetry != nil && r.telemetry.metricsHandler != nil {
		router.Method(http.MethodGet, "/metrics", r.telemetry.metricsHandler)
	}
	router.Mount("/debug", middleware.Profiler())
	if r.telemetry == nil || r.telemetry.tracerProvider == nil {
		return router
	}
	return otelhttp.NewHandler(router, "taskd.admin",
		otelhttp.WithTracerProvider(r.telemetry.tracerProvider),
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return "admin " + req.Method + " " + req.URL.Path
		}),
	)
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := r.Status()
	code := http.StatusOK
	if !r.lc.Running() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"qrf":        r.qrf.State(),
		"master":     r.IsMaster(),
		"originator": r.cfg.OriginatorID,
	})
}

func (r *Runtime) handleStatistics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.Statistics())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func startAdminServer(addr string, handler http.Handler, logger pslog.Logger) (*http.Server, net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("admin: listen: %w", err)
	}
	srv := &http.Server{Handler: handler}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("admin.serve_error", "error", err)
		}
	}()
	return srv, ln, nil
}
