package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(app *App) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if app.Metrics != nil {
		r.Use(app.instrument)
	}

	r.Get("/ping", PingHandler)
	r.Get("/health", app.HealthHandler)
	r.Get("/uploads/*", app.ServeUploadHandler)

	if app.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(app.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/captions", app.CaptionUploadHandler)
		r.Post("/caption-feedback/", app.CaptionFeedbackHandler)

		r.Get("/records", app.ListRecordsHandler)
		r.Route("/records/{id}", func(r chi.Router) {
			r.Get("/", app.GetRecordHandler)
			r.Post("/approve", app.ApproveRecordHandler)
			r.Post("/correct", app.CorrectRecordHandler)
			r.Post("/verify", app.VerifyRecordHandler)
		})

		r.Get("/statistics", app.StatisticsHandler)
		r.Get("/dataset/export", app.DatasetExportHandler)
	})

	return r
}

// instrument records request counts and latency per route pattern.
func (app *App) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		app.Metrics.ObserveHTTPRequest(r.Method, route, status, time.Since(start))
	})
}
