package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/isqad/livemeet-sfu/internal/core"
	"github.com/isqad/livemeet-sfu/internal/uploads"
)

// UploadsManager is the slice of the upload queue the operator drives over
// HTTP.
type UploadsManager interface {
	Status() uploads.QueueStatus
	RetryFailedUploads() (int, error)
}

// AppOptions is options of the operator application
type AppOptions struct {
	Recordings core.RecordingsLister
	Uploads    UploadsManager

	router *chi.Mux
}

// App serves the operator surface: the recordings inventory, upload queue
// control, metrics and process health.
type App struct {
	AppOptions
}

// NewApp creates a new operator API application
func NewApp(options AppOptions) *App {
	options.router = chi.NewRouter()

	return &App{
		options,
	}
}

// Router is function for construct http router
func (app *App) Router() http.Handler {
	app.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/recordings", RecordingsListHandler(app.Recordings))
		r.Get("/recordings/stats", RecordingsStatsHandler(app.Recordings))
		r.Get("/uploads/queue", UploadsQueueHandler(app.Uploads))
		r.Post("/uploads/retry", UploadsRetryHandler(app.Uploads))
	})

	app.router.Method(http.MethodGet, "/metrics", promhttp.Handler())
	app.router.Get("/healthz", HealthHandler())

	return app.router
}

func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}
