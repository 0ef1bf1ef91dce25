package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/meshport/meshport/internal/config"
	"github.com/meshport/meshport/internal/convert"
	"github.com/meshport/meshport/internal/job"
	"github.com/meshport/meshport/internal/metrics"
	"github.com/meshport/meshport/internal/storage"
	"github.com/meshport/meshport/internal/ws"
)

// Deps are the services the router is built on. Notifier, Hub and
// Metrics may be nil.
type Deps struct {
	Config    *config.Config
	Jobs      job.JobStore
	Files     *storage.Store
	Converter *convert.Converter
	Notifier  Notifier
	Hub       *ws.Hub
	Metrics   *metrics.Collector
	Logger    *zap.Logger
	// AllowedOrigins limits CORS; empty allows any origin.
	AllowedOrigins []string
}

func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	hub := d.Hub
	if hub == nil {
		hub = ws.NewHub(logger)
	}
	conv := d.Converter
	if conv == nil {
		conv = convert.NewConverter(logger)
	}

	wsServer := ws.NewServer(d.Jobs, hub, logger)
	if d.Metrics != nil {
		wsServer.SetRecorder(d.Metrics)
	}

	h := &Handlers{
		cfg:      d.Config,
		jobs:     d.Jobs,
		files:    d.Files,
		conv:     conv,
		notifier: d.Notifier,
		hub:      hub,
		wsServer: wsServer,
		metrics:  d.Metrics,
		logger:   logger.With(zap.String("component", "api")),
	}

	r := chi.NewRouter()
	r.Use(TraceID)
	r.Use(middleware.RealIP)
	r.Use(Recovery(logger))
	r.Use(Logging(logger))
	if d.Metrics != nil {
		r.Use(Metrics(d.Metrics))
	}
	r.Use(CORS(d.AllowedOrigins))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/stats", h.Stats)

		r.Post("/upload", h.Upload)
		r.Get("/jobs", h.ListJobs)
		r.Get("/jobs/{id}", h.GetJob)

		r.Route("/tripo", func(r chi.Router) {
			r.Post("/generate-from-text", h.GenerateFromText)
			r.Post("/generate-from-image", h.GenerateFromImage)
			r.Get("/status/{id}", h.GetJob)
		})

		r.Post("/home/generate", h.GenerateHome)

		r.Get("/models/{filename}", storage.NewHandlers(d.Files).DownloadModel)
		r.Get("/ws/jobs/{id}", h.WatchJob)
	})

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}

	return r
}
