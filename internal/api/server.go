package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/snarg/transcriptd/internal/config"
	"github.com/snarg/transcriptd/internal/metrics"
)

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

type ServerOptions struct {
	Config  *config.Config
	Jobs    JobService
	Health  HealthDeps
	Metrics http.Handler // defaults to promhttp.Handler()
	Version string
	Started time.Time
	Log     zerolog.Logger
}

// NewRouter builds the HTTP handler tree.
func NewRouter(opts ServerOptions) http.Handler {
	cfg := opts.Config
	log := opts.Log.With().Str("component", "http").Logger()

	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(log))
	r.Use(CORSWithOrigins(cfg.CORSOriginList()))
	r.Use(metrics.InstrumentHandler)

	// Health and metrics: no auth
	health := NewHealthHandler(opts.Health, opts.Version, opts.Started)
	r.Get("/api/v1/health", health.ServeHTTP)
	m := opts.Metrics
	if m == nil {
		m = promhttp.Handler()
	}
	r.Method(http.MethodGet, "/metrics", m)

	jobs := NewJobsHandler(opts.Jobs, cfg.Limits.MaxChunkBytes, cfg.ChunkUploadTimeout)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(BearerAuth(cfg.AuthToken))
		r.Use(RequireUser)

		r.Post("/jobs", jobs.CreateJob)
		r.Post("/jobs/cancel-active", jobs.CancelActive)
		r.Get("/jobs/{id}", jobs.GetJob)
		r.Put("/jobs/{id}/chunks", jobs.UploadChunk)
		r.Post("/jobs/{id}/finalize", jobs.FinalizeJob)
		r.Post("/jobs/{id}/cancel", jobs.CancelJob)

		r.Post("/transcripts", jobs.PutTranscript)
		r.Get("/transcripts", jobs.GetTranscript)
	})

	return otelhttp.NewHandler(r, "transcriptd.http",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

func NewServer(opts ServerOptions) *Server {
	cfg := opts.Config
	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      NewRouter(opts),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: opts.Log.With().Str("component", "http").Logger(),
	}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
