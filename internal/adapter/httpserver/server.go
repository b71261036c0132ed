package httpserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/ecal-fleet/rec-coordinator/internal/adapter/observability"
	"github.com/ecal-fleet/rec-coordinator/internal/config"
	"github.com/ecal-fleet/rec-coordinator/internal/coordinator"
	"github.com/ecal-fleet/rec-coordinator/internal/upload"
)

// tokenTTL is how long an operator bearer token issued by /auth/login
// remains valid.
const tokenTTL = 12 * time.Hour

// Server binds the coordinator's command surface to a chi router, per the
// teacher's httpserver.Server pattern: a thin struct holding the usecase
// collaborators plus pre-built middleware.
type Server struct {
	cfg            config.Config
	coord          *coordinator.Coordinator
	ftpProvisioner upload.FTPProvisioner
	sessions       *SessionManager
}

// NewServer constructs a Server.
func NewServer(cfg config.Config, coord *coordinator.Coordinator, prov upload.FTPProvisioner) *Server {
	return &Server{
		cfg:            cfg,
		coord:          coord,
		ftpProvisioner: prov,
		sessions:       NewSessionManager(cfg.AdminSessionSecret),
	}
}

// Router builds the chi router: CORS, rate limiting, request metrics, and
// the control-API routes, mirroring the teacher's app.BuildRouter split
// between infra middleware and route registration.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   strings.Split(s.cfg.CORSAllowOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if s.cfg.RateLimitPerMin > 0 {
		r.Use(httprate.LimitByIP(s.cfg.RateLimitPerMin, time.Minute))
	}

	r.Get("/status", s.handleStatus)
	r.Post("/auth/login", s.handleLogin)

	r.Group(func(pr chi.Router) {
		pr.Use(s.RequireAuth)
		pr.Post("/clients", s.handleSetEnabledClients)
		pr.Post("/clients/restart", s.handleRestartClients)
		pr.Post("/record/start", s.handleStartRecording)
		pr.Post("/record/stop", s.handleStopRecording)
		pr.Post("/record/save-pre-buffer", s.handleSavePreBuffer)
		pr.Post("/measurements/{jobID}/upload", s.handleUploadMeasurement)
		pr.Post("/measurements/upload-pending", s.handleUploadNonUploaded)
		pr.Post("/measurements/{jobID}/comment", s.handleAddComment)
		pr.Delete("/measurements/{jobID}", s.handleDeleteMeasurement)
		pr.Put("/upload-config", s.handleSetUploadConfig)
	})

	return r
}
