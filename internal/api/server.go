package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/textsentry/scanhook/internal/artifacts"
	"github.com/textsentry/scanhook/internal/config"
	"github.com/textsentry/scanhook/internal/metrics"
	"github.com/textsentry/scanhook/internal/notify"
	"github.com/textsentry/scanhook/internal/scan"
)

// Exporter triggers the provider's bulk result export for a scan.
type Exporter interface {
	ExportResults(ctx context.Context, scanID string, resultIDs []string) error
}

// Submitter hands a document to the provider for scanning.
type Submitter interface {
	SubmitScan(ctx context.Context, scanID string, sub ProviderSubmission) error
}

// ProviderSubmission is the document payload passed to the Submitter.
type ProviderSubmission struct {
	Base64   string
	Filename string
}

// Hasher digests raw payloads into artifact object keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Server wires HTTP handlers to the scan store and provider collaborators.
type Server struct {
	router chi.Router
	cfg    config.Config
}

// Deps collects the collaborators the server needs. Optional fields
// (Events, Blobs) may be nil; the handlers degrade to store-only behavior.
type Deps struct {
	Store     scan.Store
	Exporter  Exporter
	Submitter Submitter
	Events    notify.Publisher
	Blobs     artifacts.Store
	Hasher    Hasher
	IDGen     scan.IDGenerator
	Clock     scan.Clock
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	topic := cfg.PubSub.TopicName
	if topic == "" {
		topic = "scan-events"
	}
	webhooks := &WebhookHandler{
		store:      deps.Store,
		exporter:   deps.Exporter,
		events:     deps.Events,
		blobs:      deps.Blobs,
		hasher:     deps.Hasher,
		blobPrefix: cfg.Artifacts.Prefix,
		topic:      topic,
		clock:      deps.Clock,
		timeout:    cfg.RequestTimeout(),
		logger:     logger.Named("webhooks"),
	}
	scans := &ScanHandler{
		store:     deps.Store,
		submitter: deps.Submitter,
		idGen:     deps.IDGen,
		clock:     deps.Clock,
		timeout:   cfg.RequestTimeout(),
		logger:    logger.Named("scans"),
	}

	s := &Server{cfg: cfg}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger.Named("http")))
	r.Use(recoverMiddleware(logger.Named("http")))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.RequestTimeout()))
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}

		r.Route("/webhooks/{scan_id}", func(r chi.Router) {
			r.Post("/status/{status}", webhooks.HandleStatus)
			r.Post("/results/new", webhooks.HandleNewResult)
			r.Post("/results/{result_id}/export", webhooks.HandleResultExport)
			r.Post("/crawled", webhooks.HandleCrawled)
			r.Post("/pdf", webhooks.HandlePDF)
			r.Post("/export/completed", webhooks.HandleExportCompleted)
		})

		r.Route("/v1/scans", func(r chi.Router) {
			r.Post("/", scans.CreateScan)
			r.Route("/{scan_id}", func(r chi.Router) {
				r.Get("/", scans.GetScan)
				r.Get("/results", scans.GetScanResults)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	// The store backends hold their own pools; surface readiness checks
	// for downstreams here as they grow.
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
