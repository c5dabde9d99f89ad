// Package api provides the HTTP API server for the coaching engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/quantumlife/spendcoach/internal/core"
	"github.com/quantumlife/spendcoach/internal/engine"
	"github.com/quantumlife/spendcoach/internal/ledger"
	"github.com/quantumlife/spendcoach/internal/logging"
	"github.com/quantumlife/spendcoach/internal/storage"
)

// maxBody caps request bodies
const maxBody = 1 << 20

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server

	engine       *engine.Engine
	transactions storage.TransactionStore
	ledgerAPI    *LedgerAPI
	metrics      http.Handler
	hub          *EventHub

	logger *logging.Logger
}

// Config for the server
type Config struct {
	Addr           string
	Engine         *engine.Engine
	Transactions   storage.TransactionStore
	Ledger         *ledger.Store // optional
	Metrics        http.Handler  // optional, served at /metrics
	Hub            *EventHub     // optional, served at /ws
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// New creates a new API server
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil || cfg.Transactions == nil {
		return nil, fmt.Errorf("%w: engine and transaction store", core.ErrMissingRequired)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	s := &Server{
		engine:       cfg.Engine,
		transactions: cfg.Transactions,
		metrics:      cfg.Metrics,
		hub:          cfg.Hub,
		logger:       logging.WithField("component", "api"),
	}
	if cfg.Ledger != nil {
		s.ledgerAPI = NewLedgerAPI(cfg.Ledger)
	}

	s.setupRouter(cfg)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

func (s *Server) setupRouter(cfg Config) {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	// No timeout on the websocket route
	if s.hub != nil {
		r.Handle("/ws", s.hub)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.RequestTimeout))

		r.Get("/policy", s.handleGetPolicy)

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Post("/transactions", s.handleIngestTransaction)
			r.Get("/profile", s.handleGetProfile)
			r.Post("/reset", s.handleReset)

			r.Get("/interventions/{interventionID}", s.handleGetIntervention)
			r.Post("/interventions/{interventionID}/response", s.handleRecordResponse)

			r.Get("/wins", s.handleGetWins)
			r.Post("/wins/{winID}/celebrate", s.handleCelebrateWin)
			r.Post("/wins/{winID}/dismiss", s.handleDismissWin)
		})

		if s.ledgerAPI != nil {
			s.ledgerAPI.RegisterRoutes(r)
		}
	})

	s.router = r
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the server and blocks until it stops. A graceful Stop
// returns nil.
func (s *Server) Start() error {
	s.logger.Info("API server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	if s.hub != nil {
		defer s.hub.Close()
	}
	return s.httpServer.Shutdown(ctx)
}

// requestLogger logs each request through the structured logger
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		l := s.logger.WithFields(map[string]interface{}{
			"request_id": middleware.GetReqID(r.Context()),
			"status":     ww.Status(),
		})
		l.Debug("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}

// --- Response helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// respondErr maps engine and storage errors onto status codes
func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed: %v", err)
	}
	s.respondError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrProfileNotFound),
		errors.Is(err, core.ErrInterventionNotFound),
		errors.Is(err, core.ErrWinNotFound),
		errors.Is(err, core.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrResponseAlreadyRecorded),
		errors.Is(err, core.ErrDuplicateRecord):
		return http.StatusConflict
	case errors.Is(err, core.ErrInvalidResponse),
		errors.Is(err, core.ErrInvalidInput),
		errors.Is(err, core.ErrMissingRequired):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}
	return nil
}
