// Package server exposes the settlement service over HTTP.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cloudx-io/sealedbid/receipt"
	"github.com/cloudx-io/sealedbid/settlement"
)

// Server routes HTTP requests to the settlement service.
type Server struct {
	svc      *settlement.Service
	issuer   *receipt.Issuer
	gatherer prometheus.Gatherer
	ping     func(context.Context) error
	logger   *slog.Logger
	router   *mux.Router
}

type Option func(*Server)

// WithIssuer enables the receipt endpoint.
func WithIssuer(issuer *receipt.Issuer) Option {
	return func(s *Server) { s.issuer = issuer }
}

// WithGatherer serves gatherer on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithHealthCheck makes /health answer 503 while ping fails.
func WithHealthCheck(ping func(context.Context) error) Option {
	return func(s *Server) { s.ping = ping }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func New(svc *settlement.Service, opts ...Option) *Server {
	s := &Server{svc: svc}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", s.health).Methods(http.MethodGet)
	if s.gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/auctions", s.createAuction).Methods(http.MethodPost)
	api.HandleFunc("/auctions/{id}", s.getAuction).Methods(http.MethodGet)
	api.HandleFunc("/auctions/{id}/commitments", s.commit).Methods(http.MethodPost)
	api.HandleFunc("/auctions/{id}/reveals", s.reveal).Methods(http.MethodPost)
	api.HandleFunc("/auctions/{id}/bids", s.placeBid).Methods(http.MethodPost)
	api.HandleFunc("/auctions/{id}/settlement", s.getSettlementByAuction).Methods(http.MethodGet)
	api.HandleFunc("/settlements/{id}", s.getSettlement).Methods(http.MethodGet)
	api.HandleFunc("/settlements/{id}/fallbacks/{logId}/respond", s.respond).Methods(http.MethodPost)
	api.HandleFunc("/settlements/{id}/confirm-payment", s.confirmPayment).Methods(http.MethodPost)
	if s.issuer != nil {
		api.HandleFunc("/settlements/{id}/receipt", s.getReceipt).Methods(http.MethodGet)
	}
	api.HandleFunc("/admin/sweeps/close", s.closeSweep).Methods(http.MethodPost)
	api.HandleFunc("/admin/sweeps/fallback", s.fallbackSweep).Methods(http.MethodPost)

	router.Use(s.loggingMiddleware)
	return router
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully
// within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "component", "server", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down http server", "component", "server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			"component", "server",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
