// Package api serves the admin HTTP interface: health, quota usage, queue
// inspection, the completion signal and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/busybox42/mailgate/internal/metrics"
	"github.com/busybox42/mailgate/internal/queue"
	"github.com/busybox42/mailgate/internal/quota"
	"github.com/busybox42/mailgate/internal/store"
)

// Config represents API server configuration
type Config struct {
	ListenAddr string          `toml:"listen_addr" json:"listen_addr"`
	RateLimit  RateLimitConfig `toml:"rate_limit" json:"rate_limit"`
	// AuthToken, when set, is required as a bearer token on /api routes.
	AuthToken string `toml:"auth_token" json:"-"`
	// Version is reported by /health.
	Version string `toml:"-" json:"-"`
}

// Queue is the part of the queue manager the API uses.
type Queue interface {
	Get(ctx context.Context, id string) (*queue.Record, error)
	ReadBody(ctx context.Context, id string, r store.Range) ([]byte, error)
	Complete(ctx context.Context, id, reason string) (bool, error)
	GetStats() queue.Stats
}

// QuotaSource reports bucket usage.
type QuotaSource interface {
	Snapshot() []quota.Usage
}

// Server represents the admin API server
type Server struct {
	config      Config
	queue       Queue
	quota       QuotaSource
	logger      *slog.Logger
	rateLimiter *RateLimitMiddleware
	httpServer  *http.Server
	startedAt   time.Time
}

// NewServer creates a new API server. quotas may be nil when no quotas are
// configured.
func NewServer(config Config, q Queue, quotas QuotaSource, logger *slog.Logger) (*Server, error) {
	if q == nil {
		return nil, errors.New("queue cannot be nil")
	}
	if config.ListenAddr == "" {
		config.ListenAddr = "127.0.0.1:8025"
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:      config,
		queue:       q,
		quota:       quotas,
		logger:      logger.With("component", "api"),
		rateLimiter: NewRateLimitMiddleware(config.RateLimit),
		startedAt:   time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)
	r.Use(s.rateLimiter.Limit)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.requireToken)
	api.HandleFunc("/quota", s.handleGetQuota).Methods("GET")
	api.HandleFunc("/queue/stats", s.handleGetQueueStats).Methods("GET")
	api.HandleFunc("/queue/{id}", s.handleGetMessage).Methods("GET")
	api.HandleFunc("/queue/{id}/body", s.handleGetBody).Methods("GET")
	api.HandleFunc("/queue/{id}/complete", s.handleComplete).Methods("POST")

	return r
}

// Serve serves on l until Shutdown is called.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("API server listening", "addr", l.Addr().String())
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api serve: %w", err)
	}
	return nil
}

// ListenAndServe listens on the configured address and serves.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(l)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.rateLimiter.Stop()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleGetQuota(w http.ResponseWriter, r *http.Request) {
	usage := []quota.Usage{}
	if s.quota != nil {
		usage = append(usage, s.quota.Snapshot()...)
	}

	if id := r.URL.Query().Get("quota"); id != "" {
		filtered := usage[:0]
		for _, u := range usage {
			if u.QuotaID == id {
				filtered = append(filtered, u)
			}
		}
		usage = filtered
	}
	writeJSON(w, usage)
}

func (s *Server) handleGetQueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.queue.GetStats())
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	rec, err := s.queue.Get(r.Context(), id)
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	writeJSON(w, rec)
}

// handleGetBody returns the stored message bytes. offset and length select
// a byte range; a missing length reads to the end.
func (s *Server) handleGetBody(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	rng, err := parseRange(r.URL.Query().Get("offset"), r.URL.Query().Get("length"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	body, err := s.queue.ReadBody(r.Context(), id, rng)
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	w.Header().Set("Content-Type", "message/rfc822")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	_, _ = w.Write(body) // Best effort
}

type completeRequest struct {
	Reason string `json:"reason"`
}

type completeResponse struct {
	ID       string `json:"id"`
	Reason   string `json:"reason"`
	Released bool   `json:"released"`
}

// handleComplete is the delivery/expiry signal from the outbound side. The
// body is optional and defaults to reason "delivered".
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	req := completeRequest{Reason: queue.ReasonDelivered}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}
	switch req.Reason {
	case queue.ReasonDelivered, queue.ReasonExpired, queue.ReasonDiscarded:
	default:
		http.Error(w, "Invalid reason", http.StatusBadRequest)
		return
	}

	released, err := s.queue.Complete(r.Context(), id, req.Reason)
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	if !released {
		http.Error(w, "Message not found", http.StatusNotFound)
		return
	}
	writeJSON(w, completeResponse{ID: id, Reason: req.Reason, Released: released})
}

func (s *Server) writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrInvalidID):
		http.Error(w, "Invalid message ID", http.StatusBadRequest)
	case errors.Is(err, queue.ErrNotFound):
		http.Error(w, "Message not found", http.StatusNotFound)
	case errors.Is(err, store.ErrUnavailable):
		http.Error(w, "Store unavailable", http.StatusServiceUnavailable)
	default:
		s.logger.Error("Queue operation failed", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
	}
}

func parseRange(offset, length string) (store.Range, error) {
	rng := store.Full
	if offset != "" {
		n, err := strconv.ParseInt(offset, 10, 64)
		if err != nil || n < 0 {
			return store.Range{}, fmt.Errorf("invalid offset %q", offset)
		}
		rng.Start = n
	}
	if length != "" {
		n, err := strconv.ParseInt(length, 10, 64)
		if err != nil || n < 0 || n > math.MaxInt64-rng.Start {
			return store.Range{}, fmt.Errorf("invalid length %q", length)
		}
		rng.End = rng.Start + n
	}
	return rng, nil
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, fmt.Sprintf("Error encoding JSON: %v", err), http.StatusInternalServerError)
	}
}
