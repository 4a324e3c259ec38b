// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"pricewatch/pkg/tracker"
	"pricewatch/refresh"
	"pricewatch/track"
)

// Refresher runs refresh cycles on demand.
type Refresher interface {
	RunCycle(ctx context.Context, maxItems int) (*tracker.RefreshOutcome, error)
}

// Tracker starts tracking new product pages.
type Tracker interface {
	Track(ctx context.Context, req track.Request) (*track.Result, error)
}

// Catalog reads storefront pages without tracking them.
type Catalog interface {
	Fetch(ctx context.Context, url string) (*tracker.PageSnapshot, error)
	Search(ctx context.Context, query string, maxResults int) ([]tracker.SearchResult, error)
}

// Store interface for reading products and managing rules.
type Store interface {
	ListProducts(ctx context.Context) ([]*tracker.TrackedProduct, error)
	Product(ctx context.Context, id int64) (*tracker.TrackedProduct, error)
	PriceHistory(ctx context.Context, productID int64) ([]*tracker.PriceHistoryEntry, error)
	Rules(ctx context.Context, productID int64) ([]*tracker.TrackingRule, error)
	SetRuleActive(ctx context.Context, ruleID int64, active bool) error
	DeleteRule(ctx context.Context, ruleID int64) error
}

// Snapshots returns archived page snapshots.
type Snapshots interface {
	Latest(ctx context.Context, externalID string) (*tracker.PageSnapshot, error)
}

// IsNotFound checks if an error is a not found error.
type IsNotFound func(error) bool

// Server handles HTTP requests.
type Server struct {
	refresher  Refresher
	tracker    Tracker
	catalog    Catalog
	store      Store
	snapshots  Snapshots
	logger     *slog.Logger
	isNotFound IsNotFound
	limiter    *rateLimiter
	httpServer *http.Server
	maxItems   int
}

// Config holds server configuration.
type Config struct {
	Refresher  Refresher
	Tracker    Tracker
	Catalog    Catalog
	Store      Store
	Snapshots  Snapshots // Optional
	Logger     *slog.Logger
	IsNotFound IsNotFound
	MaxItems   int // Items per on-demand refresh cycle
	TrackLimit int // Storefront-reading requests per client IP per hour; 0 disables the limit
	Port       string
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	s := &Server{
		refresher:  cfg.Refresher,
		tracker:    cfg.Tracker,
		catalog:    cfg.Catalog,
		store:      cfg.Store,
		snapshots:  cfg.Snapshots,
		logger:     cfg.Logger,
		isNotFound: cfg.IsNotFound,
		maxItems:   cfg.MaxItems,
	}
	if s.isNotFound == nil {
		s.isNotFound = func(error) bool { return false }
	}
	if cfg.TrackLimit > 0 {
		s.limiter = newRateLimiter(cfg.TrackLimit, time.Hour)
	}
	// Refresh cycles run inside the request, so writes get a long deadline.
	s.httpServer = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routes of the service.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /refreshz", s.handleRefresh)
	mux.HandleFunc("POST /track", s.handleTrack)
	mux.HandleFunc("POST /search", s.handleSearch)
	mux.HandleFunc("POST /product/details", s.handleProductDetails)
	mux.HandleFunc("GET /products", s.handleListProducts)
	mux.HandleFunc("GET /products/{id}", s.handleProduct)
	mux.HandleFunc("GET /products/{id}/history", s.handleHistory)
	mux.HandleFunc("GET /products/{id}/snapshot", s.handleSnapshot)
	mux.HandleFunc("POST /rules/{id}/deactivate", s.handleSetRuleActive(false))
	mux.HandleFunc("POST /rules/{id}/activate", s.handleSetRuleActive(true))
	mux.HandleFunc("DELETE /rules/{id}", s.handleDeleteRule)
	return mux
}

// ListenAndServe serves HTTP until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("Starting HTTP server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Refresh endpoint triggered")

	// A client that hangs up must not abort the batch.
	outcome, err := s.refresher.RunCycle(context.WithoutCancel(r.Context()), s.maxItems)
	if err != nil {
		var pErr *refresh.PersistenceError
		switch {
		case errors.Is(err, refresh.ErrCycleInProgress):
			s.writeError(w, http.StatusConflict, "refresh already in progress")
		case errors.As(err, &pErr):
			s.logger.Error("Refresh cycle failed to persist", "op", pErr.Op, "error", pErr.Err)
			s.writeError(w, http.StatusInternalServerError, "refresh failed")
		default:
			s.logger.Error("Refresh cycle failed", "error", err)
			s.writeError(w, http.StatusInternalServerError, "refresh failed")
		}
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "completed",
		"updated":     outcome.Updated,
		"failed":      outcome.Failed,
		"price_drops": len(outcome.PriceDrops),
		"restocks":    len(outcome.Restocks),
		"notified":    outcome.Notified,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
