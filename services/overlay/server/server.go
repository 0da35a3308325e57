package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/p2ppsr/babbage-escrow/client"
	"github.com/p2ppsr/babbage-escrow/core/events"
	"github.com/p2ppsr/babbage-escrow/native/escrow"
	"github.com/p2ppsr/babbage-escrow/observability"
	"github.com/p2ppsr/babbage-escrow/observability/logging"
	"github.com/p2ppsr/babbage-escrow/services/overlay/ledger"
)

// Admitter is the admission side of the overlay.
type Admitter interface {
	Submit(ctx context.Context, rec *escrow.Record) (client.Ack, error)
	Contract(id escrow.ContractID) (client.Entry, error)
	History(id escrow.ContractID) ([]ledger.Snapshot, error)
	ResolvedDisputes(ctx context.Context, f client.Filter) ([]client.Resolution, error)
}

// Meta describes the deployment to clients.
type Meta struct {
	Topic         string        `json:"topic"`
	LookupService string        `json:"lookupService"`
	NetworkPreset string        `json:"networkPreset"`
	PlatformKey   escrow.PubKey `json:"platformKey"`
}

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress      string
	AuthToken          string
	RateLimit          RateLimit
	StreamBuffer       int
	StreamWriteTimeout time.Duration
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	ShutdownTimeout    time.Duration
	MaxBodyBytes       int64
	Meta               Meta
}

// Server exposes the admission manager, the lookup index and the event feed
// over HTTP.
type Server struct {
	cfg      Config
	admitter Admitter
	lookup   client.Lookup
	bus      *events.Bus
	limiter  *RateLimiter
	metrics  *observability.HTTPMetrics
	logger   *slog.Logger
	router   http.Handler
}

type requestIDKey struct{}

// New constructs the server and its router.
func New(cfg Config, admitter Admitter, lookup client.Lookup, bus *events.Bus, logger *slog.Logger) (*Server, error) {
	if admitter == nil {
		return nil, fmt.Errorf("admitter required")
	}
	if lookup == nil {
		return nil, fmt.Errorf("lookup required")
	}
	if bus == nil {
		bus = events.NewBus()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 64
	}
	if cfg.StreamWriteTimeout <= 0 {
		cfg.StreamWriteTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	metrics := observability.HTTP()
	srv := &Server{
		cfg:      cfg,
		admitter: admitter,
		lookup:   lookup,
		bus:      bus,
		limiter:  NewRateLimiter(cfg.RateLimit, metrics),
		metrics:  metrics,
		logger:   logger.With("component", "overlay-http"),
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.requestID)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.With(s.limiter.Middleware("submit"), s.requireAuth).Post("/submit", s.handleSubmit)
		api.Group(func(read chi.Router) {
			read.Use(s.limiter.Middleware("read"))
			read.Get("/lookup", s.handleLookup)
			read.Get("/contracts/{id}", s.handleContract)
			read.Get("/contracts/{id}/history", s.handleHistory)
			read.Get("/disputes/resolved", s.handleResolvedDisputes)
			read.Get("/meta", s.handleMeta)
		})
		api.Get("/stream", s.handleStream)
	})

	return otelhttp.NewHandler(r, "escrow-overlay")
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.ListenAddress,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", "addr", s.cfg.ListenAddress,
		logging.MaskField("auth_token", s.cfg.AuthToken))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

// requestID adopts a well-formed client request id or assigns a fresh one.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(client.RequestIDHeader))
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(client.RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		s.metrics.Observe(route, r.Method, status, time.Since(start))
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	token := strings.TrimSpace(s.cfg.AuthToken)
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, client.APIError{Code: client.CodeBadRequest, Message: "missing or invalid bearer token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
