package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fulldecent/compound-oracle/native/oracle"
	"github.com/fulldecent/compound-oracle/observability"
	"github.com/fulldecent/compound-oracle/services/oracled/audit"
)

// Oracle is the engine surface served over HTTP.
type Oracle interface {
	SetPrice(caller, asset common.Address, price *uint256.Int) (oracle.Result, error)
	SetPrices(caller common.Address, assets []common.Address, prices []*uint256.Int) ([]oracle.Result, error)
	SetPendingAnchor(caller, asset common.Address, value *uint256.Int) (oracle.PendingAnchorAck, error)
	GetPrice(asset common.Address) (*uint256.Int, error)
	Anchor(asset common.Address) (oracle.Anchor, bool, error)
	PendingAnchor(asset common.Address) (*uint256.Int, error)
	StateRoot() (common.Hash, error)
}

// EventLog lists recorded oracle events.
type EventLog interface {
	ListEvents(ctx context.Context, asset *common.Address, limit int) ([]audit.Record, error)
}

// NonceStore remembers signed request nonces, reporting replays.
type NonceStore interface {
	EnsureNonce(ctx context.Context, rec audit.NonceRecord) (bool, error)
}

// Config wires a Server.
type Config struct {
	Oracle        Oracle
	Events        EventLog
	Nonces        NonceStore
	Hub           *Hub
	Logger        *slog.Logger
	MaxSkew       time.Duration
	SessionSecret string
	SessionTTL    time.Duration
	RateLimit     RateLimit
	Metrics       *observability.OracleMetrics
	HTTPMetrics   *observability.HTTPMetrics
	Now           func() time.Time
}

// Server exposes the oracle engine over HTTP.
type Server struct {
	oracle   Oracle
	events   EventLog
	hub      *Hub
	logger   *slog.Logger
	auth     *authenticator
	sessions *sessionIssuer
	limiter  *rateLimiter
	preAuth  *rateLimiter
	metrics  *observability.OracleMetrics
	httpm    *observability.HTTPMetrics
	router   chi.Router
}

// New validates cfg and builds the router.
func New(cfg Config) (*Server, error) {
	if cfg.Oracle == nil {
		return nil, errors.New("server: oracle required")
	}
	if cfg.Nonces == nil {
		return nil, errors.New("server: nonce store required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	sessions, err := newSessionIssuer(cfg.SessionSecret, cfg.SessionTTL, now)
	if err != nil {
		return nil, err
	}
	s := &Server{
		oracle:   cfg.Oracle,
		events:   cfg.Events,
		hub:      cfg.Hub,
		logger:   logger,
		sessions: sessions,
		limiter:  newRateLimiter(cfg.RateLimit, now, byPrincipal),
		preAuth:  newRateLimiter(cfg.RateLimit, now, byRemoteAddr),
		metrics:  cfg.Metrics,
		httpm:    cfg.HTTPMetrics,
	}
	s.auth = &authenticator{
		nonces:   cfg.Nonces,
		sessions: sessions,
		maxSkew:  cfg.MaxSkew,
		now:      now,
		logger:   logger,
		metrics:  cfg.Metrics,
	}
	s.router = s.routes()
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.limiter.middleware(s.httpm))
			r.Get("/prices/{asset}", s.handleGetPrice)
			r.Get("/anchors/{asset}", s.handleGetAnchor)
			r.Get("/anchors/{asset}/pending", s.handleGetPendingAnchor)
			r.Get("/state/root", s.handleGetStateRoot)
			r.Get("/events", s.handleListEvents)
			r.Get("/events/stream", s.handleEventStream)
		})
		r.Group(func(r chi.Router) {
			// Remote-address bucket first so failed authentication is throttled too.
			r.Use(s.preAuth.middleware(s.httpm))
			r.Use(s.auth.middleware)
			r.Use(s.limiter.middleware(s.httpm))
			r.Post("/prices", s.handleSetPrice)
			r.Post("/prices/batch", s.handleSetPrices)
			r.Post("/anchors/pending", s.handleSetPendingAnchor)
			r.Post("/auth/session", s.handleIssueSession)
		})
	})
	return r
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
		s.httpm.Observe(routeLabel(r), status, time.Since(start))
	})
}

// routeLabel returns the matched route pattern. Raw paths never become metric
// labels since they carry caller-chosen asset addresses.
func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
