// Package api serves the PoDD engine over HTTP/JSON.
package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ymode/SyntheticCoin-SYNC/internal/messaging"
	"github.com/ymode/SyntheticCoin-SYNC/internal/metrics"
	"github.com/ymode/SyntheticCoin-SYNC/internal/ownership"
	"github.com/ymode/SyntheticCoin-SYNC/internal/registry"
	"github.com/ymode/SyntheticCoin-SYNC/internal/squad"
	"github.com/ymode/SyntheticCoin-SYNC/internal/telemetry"
	"github.com/ymode/SyntheticCoin-SYNC/internal/verification"
	"github.com/ymode/SyntheticCoin-SYNC/pkg/log"
)

const maxBodyBytes = 1 << 20

// Store is the persistence surface the API reads and mirrors into. *database.Manager satisfies it.
type Store interface {
	CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (bool, error)
	AverageHashrate(ctx context.Context, deviceID string) (float64, bool, error)
	RecordVerification(ctx context.Context, ids []string, res verification.Result) error
	Health(ctx context.Context) error
}

// Deps are the services behind the API. Store, Events and Gatherer may be nil.
type Deps struct {
	Registry *registry.Registry
	Engine   *verification.Engine
	Squads   *squad.Service
	Owners   *ownership.Service
	Ingester *telemetry.Ingester
	Store    Store
	Events   *messaging.EventPublisher
	Gatherer prometheus.Gatherer
	Metrics  *metrics.Metrics
	Logger   *log.Logger
}

// Options tunes request admission.
type Options struct {
	MaxDevicesPerIP    int // zero disables the per-IP cap
	RateLimitPerMinute int // zero disables rate limiting
	ActiveWindow       time.Duration
}

// Server routes API requests.
type Server struct {
	Deps
	opts   Options
	router *mux.Router
}

// NewServer builds the router.
func NewServer(deps Deps, opts Options) *Server {
	if deps.Logger == nil {
		deps.Logger = log.Nop()
	}
	deps.Logger = deps.Logger.WithComponent("api")
	if opts.ActiveWindow <= 0 {
		opts.ActiveWindow = registry.ActiveWindow
	}

	s := &Server{Deps: deps, opts: opts, router: mux.NewRouter()}
	s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.Use(s.instrument)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.Use(s.rateLimit)

	// Devices
	v1.HandleFunc("/devices", s.handleRegisterDevice).Methods(http.MethodPost)
	v1.HandleFunc("/devices/{id}", s.handleGetDevice).Methods(http.MethodGet)
	v1.HandleFunc("/devices/{id}/shares", s.handleSubmitShare).Methods(http.MethodPost)
	v1.HandleFunc("/devices/{id}/multiplier", s.handleMultiplier).Methods(http.MethodGet)
	v1.HandleFunc("/devices/{id}/hashrate", s.handleHashrate).Methods(http.MethodGet)
	v1.HandleFunc("/devices/{id}/transfer", s.handleTransfer).Methods(http.MethodPost)

	// Verification
	v1.HandleFunc("/verify", s.handleVerify).Methods(http.MethodPost)
	v1.HandleFunc("/spoofing", s.handleSpoofing).Methods(http.MethodPost)

	// Squads
	v1.HandleFunc("/squads", s.handleFormSquad).Methods(http.MethodPost)
	v1.HandleFunc("/squads", s.handleListSquads).Methods(http.MethodGet)
	v1.HandleFunc("/squads/{id}", s.handleGetSquad).Methods(http.MethodGet)
	v1.HandleFunc("/squads/{id}/members", s.handleAddMember).Methods(http.MethodPost)
	v1.HandleFunc("/squads/{id}/members/{device}", s.handleRemoveMember).Methods(http.MethodDelete)
	v1.HandleFunc("/squads/{id}/blocks", s.handleBlockFound).Methods(http.MethodPost)
	v1.HandleFunc("/squads/{id}/rewards/{device}", s.handleRewardShare).Methods(http.MethodGet)

	// Ownership
	v1.HandleFunc("/owners", s.handleRegisterOwner).Methods(http.MethodPost)
	v1.HandleFunc("/owners/{address}/devices", s.handleOwnerDevices).Methods(http.MethodGet)
	v1.HandleFunc("/owners/{address}/devices/{id}", s.handleVerifyOwnership).Methods(http.MethodGet)

	v1.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument counts requests by route template and status.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		s.Metrics.HTTPRequest(route, strconv.Itoa(rec.status))
		s.Logger.Debug("request served",
			"method", r.Method, "route", route, "status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

// rateLimit admits RateLimitPerMinute requests per client address per minute.
// Store failures let the request through.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Store == nil || s.opts.RateLimitPerMinute <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		allowed, err := s.Store.CheckRateLimit(r.Context(), "api:"+clientIP(r), int64(s.opts.RateLimitPerMinute), time.Minute)
		if err != nil {
			s.Logger.WithError(err).Warn("rate limit check failed")
		} else if !allowed {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"devices": s.Registry.GetTotalRegisteredDevices(),
	}
	if s.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.Store.Health(ctx); err != nil {
			resp["status"] = "degraded"
			resp["error"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Registry.Stats(s.opts.ActiveWindow))
}
