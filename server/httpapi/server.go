package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/migadu/policyd/access"
	"github.com/migadu/policyd/consts"
	"github.com/migadu/policyd/db"
	"github.com/migadu/policyd/helpers"
	"github.com/migadu/policyd/logger"
	"github.com/migadu/policyd/pkg/health"
	"github.com/migadu/policyd/pkg/metrics"
	"github.com/migadu/policyd/server/policy"
)

// Server represents the HTTP API server
type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	store        db.Store
	engine       *access.Engine
	health       *health.HealthMonitor
	serverStats  func() []policy.ServerStats
	server       *http.Server
}

// ServerOptions holds configuration options for the HTTP API server
type ServerOptions struct {
	Addr         string
	APIKey       string
	AllowedHosts []string
	Store        db.Store
	Engine       *access.Engine
	Health       *health.HealthMonitor       // optional
	ServerStats  func() []policy.ServerStats // optional
}

// New creates a new HTTP API server
func New(options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}
	if options.Store == nil || options.Engine == nil {
		return nil, fmt.Errorf("HTTP API server needs a rule store and an access engine")
	}

	return &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		store:        options.Store,
		engine:       options.Engine,
		health:       options.Health,
		serverStats:  options.ServerStats,
	}, nil
}

// Start runs the HTTP API server until ctx is done.
func Start(ctx context.Context, options ServerOptions, errChan chan error) {
	server, err := New(options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	logger.Info("Starting HTTP API server", "addr", options.Addr, "api_key", helpers.MaskSecret(options.APIKey))
	if err := server.start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down HTTP API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down HTTP API server", "error", err)
		}
	}()

	return s.server.ListenAndServe()
}

// Handler returns the routed API with its middleware.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)

	v1 := router.PathPrefix("/api/v1").Subrouter()
	// Liveness probes come without credentials.
	v1.HandleFunc("/health", s.handleHealth).Methods("GET")

	authed := v1.NewRoute().Subrouter()
	authed.Use(s.authMiddleware)
	authed.HandleFunc("/stats", s.handleStats).Methods("GET")
	authed.HandleFunc("/rules", s.handleListRules).Methods("GET")
	authed.HandleFunc("/rules", s.handleAddRule).Methods("POST")
	authed.HandleFunc("/rules/{id:[0-9]+}", s.handleGetRule).Methods("GET")
	authed.HandleFunc("/rules/{id:[0-9]+}", s.handleDeleteRule).Methods("DELETE")
	authed.HandleFunc("/check", s.handleCheck).Methods("POST")
	authed.HandleFunc("/cache/purge", s.handleCachePurge).Methods("POST")

	return router
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

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		metrics.HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		logger.Debug("HTTP API request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr,
			"status", rec.status, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := net.ParseIP(getClientIP(r))
		for _, allowedHost := range s.allowedHosts {
			if strings.Contains(allowedHost, "/") {
				if _, cidr, err := net.ParseCIDR(allowedHost); err == nil && clientIP != nil && cidr.Contains(clientIP) {
					next.ServeHTTP(w, r)
					return
				}
				continue
			}
			if ip := net.ParseIP(allowedHost); ip != nil && ip.Equal(clientIP) {
				next.ServeHTTP(w, r)
				return
			}
		}

		s.writeError(w, http.StatusForbidden, "Host not allowed")
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// getClientIP uses the socket peer. Forwarding headers are not trusted, the
// API is meant to be reached directly.
func getClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("HTTP API: error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// Request/Response types

type AddRuleRequest struct {
	Kind     string `json:"kind"`
	Key      string `json:"key"`
	Action   string `json:"action"`
	Argument string `json:"argument,omitempty"`
	Comment  string `json:"comment,omitempty"`
}

// CheckRequest is a policy request as a JSON object of attributes.
type CheckRequest struct {
	Attributes map[string]string `json:"attributes"`
}

type HealthResponse struct {
	Status     health.ComponentStatus   `json:"status"`
	Components []health.ComponentReport `json:"components,omitempty"`
}

type StatsResponse struct {
	Rules   map[string]int64     `json:"rules"`
	Servers []policy.ServerStats `json:"servers,omitempty"`
	Cache   *CacheStats          `json:"cache,omitempty"`
	Breaker string               `json:"circuit_breaker,omitempty"`
}

type CacheStats struct {
	Entries int     `json:"entries"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: health.StatusHealthy}
	if s.health != nil {
		resp.Status = s.health.GetOverallStatus()
		resp.Components = s.health.Reports()
	} else if err := s.store.Ping(r.Context()); err != nil {
		resp.Status = health.StatusUnhealthy
	}

	status := http.StatusOK
	if resp.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountRules(r.Context())
	if err != nil {
		logger.Warn("HTTP API: error counting rules", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "Failed to count rules")
		return
	}

	resp := StatsResponse{Rules: counts}
	if s.serverStats != nil {
		resp.Servers = s.serverStats()
	}
	if c := s.engine.Cache(); c != nil {
		hits, misses, size, rate := c.GetStats()
		resp.Cache = &CacheStats{Entries: size, Hits: hits, Misses: misses, HitRate: rate}
	}
	if b := s.engine.Breaker(); b != nil {
		resp.Breaker = b.State().String()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	kind := strings.ToLower(r.URL.Query().Get("kind"))
	rules, err := s.store.ListRules(r.Context(), kind)
	if err != nil {
		logger.Warn("HTTP API: error listing rules", "kind", kind, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "Failed to list rules")
		return
	}
	if rules == nil {
		rules = []db.Rule{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"rules": rules,
		"count": len(rules),
	})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid rule id")
		return
	}

	rule, err := s.store.GetRule(r.Context(), id)
	if errors.Is(err, consts.ErrRuleNotFound) {
		s.writeError(w, http.StatusNotFound, "Rule not found")
		return
	}
	if err != nil {
		logger.Warn("HTTP API: error fetching rule", "id", id, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "Failed to fetch rule")
		return
	}
	s.writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var req AddRuleRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	rule := &db.Rule{Kind: req.Kind, Key: req.Key, Action: req.Action, Argument: req.Argument, Comment: req.Comment}
	err := s.store.AddRule(r.Context(), rule)
	switch {
	case errors.Is(err, consts.ErrInvalidRule):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, consts.ErrRuleExists):
		s.writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		logger.Warn("HTTP API: error adding rule", "kind", req.Kind, "key", req.Key, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "Failed to add rule")
		return
	}

	s.engine.PurgeCache()
	logger.Info("HTTP API: rule added", "id", rule.ID, "kind", rule.Kind, "key", rule.Key, "action", rule.PolicyAction().String())
	s.writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid rule id")
		return
	}

	err = s.store.DeleteRule(r.Context(), id)
	if errors.Is(err, consts.ErrRuleNotFound) {
		s.writeError(w, http.StatusNotFound, "Rule not found")
		return
	}
	if err != nil {
		logger.Warn("HTTP API: error deleting rule", "id", id, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "Failed to delete rule")
		return
	}

	s.engine.PurgeCache()
	logger.Info("HTTP API: rule deleted", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	preq := policy.RequestFromMap(req.Attributes)
	if _, ok := preq.Lookup(policy.AttrRequest); !ok {
		preq.Set(policy.AttrRequest, policy.RequestTypeAccessPolicy)
	}

	decision, err := s.engine.Evaluate(r.Context(), preq)
	if err != nil {
		logger.Warn("HTTP API: check failed", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleCachePurge(w http.ResponseWriter, r *http.Request) {
	entries := 0
	if c := s.engine.Cache(); c != nil {
		entries = c.Len()
	}
	s.engine.PurgeCache()
	logger.Info("HTTP API: decision cache purged", "entries", entries)
	s.writeJSON(w, http.StatusOK, map[string]any{"purged": entries})
}
