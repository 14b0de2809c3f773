// Package api serves the proxy's admin surface: liveness/readiness probes,
// Prometheus scraping, and a small read-only view of configured tenants
// and their pool stats. Adapted from the teacher's api/server.go, trimmed
// to the operations a static-or-topology-driven router actually supports
// — there is no tenant CRUD here, since tenants come from the config file
// or the control plane's topology feed, not from admin API calls.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/dbgateway/dbgateway/internal/config"
	"github.com/dbgateway/dbgateway/internal/metrics"
	"github.com/dbgateway/dbgateway/internal/pool"
	"github.com/dbgateway/dbgateway/internal/tenant"
)

// Server is the admin HTTP server: health/readiness probes, Prometheus
// metrics, and read-only tenant/pool introspection.
type Server struct {
	tenants    map[string]config.TenantConfig // nil in topology-driven mode
	pools      *pool.Manager
	metrics    *metrics.Collector
	apiKeyHash []byte

	httpServer *http.Server
	startTime  time.Time

	readyMu sync.RWMutex
	readyFn func() bool
}

// NewServer creates an admin server. tenants may be nil when the proxy
// runs in topology-driven (dynamic) mode, where there is no fixed tenant
// config to list. apiKey, if non-empty, is bcrypt-hashed once up front and
// required (via the X-API-Key header) on every route but /healthz.
func NewServer(tenants map[string]config.TenantConfig, pools *pool.Manager, m *metrics.Collector, apiKey string) (*Server, error) {
	s := &Server{
		tenants:   tenants,
		pools:     pools,
		metrics:   m,
		startTime: time.Now(),
		readyFn:   func() bool { return true },
	}
	if apiKey != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hashing configured api key: %w", err)
		}
		s.apiKeyHash = hash
	}
	return s, nil
}

// SetReadyFunc installs the predicate /readyz reports. The default always
// reports ready; callers wire in router/topology readiness once their
// startup sequencing is known (e.g. controlplane.Resolver.Ready having
// already fired, for topology-driven deployments).
func (s *Server) SetReadyFunc(fn func() bool) {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	s.readyFn = fn
}

func (s *Server) ready() bool {
	s.readyMu.RLock()
	defer s.readyMu.RUnlock()
	return s.readyFn()
}

// routes builds the admin API's mux.Router. Exposed separately from Start
// so tests can exercise it via httptest without binding a real port.
func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthzHandler).Methods(http.MethodGet)

	protected := r.NewRoute().Subrouter()
	protected.Use(s.apiKeyMiddleware)
	protected.HandleFunc("/readyz", s.readyzHandler).Methods(http.MethodGet)
	protected.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	protected.HandleFunc("/api/v1/tenants", s.listTenants).Methods(http.MethodGet)
	protected.HandleFunc("/api/v1/tenants/{id}/stats", s.tenantStats).Methods(http.MethodGet)
	return r
}

// Start begins serving the admin API on addr (host:port) in the background.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	slog.Info("admin api listening", "addr", addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("admin api server error", "err", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the admin server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKeyHash == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" || bcrypt.CompareHashAndPassword(s.apiKeyHash, []byte(key)) != nil {
			writeError(w, http.StatusUnauthorized, "missing or invalid X-API-Key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if !s.ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type tenantView struct {
	ID      string `json:"id"`
	Key     string `json:"tenant_key"`
	Addr    string `json:"addr"`
	Cluster string `json:"cluster"`
}

func (s *Server) listTenants(w http.ResponseWriter, r *http.Request) {
	if s.tenants == nil {
		writeJSON(w, http.StatusOK, []tenantView{})
		return
	}

	views := make([]tenantView, 0, len(s.tenants))
	for id, tc := range s.tenants {
		key := tenant.Key{Region: tc.Region, AZ: tc.AZ, Namespace: tc.Namespace, Cluster: tc.Cluster}
		views = append(views, tenantView{
			ID:      id,
			Key:     key.String(),
			Addr:    endpointAddr(tc),
			Cluster: tc.Cluster,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) tenantStats(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	tc, ok := s.tenants[id]
	if !ok {
		writeError(w, http.StatusNotFound, "tenant not found")
		return
	}

	addr := endpointAddr(tc)
	for _, st := range s.pools.AllStats() {
		if st.Endpoint == addr {
			writeJSON(w, http.StatusOK, st)
			return
		}
	}
	writeJSON(w, http.StatusOK, pool.Stats{Endpoint: addr, Cluster: tc.Cluster})
}

func endpointAddr(tc config.TenantConfig) string {
	return fmt.Sprintf("%s:%d", tc.Host, tc.Port)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
