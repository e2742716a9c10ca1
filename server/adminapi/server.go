package adminapi

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

	"github.com/migadu/tenantdb/db"
	"github.com/migadu/tenantdb/logger"
	"github.com/migadu/tenantdb/pkg/assignment"
	"github.com/migadu/tenantdb/pkg/health"
	"github.com/migadu/tenantdb/pkg/registry"
	"github.com/migadu/tenantdb/pkg/replication"
)

// Service is the routing layer the API inspects and steers, normally
// *dbservice.Service.
type Service interface {
	ClusterID() int
	Pools() []registry.PoolInfo
	EvictPool(ctx context.Context, poolID int) error
	RouterStats() replication.Stats
	ResolverStats() assignment.Stats
	ResolveAssignment(ctx context.Context, tenantID int) (*assignment.Assignment, error)
	WriteAssignment(ctx context.Context, tenantID, clusterID, readPoolID, writePoolID int, schema string) error
	DeleteAssignment(ctx context.Context, tenantID int) error
	InvalidateAssignment(ctx context.Context, tenantIDs ...int)
	TenantsInSchema(ctx context.Context, writePoolID int, schema string) ([]int, error)
	CountTenantsPerSchema(ctx context.Context, writePoolID int) ([]assignment.SchemaCount, error)
	UnfilledSchemas(ctx context.Context, writePoolID, maxTenants int) ([]assignment.SchemaCount, error)
}

// ControlStore exposes control database records, normally *db.Database.
type ControlStore interface {
	PoolDefinition(ctx context.Context, id int) (db.PoolRecord, bool, error)
	ListPoolDefinitions(ctx context.Context) ([]db.PoolRecord, error)
	GetSystemHealthOverview(ctx context.Context, hostname string) (*db.SystemHealthOverview, error)
	GetAllHealthStatuses(ctx context.Context, hostname string) ([]*db.HealthStatus, error)
}

type HealthReporter interface {
	OverallStatus() health.ComponentStatus
	Results() []health.Result
}

// Reloader re-reads tenant pool definitions, normally *reload.Coordinator.
type Reloader interface {
	RefreshTenantPools(ctx context.Context) (int, error)
}

// Server represents the admin HTTP API server
type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	service      Service
	control      ControlStore
	health       HealthReporter
	reloader     Reloader
	server       *http.Server
	tls          bool
	tlsCertFile  string
	tlsKeyFile   string
}

// ServerOptions holds configuration options for the admin HTTP API server
type ServerOptions struct {
	Addr         string
	APIKey       string
	AllowedHosts []string
	Control      ControlStore   // optional
	Health       HealthReporter // optional
	Reloader     Reloader       // optional
	TLS          bool
	TLSCertFile  string
	TLSKeyFile   string
}

func New(service Service, options ServerOptions) (*Server, error) {
	if service == nil {
		return nil, errors.New("service is required for admin API server")
	}
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for admin API server")
	}
	if options.TLS && (options.TLSCertFile == "" || options.TLSKeyFile == "") {
		return nil, fmt.Errorf("TLS certificate and key files are required when TLS is enabled")
	}

	return &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		service:      service,
		control:      options.Control,
		health:       options.Health,
		reloader:     options.Reloader,
		tls:          options.TLS,
		tlsCertFile:  options.TLSCertFile,
		tlsKeyFile:   options.TLSKeyFile,
	}, nil
}

// Start serves the API until ctx is done. Failures are sent to errChan.
func Start(ctx context.Context, service Service, options ServerOptions, errChan chan error) {
	server, err := New(service, options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create admin API server: %w", err)
		return
	}

	protocol := "HTTP"
	if options.TLS {
		protocol = "HTTPS"
	}
	logger.Info("Starting admin API server", "component", "ADMIN-API", "protocol", protocol, "addr", options.Addr)
	if err := server.start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- fmt.Errorf("admin API server failed: %w", err)
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
		logger.Info("Shutting down admin API server", "component", "ADMIN-API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down admin API server", "component", "ADMIN-API", "error", err)
		}
	}()

	if s.tls {
		return s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.server.ListenAndServe()
}

// Handler returns the routed API with authentication applied.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)
	router.Use(s.authMiddleware)

	v1 := router.PathPrefix("/api/v1").Subrouter()

	// Pools
	v1.HandleFunc("/pools", s.handleListPools).Methods("GET")
	v1.HandleFunc("/pools/definitions", s.handleListPoolDefinitions).Methods("GET")
	v1.HandleFunc("/pools/definitions/{id:-?[0-9]+}", s.handleGetPoolDefinition).Methods("GET")
	v1.HandleFunc("/pools/refresh", s.handleRefreshPools).Methods("POST")
	v1.HandleFunc("/pools/{id:-?[0-9]+}", s.handleEvictPool).Methods("DELETE")

	// Schemas of a write pool
	v1.HandleFunc("/pools/{id:-?[0-9]+}/schemas", s.handleCountTenantsPerSchema).Methods("GET")
	v1.HandleFunc("/pools/{id:-?[0-9]+}/schemas/unfilled", s.handleUnfilledSchemas).Methods("GET")
	v1.HandleFunc("/pools/{id:-?[0-9]+}/schemas/{schema}/tenants", s.handleTenantsInSchema).Methods("GET")

	// Assignments
	v1.HandleFunc("/tenants/invalidate", s.handleInvalidate).Methods("POST")
	v1.HandleFunc("/tenants/{id:[0-9]+}", s.handleGetAssignment).Methods("GET")
	v1.HandleFunc("/tenants/{id:[0-9]+}", s.handlePutAssignment).Methods("PUT")
	v1.HandleFunc("/tenants/{id:[0-9]+}", s.handleDeleteAssignment).Methods("DELETE")

	// Statistics
	v1.HandleFunc("/stats", s.handleStats).Methods("GET")

	// Health
	v1.HandleFunc("/health", s.handleLocalHealth).Methods("GET")
	v1.HandleFunc("/health/overview", s.handleHealthOverview).Methods("GET")
	v1.HandleFunc("/health/servers/{hostname}", s.handleHealthStatusByHost).Methods("GET")

	return router
}

// Middleware functions

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("Request completed", "component", "ADMIN-API", "method", r.Method,
			"path", r.URL.Path, "remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		if !hostAllowed(s.allowedHosts, getClientIP(r)) {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func hostAllowed(allowedHosts []string, clientIP string) bool {
	ip := net.ParseIP(clientIP)
	for _, allowed := range allowedHosts {
		if allowed == clientIP {
			return true
		}
		if strings.Contains(allowed, "/") && ip != nil {
			if _, cidr, err := net.ParseCIDR(allowed); err == nil && cidr.Contains(ip) {
				return true
			}
		}
	}
	return false
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Utility functions

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func pathInt(r *http.Request, name string) (int, error) {
	return strconv.Atoi(mux.Vars(r)[name])
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("Error encoding JSON response", "component", "ADMIN-API", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
