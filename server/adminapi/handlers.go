package adminapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/migadu/tenantdb/consts"
	"github.com/migadu/tenantdb/db"
	"github.com/migadu/tenantdb/logger"
	"github.com/migadu/tenantdb/pkg/assignment"
	"github.com/migadu/tenantdb/pkg/replication"
)

type AssignmentRequest struct {
	ClusterID   int    `json:"cluster_id"`   // 0 means this server's cluster
	ReadPoolID  int    `json:"read_pool_id"` // 0 means no replica
	WritePoolID int    `json:"write_pool_id"`
	Schema      string `json:"schema"`
}

type InvalidateRequest struct {
	TenantIDs []int `json:"tenant_ids"`
}

type StatsResponse struct {
	ClusterID int               `json:"cluster_id"`
	Router    replication.Stats `json:"router"`
	Resolver  assignment.Stats  `json:"resolver"`
	Pools     int               `json:"pools"`
}

// writeServiceError maps routing errors to status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, consts.ErrAssignmentNotFound), errors.Is(err, consts.ErrUnknownPool), errors.Is(err, db.ErrPoolNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, db.ErrInvalidSchemaName):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case consts.Classify(err) == consts.KindConfiguration:
		s.writeError(w, http.StatusConflict, err.Error())
	case consts.Classify(err) == consts.KindCapacity:
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		logger.Warn("Request failed", "component", "ADMIN-API", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	pools := s.service.Pools()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"pools": pools,
		"total": len(pools),
	})
}

func (s *Server) handleEvictPool(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid pool id")
		return
	}
	if err := s.service.EvictPool(r.Context(), id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	logger.Info("Pool evicted via admin API", "component", "ADMIN-API", "pool_id", id)
	s.writeJSON(w, http.StatusOK, map[string]any{"pool_id": id, "evicted": true})
}

func (s *Server) handleListPoolDefinitions(w http.ResponseWriter, r *http.Request) {
	if s.control == nil {
		s.writeError(w, http.StatusNotImplemented, "Control database not configured")
		return
	}
	defs, err := s.control.ListPoolDefinitions(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"definitions": defs,
		"total":       len(defs),
	})
}

func (s *Server) handleGetPoolDefinition(w http.ResponseWriter, r *http.Request) {
	if s.control == nil {
		s.writeError(w, http.StatusNotImplemented, "Control database not configured")
		return
	}
	id, err := pathInt(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid pool id")
		return
	}
	rec, found, err := s.control.PoolDefinition(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if !found {
		s.writeError(w, http.StatusNotFound, "Pool definition not found")
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRefreshPools(w http.ResponseWriter, r *http.Request) {
	if s.reloader == nil {
		s.writeError(w, http.StatusNotImplemented, "Reload not configured")
		return
	}
	n, err := s.reloader.RefreshTenantPools(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"reconfigured": n})
}

func (s *Server) handleCountTenantsPerSchema(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid pool id")
		return
	}
	counts, err := s.service.CountTenantsPerSchema(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"write_pool_id": id,
		"schemas":       counts,
	})
}

func (s *Server) handleUnfilledSchemas(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid pool id")
		return
	}
	maxTenants, err := strconv.Atoi(r.URL.Query().Get("max"))
	if err != nil || maxTenants <= 0 {
		s.writeError(w, http.StatusBadRequest, "Query parameter 'max' must be a positive integer")
		return
	}
	counts, err := s.service.UnfilledSchemas(r.Context(), id, maxTenants)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"write_pool_id": id,
		"max_tenants":   maxTenants,
		"schemas":       counts,
	})
}

func (s *Server) handleTenantsInSchema(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid pool id")
		return
	}
	schema := mux.Vars(r)["schema"]
	tenants, err := s.service.TenantsInSchema(r.Context(), id, schema)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if tenants == nil {
		tenants = []int{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"write_pool_id": id,
		"schema":        schema,
		"tenants":       tenants,
	})
}

func (s *Server) handleGetAssignment(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid tenant id")
		return
	}
	a, err := s.service.ResolveAssignment(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, a.Record())
}

func (s *Server) handlePutAssignment(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid tenant id")
		return
	}
	defer r.Body.Close()
	var req AssignmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.WritePoolID == 0 || req.Schema == "" {
		s.writeError(w, http.StatusBadRequest, "write_pool_id and schema are required")
		return
	}
	if req.ClusterID == 0 {
		req.ClusterID = s.service.ClusterID()
	}
	if req.ReadPoolID == 0 {
		req.ReadPoolID = req.WritePoolID
	}

	ctx := r.Context()
	if err := s.service.WriteAssignment(ctx, id, req.ClusterID, req.ReadPoolID, req.WritePoolID, req.Schema); err != nil {
		s.writeServiceError(w, err)
		return
	}
	logger.Info("Assignment written via admin API", "component", "ADMIN-API", "tenant_id", id,
		"write_pool_id", req.WritePoolID, "read_pool_id", req.ReadPoolID, "schema", req.Schema)

	a, err := s.service.ResolveAssignment(ctx, id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, a.Record())
}

func (s *Server) handleDeleteAssignment(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid tenant id")
		return
	}
	if err := s.service.DeleteAssignment(r.Context(), id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	logger.Info("Assignment deleted via admin API", "component", "ADMIN-API", "tenant_id", id)
	s.writeJSON(w, http.StatusOK, map[string]any{"tenant_id": id, "deleted": true})
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req InvalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if len(req.TenantIDs) == 0 {
		s.writeError(w, http.StatusBadRequest, "tenant_ids is required")
		return
	}
	s.service.InvalidateAssignment(r.Context(), req.TenantIDs...)
	s.writeJSON(w, http.StatusOK, map[string]any{"invalidated": len(req.TenantIDs)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, StatsResponse{
		ClusterID: s.service.ClusterID(),
		Router:    s.service.RouterStats(),
		Resolver:  s.service.ResolverStats(),
		Pools:     len(s.service.Pools()),
	})
}

func (s *Server) handleLocalHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.writeError(w, http.StatusNotImplemented, "Health monitoring not enabled")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": s.health.OverallStatus(),
		"checks": s.health.Results(),
	})
}

func (s *Server) handleHealthOverview(w http.ResponseWriter, r *http.Request) {
	if s.control == nil {
		s.writeError(w, http.StatusNotImplemented, "Control database not configured")
		return
	}
	overview, err := s.control.GetSystemHealthOverview(r.Context(), r.URL.Query().Get("hostname"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, overview)
}

func (s *Server) handleHealthStatusByHost(w http.ResponseWriter, r *http.Request) {
	if s.control == nil {
		s.writeError(w, http.StatusNotImplemented, "Control database not configured")
		return
	}
	hostname := mux.Vars(r)["hostname"]
	statuses, err := s.control.GetAllHealthStatuses(r.Context(), hostname)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if statuses == nil {
		statuses = []*db.HealthStatus{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"hostname":   hostname,
		"components": statuses,
	})
}
