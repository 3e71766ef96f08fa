package handlers

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gluk-w/sshdeck/internal/database"
	"github.com/gluk-w/sshdeck/internal/logging"
	"github.com/gluk-w/sshdeck/internal/sessionaudit"
)

func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	ws := s.Sessions.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       status,
		"database":     dbStatus,
		"sessions":     len(ws.Sessions),
		"max_sessions": ws.MaxSessions,
	})
}

// ListTargets returns the inventory for the bind picker. Passwords are
// never part of the response.
func (s *Server) ListTargets(w http.ResponseWriter, r *http.Request) {
	if s.Targets == nil {
		writeError(w, http.StatusServiceUnavailable, "Inventory not initialized")
		return
	}
	targets, err := s.Targets.List()
	if err != nil {
		log.Printf("[handlers] list targets: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to list targets")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"targets": targets})
}

// ListMonitors describes every live metrics subscription.
func (s *Server) ListMonitors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"monitors": s.Metrics.List()})
}

// GetAuditLogs returns paginated session audit log entries.
//
// Query parameters:
//
//	session_id - filter by session
//	target_id  - filter by target
//	event_type - filter by event type
//	since      - RFC3339 timestamp, only entries after this time
//	until      - RFC3339 timestamp, only entries before this time
//	limit      - max entries to return (default 50, max 1000)
//	offset     - pagination offset
func (s *Server) GetAuditLogs(w http.ResponseWriter, r *http.Request) {
	if s.Auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit system not initialized")
		return
	}

	q := r.URL.Query()
	opts := sessionaudit.QueryOptions{
		SessionID: q.Get("session_id"),
		TargetID:  q.Get("target_id"),
		EventType: q.Get("event_type"),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since timestamp (use RFC3339)")
			return
		}
		opts.Since = &t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid until timestamp (use RFC3339)")
			return
		}
		opts.Until = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid offset")
			return
		}
		opts.Offset = n
	}

	result, err := s.Auditor.Query(opts)
	if err != nil {
		log.Printf("[handlers] audit query: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to query audit logs")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func GetServerLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if q := r.URL.Query().Get("lines"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			lines = n
		}
	}

	content, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": content})
}

func ClearServerLogs(w http.ResponseWriter, r *http.Request) {
	if err := logging.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
