// Package handlers exposes the session workspace over REST and WebSocket.
package handlers

import (
	"context"
	"net/http"

	"github.com/gluk-w/sshdeck/internal/connmgr"
	"github.com/gluk-w/sshdeck/internal/inventory"
	"github.com/gluk-w/sshdeck/internal/monitor"
	"github.com/gluk-w/sshdeck/internal/sessionaudit"
	"github.com/gluk-w/sshdeck/internal/sessions"
	"github.com/gluk-w/sshdeck/internal/tabstate"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// TargetLister lists the inventory for the target picker.
type TargetLister interface {
	List() ([]inventory.Target, error)
}

// TransitionSource exposes per-session connection history.
type TransitionSource interface {
	Transitions(sessionID string) ([]connmgr.Transition, error)
}

// MetricsPool is the part of the monitor pool the handlers use.
type MetricsPool interface {
	Subscribe(ctx context.Context, targetID string, cb monitor.Callback) (func(), error)
	Status(targetID string) (monitor.State, error)
	List() []monitor.Info
}

// Server holds the components the HTTP surfaces operate on. Auditor and
// Targets may be nil; their endpoints then report 503.
type Server struct {
	Sessions    *sessions.Orchestrator
	Transitions TransitionSource
	Metrics     MetricsPool
	UIState     *tabstate.Store
	Auditor     *sessionaudit.Auditor
	Targets     TargetLister
}

// Routes builds the router. API endpoints live under /api/v1.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", s.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/workspace", s.GetWorkspace)
		r.Get("/events", s.EventsWS)

		r.Get("/targets", s.ListTargets)
		r.Get("/monitors", s.ListMonitors)
		r.Get("/audit", s.GetAuditLogs)
		r.Get("/logs", GetServerLogs)
		r.Delete("/logs", ClearServerLogs)

		r.Get("/sessions", s.ListSessions)
		r.Post("/sessions", s.CreateSession)
		r.Post("/sessions/close-all", s.CloseAllSessions)

		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", s.GetSession)
			r.Delete("/", s.CloseSession)
			r.Post("/bind", s.BindSession)
			r.Post("/duplicate", s.DuplicateSession)
			r.Post("/close-others", s.CloseOtherSessions)
			r.Post("/move", s.MoveSession)
			r.Post("/pin", s.PinSession)
			r.Post("/activate", s.ActivateSession)
			r.Post("/disconnect", s.DisconnectSession)
			r.Post("/reconnect", s.ReconnectSession)
			r.Post("/resize", s.ResizeSession)
			r.Get("/transitions", s.GetTransitions)

			r.Get("/ui-state", s.GetUIState)
			r.Patch("/ui-state", s.PatchUIState)
			r.Delete("/ui-state", s.DeleteUIState)

			r.Get("/terminal", s.TerminalWS)
			r.Get("/metrics", s.MetricsWS)
		})
	})

	return r
}
