package handlers

import (
	"net/http"

	"github.com/gluk-w/sshdeck/internal/connmgr"
	"github.com/go-chi/chi/v5"
)

type createSessionRequest struct {
	Label    string `json:"label"`
	TargetID string `json:"target_id"`
}

type bindRequest struct {
	TargetID string `json:"target_id"`
}

type moveRequest struct {
	Index *int `json:"index"`
}

type pinRequest struct {
	Pinned *bool `json:"pinned"`
}

type resizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

func (s *Server) GetWorkspace(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Sessions.Snapshot())
}

func (s *Server) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": s.Sessions.List(),
	})
}

// CreateSession opens a quick session, or a bound one when target_id is set.
func (s *Server) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.TargetID == "" {
		sess, err := s.Sessions.Create(req.Label)
		if err != nil {
			writeDomainError(w, "create session", err)
			return
		}
		writeJSON(w, http.StatusCreated, sess)
		return
	}

	sess, err := s.Sessions.CreateBound(r.Context(), req.TargetID, req.Label)
	if err != nil {
		writeDomainError(w, "create bound session", err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, "get session", err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) CloseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.Sessions.Close(chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, "close session", err)
		return
	}
	writeJSON(w, http.StatusOK, s.Sessions.Snapshot())
}

func (s *Server) BindSession(w http.ResponseWriter, r *http.Request) {
	var req bindRequest
	if err := decodeBody(w, r, &req); err != nil || req.TargetID == "" {
		writeError(w, http.StatusBadRequest, "target_id is required")
		return
	}
	sess, err := s.Sessions.Bind(r.Context(), chi.URLParam(r, "id"), req.TargetID)
	if err != nil {
		writeDomainError(w, "bind session", err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) DuplicateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Sessions.Duplicate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, "duplicate session", err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) CloseOtherSessions(w http.ResponseWriter, r *http.Request) {
	closed, err := s.Sessions.CloseOthers(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, "close other sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"closed":    nonNil(closed),
		"workspace": s.Sessions.Snapshot(),
	})
}

func (s *Server) CloseAllSessions(w http.ResponseWriter, r *http.Request) {
	closed := s.Sessions.CloseAll()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"closed":    nonNil(closed),
		"workspace": s.Sessions.Snapshot(),
	})
}

func (s *Server) MoveSession(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if err := decodeBody(w, r, &req); err != nil || req.Index == nil {
		writeError(w, http.StatusBadRequest, "index is required")
		return
	}
	if err := s.Sessions.Move(chi.URLParam(r, "id"), *req.Index); err != nil {
		writeDomainError(w, "move session", err)
		return
	}
	writeJSON(w, http.StatusOK, s.Sessions.Snapshot())
}

func (s *Server) PinSession(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if err := decodeBody(w, r, &req); err != nil || req.Pinned == nil {
		writeError(w, http.StatusBadRequest, "pinned is required")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.Sessions.Pin(id, *req.Pinned); err != nil {
		writeDomainError(w, "pin session", err)
		return
	}
	s.writeSession(w, id)
}

func (s *Server) ActivateSession(w http.ResponseWriter, r *http.Request) {
	if err := s.Sessions.Activate(chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, "activate session", err)
		return
	}
	writeJSON(w, http.StatusOK, s.Sessions.Snapshot())
}

func (s *Server) DisconnectSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Sessions.Disconnect(id); err != nil {
		writeDomainError(w, "disconnect session", err)
		return
	}
	s.writeSession(w, id)
}

func (s *Server) ReconnectSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Sessions.Reconnect(id); err != nil {
		writeDomainError(w, "reconnect session", err)
		return
	}
	s.writeSession(w, id)
}

func (s *Server) ResizeSession(w http.ResponseWriter, r *http.Request) {
	var req resizeRequest
	if err := decodeBody(w, r, &req); err != nil || req.Cols <= 0 || req.Rows <= 0 {
		writeError(w, http.StatusBadRequest, "cols and rows must be positive")
		return
	}
	if err := s.Sessions.Resize(chi.URLParam(r, "id"), req.Cols, req.Rows); err != nil {
		writeDomainError(w, "resize session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetTransitions returns the connection status history, oldest first. An
// unbound session has an empty history.
func (s *Server) GetTransitions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.Sessions.Get(id); err != nil {
		writeDomainError(w, "get transitions", err)
		return
	}
	transitions, err := s.Transitions.Transitions(id)
	if err != nil && statusFor(err) != http.StatusNotFound {
		writeDomainError(w, "get transitions", err)
		return
	}
	if transitions == nil {
		transitions = []connmgr.Transition{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":  id,
		"transitions": transitions,
	})
}

func (s *Server) writeSession(w http.ResponseWriter, id string) {
	sess, err := s.Sessions.Get(id)
	if err != nil {
		writeDomainError(w, "get session", err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
