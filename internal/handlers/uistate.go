package handlers

import (
	"log"
	"net/http"

	"github.com/gluk-w/sshdeck/internal/tabstate"
	"github.com/go-chi/chi/v5"
)

// GetUIState returns the panel flags for a session, defaulted when nothing
// has been written.
func (s *Server) GetUIState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, s.UIState.Get(id))
}

// PatchUIState merges the supplied flags into the session's state. Only
// open sessions accept writes so closed ones leave nothing behind.
func (s *Server) PatchUIState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.Sessions.Live(id) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	var patch tabstate.Patch
	if err := decodeBody(w, r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	state, err := s.UIState.Set(id, patch)
	if err != nil {
		log.Printf("[handlers] persist ui state for %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "Failed to save ui state")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) DeleteUIState(w http.ResponseWriter, r *http.Request) {
	if err := s.UIState.Delete(chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete ui state")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
