package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/gluk-w/sshdeck/internal/connmgr"
	"github.com/gluk-w/sshdeck/internal/inventory"
	"github.com/gluk-w/sshdeck/internal/sessions"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 * 1024

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var (
		capErr  *sessions.CapacityError
		bindErr *inventory.BindingError
	)
	switch {
	case errors.Is(err, sessions.ErrSessionNotFound), errors.Is(err, connmgr.ErrNoConnection):
		return http.StatusNotFound
	case errors.As(err, &capErr):
		return http.StatusConflict
	case errors.As(err, &bindErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, sessions.ErrNotBound),
		errors.Is(err, connmgr.ErrNotConnected),
		errors.Is(err, connmgr.ErrReconnectNotAllowed):
		return http.StatusConflict
	case errors.Is(err, connmgr.ErrRetryCooldown):
		return http.StatusTooManyRequests
	case errors.Is(err, connmgr.ErrInputTooLarge):
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusInternalServerError
}

// writeDomainError writes err with the status statusFor picks. Unexpected
// errors are logged and reported without detail.
func writeDomainError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("[handlers] %s: %v", op, err)
		writeError(w, status, "Internal error")
		return
	}
	writeError(w, status, err.Error())
}
