package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/shellbridge/internal/bridge"
)

// ListSessions returns the live bridged sessions.
func ListSessions(w http.ResponseWriter, r *http.Request) {
	if Bridge == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": []bridge.SessionInfo{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": Bridge.Sessions()})
}

// CloseSession evicts a session. The attached client, if any, receives closed.
func CloseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if Bridge == nil || !Bridge.Close(id) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
