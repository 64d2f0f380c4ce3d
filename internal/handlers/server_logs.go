package handlers

import (
	"log"
	"net/http"

	"github.com/gluk-w/shellbridge/internal/logging"
	"github.com/gluk-w/shellbridge/internal/logutil"
)

const defaultLogLines = 200

// GetServerLogs returns the tail of the bridge log file. ?lines= picks how
// many, capped at logging.MaxTailLines.
func GetServerLogs(w http.ResponseWriter, r *http.Request) {
	lines, err := queryInt(r, "lines", defaultLogLines)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if lines == 0 {
		lines = defaultLogLines
	}

	content, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"path": logging.Path(),
		"logs": content,
	})
}

func ClearServerLogs(w http.ResponseWriter, r *http.Request) {
	if err := logging.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Printf("[logs] server log cleared from %s", logutil.SanitizeForLog(r.RemoteAddr))
	w.WriteHeader(http.StatusNoContent)
}
