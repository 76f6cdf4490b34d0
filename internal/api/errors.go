package api

import (
	"encoding/json"
	"net/http"

	"github.com/infinibay/infinization/internal/model"
)

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeOrchestratorError maps a *model.Error's kind to an HTTP status and
// writes it, falling back to 500 for anything the facade doesn't recognize
// (§7's error kinds are the only surface this facade inspects — it never
// string-matches a message).
func (s *Server) writeOrchestratorError(w http.ResponseWriter, err error) {
	kind, ok := model.KindOf(err)
	if !ok {
		s.logger.Error("unclassified orchestrator error", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	status, logLevel := statusForKind(kind)
	if logLevel == slogWarn {
		s.logger.Warn("orchestrator error", "kind", kind, "error", err)
	} else {
		s.logger.Error("orchestrator error", "kind", kind, "error", err)
	}
	s.writeError(w, status, err.Error())
}

type logLevel int

const (
	slogWarn logLevel = iota
	slogError
)

// statusForKind maps each closed error kind (§7) to an HTTP status.
func statusForKind(kind model.ErrorKind) (int, logLevel) {
	switch kind {
	case model.ErrVMNotFound:
		return http.StatusNotFound, slogWarn
	case model.ErrInvalidConfig:
		return http.StatusBadRequest, slogWarn
	case model.ErrAlreadyRunning, model.ErrAlreadyStopped, model.ErrInvalidState:
		return http.StatusConflict, slogWarn
	case model.ErrConcurrentModification:
		return http.StatusConflict, slogWarn
	case model.ErrResourceUnavailable:
		return http.StatusServiceUnavailable, slogWarn
	case model.ErrTimeout:
		return http.StatusGatewayTimeout, slogWarn
	default:
		return http.StatusInternalServerError, slogError
	}
}
