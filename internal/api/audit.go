package api

import (
	"net/http"
	"strconv"

	"github.com/fieldward/fieldward-core/internal/audit"
)

// handleListAudit returns the safety audit trail, filterable by action
// and device.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audits == nil {
		writeNotFound(w, "audit trail not configured")
		return
	}

	filter := audit.Filter{
		Action:   r.URL.Query().Get("action"),
		DeviceID: r.URL.Query().Get("device_id"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		filter.Limit = parsed
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeBadRequest(w, "offset must be a non-negative integer")
			return
		}
		filter.Offset = parsed
	}

	result, err := s.audits.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing audit events", "error", err)
		writeInternalError(w, "failed to list audit events")
		return
	}

	writeJSON(w, http.StatusOK, result)
}
