package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/fieldward/fieldward-core/internal/control"
	"github.com/fieldward/fieldward-core/internal/device"
)

// defaultCommandListLimit bounds GET /devices/{id}/commands when no
// limit is supplied.
const defaultCommandListLimit = 50

// submitCommandRequest is the request body for POST /devices/{id}/commands.
type submitCommandRequest struct {
	Action  string         `json:"action"`
	Payload map[string]any `json:"payload,omitempty"`
	Source  control.Source `json:"source,omitempty"`
}

// handleSubmitCommand feeds an authenticated command into the pipeline.
//
// The command record is returned for every outcome that produced one:
// 202 for executed or pending commands, 409 with the record when the
// interlock or runtime state rejected it.
func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	d, ok := s.resolveOwnedDevice(w, r)
	if !ok {
		return
	}

	var req submitCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Action == "" {
		writeBadRequest(w, "action is required")
		return
	}

	source := req.Source
	switch source {
	case "":
		source = control.SourceWeb
	case control.SourceWeb, control.SourceMobile:
	default:
		writeBadRequest(w, "source must be web or mobile")
		return
	}

	caller := callerFrom(r)
	cmd, err := s.pipeline.Submit(r.Context(), d.ID, &caller.ID, req.Action, req.Payload, source)
	if err != nil {
		switch {
		case errors.Is(err, control.ErrSafetyBlocked):
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":   Error{Status: http.StatusConflict, Code: ErrCodeSafetyBlocked, Message: err.Error()},
				"command": cmd,
			})
		case errors.Is(err, device.ErrAlreadyActive):
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":   Error{Status: http.StatusConflict, Code: ErrCodeConflict, Message: "device is already active"},
				"command": cmd,
			})
		case errors.Is(err, device.ErrDeviceNotFound):
			writeNotFound(w, "device not found")
		default:
			s.logger.Error("submitting command", "device_id", d.ID, "error", err)
			writeInternalError(w, "failed to execute command")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, cmd)
}

// handleListCommands returns the most recent commands for a device.
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	d, ok := s.resolveOwnedDevice(w, r)
	if !ok {
		return
	}

	limit := defaultCommandListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	cmds, err := s.commands.ListByDevice(r.Context(), d.ID, limit)
	if err != nil {
		s.logger.Error("listing commands", "device_id", d.ID, "error", err)
		writeInternalError(w, "failed to list commands")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"commands": cmds,
		"count":    len(cmds),
	})
}
