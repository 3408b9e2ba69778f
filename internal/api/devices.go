package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fieldward/fieldward-core/internal/device"
)

// createDeviceRequest is the request body for POST /devices.
type createDeviceRequest struct {
	Name     string            `json:"name"`
	Type     device.DeviceType `json:"type"`
	OwnerID  *string           `json:"owner_id,omitempty"`
	ParentID *string           `json:"parent_id,omitempty"`
	Config   device.Config     `json:"config,omitempty"`
}

// updateDeviceRequest is the request body for PATCH /devices/{id}.
// Only supplied fields are changed; operational state (status, runtime)
// is owned by the command pipeline and not writable here.
type updateDeviceRequest struct {
	Name     *string        `json:"name,omitempty"`
	ParentID *string        `json:"parent_id,omitempty"`
	Config   *device.Config `json:"config,omitempty"`
}

// handleListDevices returns all devices, or the caller's devices when
// the owner query parameter is set.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	var (
		devices []device.Device
		err     error
	)
	if owner := r.URL.Query().Get("owner"); owner != "" {
		devices, err = s.registry.ListDevicesByOwner(r.Context(), owner)
	} else {
		devices, err = s.registry.ListDevices(r.Context())
	}
	if err != nil {
		s.logger.Error("listing devices", "error", err)
		writeInternalError(w, "failed to list devices")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// handleCreateDevice registers a new device and returns it together
// with the generated secret. The secret is shown exactly once; later
// reads never include it.
func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req createDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	d := &device.Device{
		Name:     req.Name,
		Type:     req.Type,
		OwnerID:  req.OwnerID,
		ParentID: req.ParentID,
		Config:   req.Config,
	}
	if d.OwnerID == nil {
		if caller := callerFrom(r); caller != nil {
			d.OwnerID = &caller.ID
		}
	}

	if err := s.registry.CreateDevice(r.Context(), d); err != nil {
		switch {
		case errors.Is(err, device.ErrInvalidDevice),
			errors.Is(err, device.ErrInvalidDeviceType),
			errors.Is(err, device.ErrInvalidName):
			writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		case errors.Is(err, device.ErrDeviceExists):
			writeError(w, http.StatusConflict, ErrCodeConflict, "device already exists")
		default:
			s.logger.Error("creating device", "error", err)
			writeInternalError(w, "failed to create device")
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"device": d,
		"secret": d.Secret,
	})
}

// handleGetDevice returns a single device.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.resolveOwnedDevice(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleUpdateDevice applies a partial update to a device's identity
// fields.
func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.resolveOwnedDevice(w, r)
	if !ok {
		return
	}

	var req updateDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if req.Name != nil {
		d.Name = *req.Name
	}
	if req.ParentID != nil {
		if *req.ParentID == "" {
			d.ParentID = nil
		} else {
			d.ParentID = req.ParentID
		}
	}
	if req.Config != nil {
		d.Config = *req.Config
	}

	if err := s.registry.UpdateIdentity(r.Context(), d); err != nil {
		switch {
		case errors.Is(err, device.ErrInvalidDevice),
			errors.Is(err, device.ErrInvalidName):
			writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		case errors.Is(err, device.ErrDeviceNotFound):
			writeNotFound(w, "device not found")
		default:
			s.logger.Error("updating device", "error", err)
			writeInternalError(w, "failed to update device")
		}
		return
	}

	writeJSON(w, http.StatusOK, d)
}

// handleDeleteDevice removes a device. Child devices keep their weak
// parent reference; the interlock treats a dangling parent as absent.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.resolveOwnedDevice(w, r)
	if !ok {
		return
	}

	if err := s.registry.DeleteDevice(r.Context(), d.ID); err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		s.logger.Error("deleting device", "error", err)
		writeInternalError(w, "failed to delete device")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleRotateSecret replaces the device's offline-channel secret and
// returns the new value once.
func (s *Server) handleRotateSecret(w http.ResponseWriter, r *http.Request) {
	d, ok := s.resolveOwnedDevice(w, r)
	if !ok {
		return
	}

	secret, err := s.registry.RotateSecret(r.Context(), d.ID)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		s.logger.Error("rotating device secret", "error", err)
		writeInternalError(w, "failed to rotate secret")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": d.ID,
		"secret":    secret,
	})
}

// resolveOwnedDevice loads the device from the URL and enforces
// ownership: non-admin callers may only touch their own devices. On
// failure the response has already been written.
func (s *Server) resolveOwnedDevice(w http.ResponseWriter, r *http.Request) (*device.Device, bool) {
	id := chi.URLParam(r, "id")
	d, err := s.registry.GetDevice(r.Context(), id)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return nil, false
		}
		s.logger.Error("loading device", "device_id", id, "error", err)
		writeInternalError(w, "failed to load device")
		return nil, false
	}

	caller := callerFrom(r)
	if caller == nil {
		writeUnauthorized(w, "authentication required")
		return nil, false
	}
	if caller.Role != "admin" && d.OwnerID != nil && *d.OwnerID != caller.ID {
		writeForbidden(w, "device belongs to another account")
		return nil, false
	}

	return d, true
}
