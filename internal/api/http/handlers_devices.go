package apihttp

import (
	"context"
	"net/http"
	"strings"

	"toniebridge/internal/domain"
)

// DeviceRegistry is the slice of the device registry the HTTP surface
// needs.
type DeviceRegistry interface {
	Devices() []domain.DeviceInfo
	Refresh(ctx context.Context) []domain.DeviceInfo
	AddManual(info domain.DeviceInfo) error
	Remove(kind domain.DeviceKind, id string) error
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": s.registry.Devices()})
}

func (s *Server) handleDevicesDiscover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}
	devices := s.registry.Refresh(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

// handleDefaultDevice gets or sets the fallback playback device used
// when nothing more specific targets a reader.
func (s *Server) handleDefaultDevice(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		ref, ok := s.settings.DefaultDevice()
		if !ok {
			writeJSON(w, http.StatusOK, map[string]any{"configured": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"configured": true, "device": ref})

	case http.MethodPut, http.MethodPost:
		var ref domain.DeviceRef
		if err := decodeJSON(r, &ref); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
		if err := ref.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		if _, _, err := s.settings.Update(map[string]any{
			"default_device_type": string(ref.Kind),
			"default_device_id":   ref.ID,
		}); err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"device": ref})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET or PUT required")
	}
}

// handleCurrentDevice manages the global override applied to every
// reader until cleared; it outranks the default but not per-reader
// overrides.
func (s *Server) handleCurrentDevice(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		ref, ok := s.streams.CurrentDevice()
		if !ok {
			writeJSON(w, http.StatusOK, map[string]any{"active": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"active": true, "device": ref})

	case http.MethodPut, http.MethodPost:
		var ref domain.DeviceRef
		if err := decodeJSON(r, &ref); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
		if err := ref.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		s.streams.SetCurrentDevice(&ref)
		writeJSON(w, http.StatusOK, map[string]any{"active": true, "device": ref})

	case http.MethodDelete:
		s.streams.SetCurrentDevice(nil)
		writeJSON(w, http.StatusOK, map[string]any{"active": false})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET, PUT or DELETE required")
	}
}

func (s *Server) handleDeviceAdd(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}
	var info domain.DeviceInfo
	if err := decodeJSON(r, &info); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if err := s.registry.AddManual(info); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"devices": s.registry.Devices()})
}

// handleDeviceByPath covers DELETE /devices/{type}/{id}.
func (s *Server) handleDeviceByPath(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "DELETE required")
		return
	}
	rest := pathSuffix(r.URL.Path, "/devices/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		writeError(w, http.StatusNotFound, "not_found", "not found")
		return
	}
	kind := domain.DeviceKind(parts[0])
	if err := s.registry.Remove(kind, parts[1]); err != nil {
		writeUseCaseError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": rest})
}
