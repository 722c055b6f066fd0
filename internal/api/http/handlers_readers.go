package apihttp

import (
	"context"
	"net/http"
	"strings"

	"toniebridge/internal/domain"
)

func (s *Server) handleReaders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"readers": s.streams.Readers()})
}

// handleReaderByIP dispatches /readers/{ip} and its sub-resources:
// name, heartbeat, position, controls/{action}, device, temp-device.
func (s *Server) handleReaderByIP(w http.ResponseWriter, r *http.Request) {
	rest := pathSuffix(r.URL.Path, "/readers/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "not_found", "not found")
		return
	}
	ip := rest
	sub := ""
	if idx := strings.Index(rest, "/"); idx >= 0 {
		ip, sub = rest[:idx], rest[idx+1:]
	}
	if ip == "" {
		writeError(w, http.StatusNotFound, "not_found", "not found")
		return
	}

	switch {
	case sub == "":
		s.handleReaderRoot(w, r, ip)
	case sub == "name":
		s.handleReaderName(w, r, ip)
	case sub == "heartbeat":
		s.handleReaderHeartbeat(w, r, ip)
	case sub == "position":
		s.handleReaderPosition(w, r, ip)
	case sub == "controls" || strings.HasPrefix(sub, "controls/"):
		s.handleReaderControls(w, r, ip, strings.TrimPrefix(sub, "controls/"))
	case sub == "device":
		s.handleReaderDevice(w, r, ip)
	case sub == "temp-device":
		s.handleReaderTempDevice(w, r, ip)
	default:
		writeError(w, http.StatusNotFound, "not_found", "not found")
	}
}

func (s *Server) handleReaderRoot(w http.ResponseWriter, r *http.Request, ip string) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "DELETE required")
		return
	}
	if err := s.streams.RemoveReader(ip); err != nil {
		writeUseCaseError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": ip})
}

type renameRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleReaderName(w http.ResponseWriter, r *http.Request, ip string) {
	if r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "PUT required")
		return
	}
	var req renameRequest
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "name is required")
		return
	}
	if err := s.streams.RenameReader(ip, req.Name); err != nil {
		writeUseCaseError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ip": ip, "name": req.Name})
}

// handleReaderHeartbeat refreshes liveness and resumes an interrupted
// SD mirror for a reader that just came back.
func (s *Server) handleReaderHeartbeat(w http.ResponseWriter, r *http.Request, ip string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}
	s.streams.Touch(ip)
	resumed := false
	if _, ok := s.mirror.PendingFor(ip); ok && !s.mirror.Busy(ip) {
		resumed = true
		s.tasks.Go("resume upload "+ip, func(ctx context.Context) {
			_ = s.mirror.ResumeFor(ctx, ip)
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "upload_resumed": resumed})
}

type positionRequest struct {
	Position float64 `json:"position"`
}

func (s *Server) handleReaderPosition(w http.ResponseWriter, r *http.Request, ip string) {
	switch r.Method {
	case http.MethodGet:
		position, err := s.control.Position(r.Context(), ip)
		if err != nil {
			writeUseCaseError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"position": position})
	case http.MethodPost:
		var req positionRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
		s.streams.ReportPosition(ip, req.Position)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET or POST required")
	}
}

type readerControlRequest struct {
	Action   string  `json:"action"`
	Position float64 `json:"position"`
}

func (s *Server) handleReaderControls(w http.ResponseWriter, r *http.Request, ip, action string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}
	var req readerControlRequest
	if action == "" {
		if err := decodeJSON(r, &req); err != nil || req.Action == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "action is required")
			return
		}
		action = req.Action
	} else {
		// Position for seek may still arrive in the body.
		_ = decodeJSON(r, &req)
	}

	var err error
	if action == "seek" {
		err = s.control.Seek(r.Context(), ip, req.Position)
	} else {
		err = s.control.Apply(r.Context(), ip, action)
	}
	if err != nil {
		writeUseCaseError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleReaderDevice manages the persisted per-reader device override.
func (s *Server) handleReaderDevice(w http.ResponseWriter, r *http.Request, ip string) {
	switch r.Method {
	case http.MethodGet:
		ref, ok := s.settings.ReaderDevice(ip)
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
		if err := s.settings.SetReaderDevice(ip, ref); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"configured": true, "device": ref})

	case http.MethodDelete:
		if err := s.settings.ClearReaderDevice(ip); err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"configured": false})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET, PUT or DELETE required")
	}
}

// handleReaderTempDevice sets a one-shot override consumed by the next
// playback on this reader.
func (s *Server) handleReaderTempDevice(w http.ResponseWriter, r *http.Request, ip string) {
	switch r.Method {
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
		s.streams.SetTempDevice(ip, ref)
		writeJSON(w, http.StatusOK, map[string]any{"device": ref})
	case http.MethodDelete:
		s.streams.ClearTempDevice(ip)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "PUT or DELETE required")
	}
}
