package apihttp

import (
	"net/http"
	"strings"
)

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.settings.Current())
	case http.MethodPut, http.MethodPost:
		var patch map[string]any
		if err := decodeJSON(r, &patch); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
		updated, contentChanged, err := s.settings.Update(patch)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"settings":               updated,
			"content_server_changed": contentChanged,
		})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET or PUT required")
	}
}

func (s *Server) handlePreferences(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}
	writeJSON(w, http.StatusOK, s.prefs.Current())
}

// handlePreferencesOp covers the preference mutations:
// POST /preferences/recently-played, POST/DELETE /preferences/hidden/{id},
// PUT /preferences/starred-devices.
func (s *Server) handlePreferencesOp(w http.ResponseWriter, r *http.Request) {
	rest := pathSuffix(r.URL.Path, "/preferences/")
	switch {
	case rest == "recently-played" && r.Method == http.MethodPost:
		var item map[string]any
		if err := decodeJSON(r, &item); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
		if err := s.prefs.RecordPlay(item); err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, s.prefs.Current())

	case strings.HasPrefix(rest, "hidden/"):
		id := strings.TrimPrefix(rest, "hidden/")
		if id == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "item id is required")
			return
		}
		var err error
		switch r.Method {
		case http.MethodPost, http.MethodPut:
			err = s.prefs.HideItem(id)
		case http.MethodDelete:
			err = s.prefs.UnhideItem(id)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST or DELETE required")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, s.prefs.Current())

	case rest == "starred-devices" && r.Method == http.MethodPut:
		var req struct {
			StarredDevices []string `json:"starredDevices"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
		if err := s.prefs.SetStarredDevices(req.StarredDevices); err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, s.prefs.Current())

	default:
		writeError(w, http.StatusNotFound, "not_found", "not found")
	}
}
