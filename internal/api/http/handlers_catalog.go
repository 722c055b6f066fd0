package apihttp

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"time"
)

func (s *Server) handleTonies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}
	catalog, err := s.content.Catalog(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "content_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, catalog)
}

func (s *Server) handleTags(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}
	tags, err := s.content.TagIndex(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "content_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tags": tags})
}

func (s *Server) handleLibrary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}
	files, err := s.content.LibraryFiles(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "content_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (s *Server) handleBoxes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}
	boxes, err := s.content.Boxes(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "content_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, boxes)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"content_server": s.content.CheckConnection(r.Context()),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version": s.version,
		"go":      runtime.Version(),
	})
}

// handleDebug dumps the server's live state for troubleshooting.
func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"streams":         s.streams.Snapshot(),
		"readers":         s.streams.Readers(),
		"scans":           s.streams.Scans(),
		"uploads":         s.mirror.Statuses(),
		"pending_uploads": s.mirror.Pending(),
		"encoding":        s.encoder.ActiveStatuses(),
		"cache":           s.albumCache.Stats(),
		"devices":         s.registry.Devices(),
		"ws_clients":      s.wsHub.clientCount(),
		"settings":        s.settings.Current(),
	})
}

// handleFeatures tells the web UI which optional surfaces this server
// exposes.
func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sd_upload":   true,
		"sonos":       true,
		"chromecast":  true,
		"airplay":     true,
		"prefetch":    s.prefetch != nil,
		"websocket":   true,
		"image_proxy": true,
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}
	if s.logs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"logs": []any{}})
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	level := r.URL.Query().Get("level")
	writeJSON(w, http.StatusOK, map[string]any{"logs": s.logs.Recent(level, limit)})
}

// handleImageProxy fetches cover art on behalf of browser clients that
// cannot reach the content server directly. Responses are cacheable for
// a day; cover art never changes under the same URL.
func (s *Server) handleImageProxy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}
	raw := r.URL.Query().Get("url")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "url is required")
		return
	}
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid url")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid url")
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		writeError(w, http.StatusBadGateway, "upstream_error", "upstream returned "+resp.Status)
		return
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		writeError(w, http.StatusBadGateway, "upstream_error", "not an image")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, resp.Body)
}
