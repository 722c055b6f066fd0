package apihttp

import (
	"net/http"
	"strings"

	"toniebridge/internal/domain"
	"toniebridge/internal/metrics"
	"toniebridge/internal/usecase"
)

type scanRequest struct {
	UID      domain.TagUID     `json:"uid"`
	ReaderIP string            `json:"reader_ip"`
	IP       string            `json:"ip"`
	Mode     string            `json:"mode"`
	Target   *domain.DeviceRef `json:"target"`
	Title    string            `json:"title"`
	Series   string            `json:"series"`
	Episode  string            `json:"episode"`
	Picture  string            `json:"picture"`
	AudioURL string            `json:"audio_url"`
	Tracks   []domain.Track    `json:"tracks"`
}

func (req scanRequest) readerIP(r *http.Request, fallback string) string {
	if req.ReaderIP != "" {
		return req.ReaderIP
	}
	if req.IP != "" {
		return req.IP
	}
	if ip := clientIP(r); ip != "" {
		return ip
	}
	return fallback
}

func (req scanRequest) input(readerIP string) usecase.ScanInput {
	return usecase.ScanInput{
		ReaderIP: readerIP,
		UID:      req.UID,
		Mode:     domain.PlaybackMode(req.Mode),
		Target:   req.Target,
		Title:    req.Title,
		Series:   req.Series,
		Episode:  req.Episode,
		Picture:  req.Picture,
		AudioURL: req.AudioURL,
		Tracks:   req.Tracks,
	}
}

// handleScan is the reader-facing entry point: a tag was placed (uid
// set) or removed (uid empty).
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}
	var req scanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	readerIP := req.readerIP(r, "")
	if readerIP == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "reader ip is required")
		return
	}

	result, err := s.scan.Execute(r.Context(), req.input(readerIP))
	if err != nil {
		writeUseCaseError(w, err)
		return
	}
	metrics.ScansTotal.WithLabelValues(scanOutcome(req.UID, result)).Inc()
	writeJSON(w, http.StatusOK, result)
}

func scanOutcome(uid domain.TagUID, result usecase.ScanResult) string {
	switch {
	case uid == "":
		return "removal"
	case result.Found:
		return "found"
	default:
		return "unknown"
	}
}

// handlePlaybackTonie starts a tag from the web UI; the browser session
// acts as a virtual reader.
func (s *Server) handlePlaybackTonie(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}
	var req scanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.UID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "uid is required")
		return
	}
	readerIP := req.ReaderIP
	if readerIP == "" {
		readerIP = "browser-session"
	}

	result, err := s.scan.Execute(r.Context(), req.input(readerIP))
	if err != nil {
		writeUseCaseError(w, err)
		return
	}
	if s.prefs != nil && result.Found {
		_ = s.prefs.RecordPlay(map[string]any{
			"uid":     string(req.UID),
			"title":   result.Title,
			"series":  result.Series,
			"episode": result.Episode,
			"picture": result.Picture,
		})
	}
	writeJSON(w, http.StatusOK, result)
}

type playURLRequest struct {
	URL    string            `json:"url"`
	Title  string            `json:"title"`
	Target *domain.DeviceRef `json:"target"`
}

// handlePlaybackURL streams an arbitrary audio URL. A synthetic UID
// keyed on the URL makes the stream resumable like any tag.
func (s *Server) handlePlaybackURL(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}
	var req playURLRequest
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "url is required")
		return
	}
	title := req.Title
	if title == "" {
		title = "Stream"
	}

	result, err := s.scan.Execute(r.Context(), usecase.ScanInput{
		ReaderIP: "manual-stream",
		UID:      domain.TagUID("url:" + string(domain.Fingerprint(req.URL))),
		Target:   req.Target,
		Title:    title,
		AudioURL: req.URL,
	})
	if err != nil {
		writeUseCaseError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type controlRequest struct {
	ReaderIP string  `json:"reader_ip"`
	IP       string  `json:"ip"`
	Action   string  `json:"action"`
	Position float64 `json:"position"`
}

// handleControl receives remote-control button presses, typically from
// a reader in stream mode steering its target device.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}
	var req controlRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	readerIP := req.ReaderIP
	if readerIP == "" {
		readerIP = req.IP
	}
	if readerIP == "" {
		readerIP = clientIP(r)
	}
	if req.Action == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "action is required")
		return
	}

	var err error
	if req.Action == "seek" {
		err = s.control.Seek(r.Context(), readerIP, req.Position)
	} else {
		err = s.control.Apply(r.Context(), readerIP, req.Action)
	}
	if err != nil {
		writeUseCaseError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleCurrent reports the stream for one reader (?ip=), including a
// live position estimate.
func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}
	ip := r.URL.Query().Get("ip")
	if ip == "" {
		ip = clientIP(r)
	}
	view, ok := s.streams.Current(ip)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}
	position, err := s.control.Position(r.Context(), ip)
	if err != nil {
		position = view.LastReported
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":   true,
		"stream":   view,
		"position": position,
	})
}

// handleStreams serves the same combined snapshot the ws broadcast
// pushes: live streams plus encoding, upload and cache state.
func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}
	writeJSON(w, http.StatusOK, usecase.CollectStatus(s.streams, s.mirror, s.encoder, s.albumCache))
}

func (s *Server) handleScans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scans": s.streams.Scans()})
}
