package apihttp

import (
	"context"
	"net/http"
)

func (s *Server) handleUploads(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"uploads": s.mirror.Statuses()})
	case http.MethodDelete:
		ip := r.URL.Query().Get("ip")
		if ip != "" {
			writeJSON(w, http.StatusOK, map[string]any{"cancelled": s.mirror.Cancel(ip)})
			return
		}
		cancelled := 0
		for _, p := range s.mirror.Pending() {
			if s.mirror.Cancel(p.ReaderIP) {
				cancelled++
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"cancelled": cancelled})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET or DELETE required")
	}
}

func (s *Server) handleUploadsPending(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"pending": s.mirror.Pending()})
	case http.MethodDelete:
		ip := r.URL.Query().Get("ip")
		if ip == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "ip is required")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cleared": s.mirror.ClearPending(ip)})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET or DELETE required")
	}
}

// handleUploadsWipe cancels everything in flight and drops the whole
// pending queue.
func (s *Server) handleUploadsWipe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"wiped": s.mirror.Wipe()})
}

type retryRequest struct {
	IP string `json:"ip"`
}

// handleUploadsRetry resumes the pending mirror for one reader in the
// background; verification skips tracks already on the card.
func (s *Server) handleUploadsRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}
	var req retryRequest
	if err := decodeJSON(r, &req); err != nil || req.IP == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "ip is required")
		return
	}
	if _, ok := s.mirror.PendingFor(req.IP); !ok {
		writeError(w, http.StatusNotFound, "not_found", "no pending upload for reader")
		return
	}
	if s.mirror.Busy(req.IP) {
		writeError(w, http.StatusConflict, "upload_active", "upload already running for reader")
		return
	}
	s.tasks.Go("retry upload "+req.IP, func(ctx context.Context) {
		_ = s.mirror.ResumeFor(ctx, req.IP)
	})
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": true})
}
