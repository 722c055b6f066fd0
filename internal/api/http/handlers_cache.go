package apihttp

import (
	"context"
	"net/http"
	"strings"

	"toniebridge/internal/domain"
)

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"stats":  s.albumCache.Stats(),
			"albums": s.albumCache.Albums(),
		})
	case http.MethodDelete:
		removed := s.albumCache.Clear()
		writeJSON(w, http.StatusOK, map[string]any{"removed_albums": removed})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET or DELETE required")
	}
}

// handleCacheByUID covers DELETE /cache/{uid} and
// POST /cache/{uid}/reupload.
func (s *Server) handleCacheByUID(w http.ResponseWriter, r *http.Request) {
	rest := pathSuffix(r.URL.Path, "/cache/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "not_found", "not found")
		return
	}

	if strings.HasSuffix(rest, "/reupload") {
		uid := domain.TagUID(strings.TrimSuffix(rest, "/reupload"))
		s.handleCacheReupload(w, r, uid)
		return
	}

	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "DELETE required")
		return
	}
	uid := domain.TagUID(rest)
	key := domain.Fingerprint(s.content.AudioURL(uid))
	if err := s.albumCache.DeleteAlbum(key); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": string(key)})
}

type reuploadRequest struct {
	ReaderIP string `json:"espuino_ip"`
	IP       string `json:"ip"`
}

// handleCacheReupload queues a fresh SD mirror of an already cached
// album, typically after a card swap.
func (s *Server) handleCacheReupload(w http.ResponseWriter, r *http.Request, uid domain.TagUID) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}
	var req reuploadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	readerIP := req.ReaderIP
	if readerIP == "" {
		readerIP = req.IP
	}
	if readerIP == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "espuino_ip is required")
		return
	}

	audioURL := s.content.AudioURL(uid)
	meta, cached := s.albumCache.ReadMetadata(domain.Fingerprint(audioURL))
	if !cached {
		writeError(w, http.StatusConflict, "not_cached", "album is not cached")
		return
	}
	tag, err := s.content.FindTagByUID(r.Context(), uid)
	if err != nil {
		tag = domain.Tag{UID: uid, Title: meta.Title}
	}

	intent := s.mirror.BuildIntent(readerIP, tag, audioURL, meta)
	if err := s.mirror.QueueIntent(intent); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.tasks.Go("reupload "+readerIP, func(ctx context.Context) {
		_ = s.mirror.Mirror(ctx, intent)
	})
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": true, "folder": intent.FolderPath})
}

func (s *Server) handlePrefetch(w http.ResponseWriter, r *http.Request) {
	if s.prefetch == nil {
		writeError(w, http.StatusNotFound, "not_found", "prefetch not configured")
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.prefetch.Status())
	case http.MethodPost:
		status, err := s.prefetch.Start(r.Context())
		if err != nil {
			writeUseCaseError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, status)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET or POST required")
	}
}
