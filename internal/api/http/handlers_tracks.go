package apihttp

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"toniebridge/internal/domain"
	"toniebridge/internal/domain/ports"
)

// transcodeWait bounds how long /transcode blocks on an encode another
// request already started.
const transcodeWait = 5 * time.Minute

// handleTranscode serves the whole album as one MP3 for a source URL.
// Cached albums are served immediately; an in-flight encode is awaited;
// a cold URL is encoded on the spot with the single-track fallback.
func (s *Server) handleTranscode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}
	sourceURL := r.URL.Query().Get("url")
	if sourceURL == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "url is required")
		return
	}

	path, err := s.transcodedPath(r, sourceURL)
	if err != nil {
		writeError(w, http.StatusBadGateway, "encode_error", err.Error())
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
	s.serveFileRange(w, r, path, "audio/mpeg")
}

func (s *Server) transcodedPath(r *http.Request, sourceURL string) (string, error) {
	ctx := r.Context()
	if _, cached := s.albumCache.ReadMetadata(domain.Fingerprint(sourceURL)); cached {
		return s.encoder.ConcatenatedPath(ctx, sourceURL)
	}

	// Someone else may already be encoding this source.
	if s.encoder.Status(sourceURL).State == domain.EncodeRunning {
		deadline := time.Now().Add(transcodeWait)
		for time.Now().Before(deadline) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(2 * time.Second):
			}
			switch s.encoder.Status(sourceURL).State {
			case domain.EncodeCached, domain.EncodeReady:
				return s.encoder.ConcatenatedPath(ctx, sourceURL)
			case domain.EncodeError:
				return "", errors.New("encoding failed")
			}
		}
		return "", errors.New("timed out waiting for encoding")
	}

	// Cold request with nothing known about the source: encode it as a
	// single pseudo-track.
	if _, err := s.encoder.EncodeAlbum(ctx, ports.EncodeRequest{
		SourceURL: sourceURL,
		Tracks:    domain.PseudoTracks(0),
	}); err != nil {
		return "", err
	}
	return s.encoder.ConcatenatedPath(ctx, sourceURL)
}

// handleTracks serves cached album files: /tracks/{key}/NN.mp3,
// /tracks/{key}/full.mp3 and /tracks/{key}/metadata.json.
func (s *Server) handleTracks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}
	rest := pathSuffix(r.URL.Path, "/tracks/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not_found", "not found")
		return
	}
	key := domain.CacheKey(parts[0])
	file := parts[1]

	switch {
	case file == "metadata.json":
		meta, ok := s.albumCache.ReadMetadata(key)
		if !ok {
			writeError(w, http.StatusNotFound, "not_found", "album not cached")
			return
		}
		writeJSON(w, http.StatusOK, meta)

	case file == "full.mp3":
		s.serveFileRange(w, r, filepath.Join(s.albumCache.AlbumDir(key), "full.mp3"), "audio/mpeg")

	case strings.HasSuffix(file, ".mp3"):
		num, err := strconv.Atoi(strings.TrimSuffix(file, ".mp3"))
		if err != nil || num < 1 {
			writeError(w, http.StatusNotFound, "not_found", "not found")
			return
		}
		s.serveFileRange(w, r, s.albumCache.TrackPath(key, num-1), "audio/mpeg")

	default:
		writeError(w, http.StatusNotFound, "not_found", "not found")
	}
}

// handlePlaylist renders /playlist/{key}.m3u for fully cached albums.
func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}
	rest := pathSuffix(r.URL.Path, "/playlist/")
	if !strings.HasSuffix(rest, ".m3u") {
		writeError(w, http.StatusNotFound, "not_found", "not found")
		return
	}
	key := domain.CacheKey(strings.TrimSuffix(rest, ".m3u"))
	meta, ok := s.albumCache.ReadMetadata(key)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "album not cached")
		return
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	for _, track := range meta.Tracks {
		fmt.Fprintf(&b, "#EXTINF:%d,%s\n", int(track.DurationSeconds), track.Name)
		b.WriteString(s.urls.TrackURL(key, track.Index+1))
		b.WriteByte('\n')
	}

	w.Header().Set("Content-Type", "audio/x-mpegurl")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, b.String())
}

// serveFileRange streams a file with single-range support, the subset
// of RFC 7233 audio players actually use.
func (s *Server) serveFileRange(w http.ResponseWriter, r *http.Request, path, contentType string) {
	f, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "not found")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, "not_found", "not found")
		return
	}
	size := info.Size()

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Accept-Ranges", "bytes")

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			_, _ = io.Copy(w, f)
		}
		return
	}

	start, end, err := parseByteRange(rangeHeader, size)
	if err != nil {
		if errors.Is(err, errRangeNotSatisfiable) {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_range", "invalid range header")
		return
	}

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "seek failed")
		return
	}
	length := end - start + 1
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method != http.MethodHead {
		_, _ = io.CopyN(w, f, length)
	}
}
