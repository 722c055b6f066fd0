package apihttp

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"toniebridge/internal/domain"
)

func TestTracksServing(t *testing.T) {
	ts := newTestServer(t)
	key := ts.cache.writeAlbum(t, "http://content/v1/content?uid=test", "Kapitel 1", "Kapitel 2")

	rec := doJSON(t, ts.srv, http.MethodGet, fmt.Sprintf("/tracks/%s/01.mp3", key), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("track: %d %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "audio/mpeg" {
		t.Fatalf("content type: %q", got)
	}
	if got := rec.Header().Get("Accept-Ranges"); got != "bytes" {
		t.Fatalf("accept ranges: %q", got)
	}
	if rec.Body.String() != "track-01-audio-bytes" {
		t.Fatalf("body: %q", rec.Body.String())
	}

	// Unknown track number and malformed names 404.
	if rec := doJSON(t, ts.srv, http.MethodGet, fmt.Sprintf("/tracks/%s/09.mp3", key), ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing track: %d", rec.Code)
	}
	if rec := doJSON(t, ts.srv, http.MethodGet, fmt.Sprintf("/tracks/%s/cover.png", key), ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown file: %d", rec.Code)
	}
}

func TestTracksRangeRequests(t *testing.T) {
	ts := newTestServer(t)
	key := ts.cache.writeAlbum(t, "http://content/v1/content?uid=test", "Kapitel 1")
	full := "track-01-audio-bytes"

	r := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/tracks/%s/01.mp3", key), nil)
	r.Header.Set("Range", "bytes=0-4")
	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, r)
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("partial: %d", rec.Code)
	}
	if rec.Body.String() != full[:5] {
		t.Fatalf("partial body: %q", rec.Body.String())
	}
	wantRange := fmt.Sprintf("bytes 0-4/%d", len(full))
	if got := rec.Header().Get("Content-Range"); got != wantRange {
		t.Fatalf("content range: %q, want %q", got, wantRange)
	}

	// Open-ended tail request.
	r = httptest.NewRequest(http.MethodGet, fmt.Sprintf("/tracks/%s/01.mp3", key), nil)
	r.Header.Set("Range", "bytes=6-")
	rec = httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, r)
	if rec.Code != http.StatusPartialContent || rec.Body.String() != full[6:] {
		t.Fatalf("tail: %d %q", rec.Code, rec.Body.String())
	}

	// Out-of-bounds start: 416 with the total size.
	r = httptest.NewRequest(http.MethodGet, fmt.Sprintf("/tracks/%s/01.mp3", key), nil)
	r.Header.Set("Range", fmt.Sprintf("bytes=%d-", len(full)+10))
	rec = httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, r)
	if rec.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("unsatisfiable: %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != fmt.Sprintf("bytes */%d", len(full)) {
		t.Fatalf("unsatisfiable range header: %q", got)
	}
}

func TestTracksMetadata(t *testing.T) {
	ts := newTestServer(t)
	key := ts.cache.writeAlbum(t, "http://content/v1/content?uid=test", "Kapitel 1")

	rec := doJSON(t, ts.srv, http.MethodGet, fmt.Sprintf("/tracks/%s/metadata.json", key), "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Kapitel 1") {
		t.Fatalf("metadata: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, ts.srv, http.MethodGet, "/tracks/ffffffffffffffff/metadata.json", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("uncached metadata: %d", rec.Code)
	}
}

func TestPlaylistRendering(t *testing.T) {
	ts := newTestServer(t)
	key := ts.cache.writeAlbum(t, "http://content/v1/content?uid=test", "Kapitel 1", "Kapitel 2")

	rec := doJSON(t, ts.srv, http.MethodGet, fmt.Sprintf("/playlist/%s.m3u", key), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("playlist: %d %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "audio/x-mpegurl" {
		t.Fatalf("content type: %q", got)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "#EXTM3U\n") {
		t.Fatalf("playlist header: %q", body)
	}
	if !strings.Contains(body, "#EXTINF:60,Kapitel 1") {
		t.Fatalf("extinf line missing: %q", body)
	}
	want := fmt.Sprintf("http://server:8754/tracks/%s/02.mp3", key)
	if !strings.Contains(body, want) {
		t.Fatalf("track url %q missing: %q", want, body)
	}

	if rec := doJSON(t, ts.srv, http.MethodGet, "/playlist/ffffffffffffffff.m3u", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("uncached playlist: %d", rec.Code)
	}
	if rec := doJSON(t, ts.srv, http.MethodGet, "/playlist/whatever.txt", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("wrong extension: %d", rec.Code)
	}
}

func TestTranscodeRequiresURL(t *testing.T) {
	ts := newTestServer(t)
	if rec := doJSON(t, ts.srv, http.MethodGet, "/transcode.mp3", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing url: %d", rec.Code)
	}
	if rec := doJSON(t, ts.srv, http.MethodPost, "/transcode.mp3?url=x", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST transcode: %d", rec.Code)
	}
}

func TestTranscodeCachedAlbumIsCacheable(t *testing.T) {
	ts := newTestServer(t)
	src := "http://content/v1/content?uid=test"
	key := ts.cache.writeAlbum(t, src, "Kapitel 1")
	ts.coord.concatPath = ts.cache.TrackPath(key, 0)

	rec := doJSON(t, ts.srv, http.MethodGet, "/transcode.mp3?url="+url.QueryEscape(src), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("transcode: %d %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "track-01-audio-bytes" {
		t.Fatalf("body: %q", rec.Body.String())
	}
	// Cacheable so repeated player requests skip the server.
	if got := rec.Header().Get("Cache-Control"); got != "public, max-age=3600" {
		t.Fatalf("cache control: %q", got)
	}
}

func TestCacheEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.cache.writeAlbum(t, "http://content/v1/content?uid=a", "Track")
	ts.cache.writeAlbum(t, "http://content/v1/content?uid=b", "Track")

	rec := doJSON(t, ts.srv, http.MethodGet, "/cache", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cache stats: %d", rec.Code)
	}

	rec = doJSON(t, ts.srv, http.MethodDelete, "/cache", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "2") {
		t.Fatalf("cache clear: %d %s", rec.Code, rec.Body.String())
	}

	// Prefetch is optional; without a controller the endpoint 404s.
	if rec := doJSON(t, ts.srv, http.MethodGet, "/cache/prefetch", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("prefetch without controller: %d", rec.Code)
	}
}

func TestDebugEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.streams.SetPlaying("10.0.0.2", domain.CurrentTag{UID: "E0:04:03:50:13:16:80:4B"},
		domain.DeviceRef{Kind: domain.DeviceSonos, ID: "RINCON_1"}, domain.ModeStream)
	rec := doJSON(t, ts.srv, http.MethodGet, "/debug", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "streams") {
		t.Fatalf("debug: %d %s", rec.Code, rec.Body.String())
	}
}
