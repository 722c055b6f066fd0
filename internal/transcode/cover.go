package transcode

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const coverMaxBytes = 5 * 1024 * 1024

// FetchCover downloads the album cover into the album directory and
// returns its local path. An already present cover is reused. Returns
// "" when no cover could be obtained; encoding proceeds without one.
func FetchCover(ctx context.Context, client *http.Client, coverURL, albumDir string, logger *slog.Logger) string {
	if coverURL == "" {
		return ""
	}
	if err := os.MkdirAll(albumDir, 0o755); err != nil {
		return ""
	}
	for _, name := range []string{"cover.jpg", "cover.jpeg", "cover.png"} {
		path := filepath.Join(albumDir, name)
		if info, err := os.Stat(path); err == nil && info.Size() > 0 {
			return path
		}
	}

	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, coverURL, nil)
	if err != nil {
		return ""
	}
	resp, err := client.Do(req)
	if err != nil {
		logger.Warn("cover fetch failed", slog.String("error", err.Error()))
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		logger.Warn("cover fetch failed", slog.Int("status", resp.StatusCode))
		return ""
	}
	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.HasPrefix(contentType, "image/") {
		logger.Warn("cover fetch invalid content type", slog.String("content_type", contentType))
		return ""
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, coverMaxBytes+1))
	if err != nil || len(data) == 0 {
		return ""
	}
	if len(data) > coverMaxBytes {
		logger.Warn("cover too large, skipping")
		return ""
	}

	name := "cover.jpg"
	if strings.Contains(contentType, "png") {
		name = "cover.png"
	}
	path := filepath.Join(albumDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return ""
	}
	return path
}
