package espuino

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// ESPuino firmware command codes, from the firmware's values.h.
const (
	cmdPrevTrack  = 171
	cmdNextTrack  = 172
	cmdVolumeUp   = 176
	cmdVolumeDown = 177
	cmdStop       = 182
)

// Play modes understood by the /exploreraudio endpoint.
const (
	playModeFolderSorted = 3 // all files in a folder, sorted
	playModeWebstream    = 8 // single HTTP stream URL
)

// Client talks to the HTTP and WebSocket interface of ESPuino readers.
// Every call takes the reader IP so one client serves all readers.
type Client struct {
	http   *http.Client
	dialer *websocket.Dialer
	logger *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func New(logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		http:   &http.Client{Timeout: 10 * time.Second},
		dialer: &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, rawURL string, timeout time.Duration) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// simple fires a request and only cares about a 200.
func (c *Client) simple(ctx context.Context, method, rawURL string, timeout time.Duration) error {
	resp, err := c.do(ctx, method, rawURL, timeout)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reader returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// PlayStream starts webstream playback of audioURL on the reader. The
// URL should point at this server's transcode endpoint so the firmware
// receives plain MP3.
func (c *Client) PlayStream(ctx context.Context, ip, audioURL string) error {
	u := fmt.Sprintf("http://%s/exploreraudio?path=%s&playmode=%d",
		ip, url.QueryEscape(audioURL), playModeWebstream)
	c.logger.Info("starting reader stream",
		slog.String("ip", ip),
		slog.String("url", audioURL))
	return c.simple(ctx, http.MethodPost, u, 10*time.Second)
}

// PlaySD plays all tracks of a mirrored album folder from the reader's
// SD card.
func (c *Client) PlaySD(ctx context.Context, ip, folderPath string) error {
	u := fmt.Sprintf("http://%s/exploreraudio?path=%s&playmode=%d",
		ip, url.QueryEscape("/sd"+folderPath), playModeFolderSorted)
	c.logger.Info("starting reader SD playback",
		slog.String("ip", ip),
		slog.String("folder", folderPath))
	return c.simple(ctx, http.MethodPost, u, 10*time.Second)
}

// Command sends a firmware control action over the reader's WebSocket.
// The HTTP API only covers a subset of the firmware's commands.
func (c *Client) Command(ctx context.Context, ip string, action int) error {
	conn, _, err := c.dialer.DialContext(ctx, "ws://"+ip+"/ws", nil)
	if err != nil {
		return fmt.Errorf("reader websocket: %w", err)
	}
	defer conn.Close()
	cmd := fmt.Sprintf(`{"controls":{"action":%d}}`, action)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(cmd)); err != nil {
		return fmt.Errorf("send command %d: %w", action, err)
	}
	return nil
}

// Stop halts playback. The HTTP API has no stop endpoint.
func (c *Client) Stop(ctx context.Context, ip string) error {
	return c.Command(ctx, ip, cmdStop)
}

// TogglePause toggles between pause and play. The firmware only exposes
// a toggle, so callers track the expected state themselves.
func (c *Client) TogglePause(ctx context.Context, ip string) error {
	return c.simple(ctx, http.MethodGet, "http://"+ip+"/cmd?cmd=pauseplay", 5*time.Second)
}

// PushCacheProgress reports transcode progress to the reader so it can
// show it next to the spinning tag.
func (c *Client) PushCacheProgress(ctx context.Context, ip string, percent int) error {
	u := fmt.Sprintf("http://%s/cacheprogress?progress=%d", ip, percent)
	return c.simple(ctx, http.MethodPost, u, 5*time.Second)
}

// SDEntry is one row of an /explorer directory listing.
type SDEntry struct {
	Name string `json:"name"`
	Dir  bool   `json:"dir"`
	Size int64  `json:"size"`
}

// ListDir fetches a directory listing from the reader. The firmware's
// web server sometimes appends garbage after the JSON payload, so only
// the first balanced array or object is parsed.
func (c *Client) ListDir(ctx context.Context, ip, dirPath string) ([]SDEntry, error) {
	u := fmt.Sprintf("http://%s/explorer?path=%s", ip, url.QueryEscape(dirPath))
	resp, err := c.do(ctx, http.MethodGet, u, 5*time.Second)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("reader returned %d for %s", resp.StatusCode, dirPath)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	blob := extractJSON(raw)
	if blob == nil {
		return nil, fmt.Errorf("no JSON in reader listing for %s", dirPath)
	}
	var entries []SDEntry
	if err := json.Unmarshal(blob, &entries); err != nil {
		return nil, fmt.Errorf("parse reader listing: %w", err)
	}
	return entries, nil
}

// SDStatus reports whether a mirrored album folder is ready for local
// playback.
type SDStatus struct {
	Ready          bool   `json:"ready"`
	FolderExists   bool   `json:"folder_exists"`
	TracksComplete int    `json:"tracks_complete"`
	TracksTotal    int    `json:"tracks_total"`
	PlayPath       string `json:"play_path,omitempty"`
}

// SDReady checks an album folder by counting MP3 files. Parsing the
// mirrored manifest is deliberately avoided here because the firmware's
// responses are not reliable enough for it.
func (c *Client) SDReady(ctx context.Context, ip, folderPath string, expectedTracks int) SDStatus {
	status := SDStatus{TracksTotal: expectedTracks}
	entries, err := c.ListDir(ctx, ip, folderPath)
	if err != nil {
		c.logger.Debug("SD folder not readable",
			slog.String("ip", ip),
			slog.String("folder", folderPath),
			slog.String("error", err.Error()))
		return status
	}
	status.FolderExists = true
	for _, e := range entries {
		if strings.HasSuffix(strings.ToLower(e.Name), ".mp3") {
			status.TracksComplete++
		}
	}
	if expectedTracks > 0 {
		status.Ready = status.TracksComplete >= expectedTracks
	} else {
		status.Ready = status.TracksComplete > 0
	}
	if status.Ready {
		status.PlayPath = folderPath
	}
	return status
}

// EnsureDir creates dirPath on the SD card, one segment at a time. The
// firmware treats an existing directory as success, so this is safe to
// repeat.
func (c *Client) EnsureDir(ctx context.Context, ip, dirPath string) {
	if dirPath == "" || dirPath == "/" {
		return
	}
	current := ""
	for _, part := range strings.Split(dirPath, "/") {
		if part == "" {
			continue
		}
		current += "/" + part
		u := fmt.Sprintf("http://%s/explorer?path=%s", ip, url.QueryEscape(current))
		if err := c.simple(ctx, http.MethodPut, u, 5*time.Second); err != nil {
			c.logger.Debug("reader mkdir failed",
				slog.String("ip", ip),
				slog.String("dir", current),
				slog.String("error", err.Error()))
		}
	}
}

// DeleteFile removes a file from the SD card.
func (c *Client) DeleteFile(ctx context.Context, ip, filePath string) error {
	u := fmt.Sprintf("http://%s/explorer?path=%s", ip, url.QueryEscape(filePath))
	return c.simple(ctx, http.MethodDelete, u, 10*time.Second)
}

// FileSize looks a file up in its parent directory listing and returns
// its size. The second return is false when the file does not exist.
func (c *Client) FileSize(ctx context.Context, ip, filePath string) (int64, bool) {
	parent := path.Dir(filePath)
	if parent == "." {
		parent = "/"
	}
	entries, err := c.ListDir(ctx, ip, parent)
	if err != nil {
		return 0, false
	}
	name := path.Base(filePath)
	for _, e := range entries {
		if e.Name == name {
			return e.Size, true
		}
	}
	return 0, false
}

// FileExists reports whether a file is present on the SD card.
func (c *Client) FileExists(ctx context.Context, ip, filePath string) bool {
	_, ok := c.FileSize(ctx, ip, filePath)
	return ok
}

// SetRFIDMapping writes an RFID assignment into the reader so the tag
// plays the given SD folder even without this server. Play mode 5 plays
// all tracks in the folder, sorted.
func (c *Client) SetRFIDMapping(ctx context.Context, ip, tagID, folderPath string, playMode int) error {
	if folderPath == "" {
		return fmt.Errorf("empty folder path for RFID mapping")
	}
	payload, err := json.Marshal(map[string]any{
		"id":        tagID,
		"fileOrUrl": folderPath,
		"playMode":  playMode,
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+ip+"/rfid", strings.NewReader(string(payload)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reader returned %d for RFID mapping", resp.StatusCode)
	}
	return nil
}

// CurrentTagID fetches the reader's settings and returns the RFID tag
// currently placed on it, in the reader's decimal form. Used as the
// liveness ping because it answers two questions with one request.
func (c *Client) CurrentTagID(ctx context.Context, ip string) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, "http://"+ip+"/settings", 5*time.Second)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("reader returned %d for settings", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	blob := extractJSON(raw)
	if blob == nil {
		return "", fmt.Errorf("no JSON in reader settings")
	}
	var settings struct {
		Current struct {
			RFIDTagID string `json:"rfidTagId"`
		} `json:"current"`
		RFIDTagID string `json:"rfidTagId"`
	}
	if err := json.Unmarshal(blob, &settings); err != nil {
		return "", fmt.Errorf("parse reader settings: %w", err)
	}
	if settings.Current.RFIDTagID != "" {
		return settings.Current.RFIDTagID, nil
	}
	return settings.RFIDTagID, nil
}

// DownloadJSON fetches a file via /explorerdownload and decodes the
// first balanced JSON document in the response into out.
func (c *Client) DownloadJSON(ctx context.Context, ip, filePath string, out any) error {
	u := fmt.Sprintf("http://%s/explorerdownload?path=%s", ip, url.QueryEscape(filePath))
	resp, err := c.do(ctx, http.MethodGet, u, 10*time.Second)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("reader returned %d for %s", resp.StatusCode, filePath)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	blob := extractJSON(raw)
	if blob == nil {
		return fmt.Errorf("no JSON in %s", filePath)
	}
	if err := json.Unmarshal(blob, out); err != nil {
		return fmt.Errorf("parse %s: %w", filePath, err)
	}
	return nil
}

// extractJSON returns the first balanced JSON array or object in raw.
// The firmware's web server is known to append garbage after payloads.
func extractJSON(raw []byte) []byte {
	start := -1
	for i, b := range raw {
		if b == '[' || b == '{' {
			start = i
			break
		}
	}
	if start < 0 {
		return nil
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		b := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '[', '{':
			depth++
		case ']', '}':
			depth--
			if depth == 0 {
				return raw[start : i+1]
			}
		}
	}
	return nil
}
