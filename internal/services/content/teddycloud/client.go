package teddycloud

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"toniebridge/internal/domain"
	"toniebridge/internal/domain/ports"
)

// Client talks to a TeddyCloud server. InternalURL, when set, is used
// for API calls while BaseURL is handed out in audio URLs that players
// fetch from the outside.
type Client struct {
	baseURL     string
	internalURL string
	apiBase     string
	http        *http.Client
	logger      *slog.Logger
}

type Option func(*Client)

func WithInternalURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.internalURL = strings.TrimRight(u, "/")
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func New(baseURL, apiBase string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiBase: apiBase,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.internalURL == "" {
		c.internalURL = c.baseURL
	}
	return c
}

func (c *Client) BaseURL() string { return c.baseURL }

// stripWeb removes the /web suffix some TeddyCloud installs carry in
// their configured URL.
func stripWeb(base string) string {
	return strings.TrimSuffix(strings.TrimRight(base, "/"), "/web")
}

func (c *Client) endpoint(path string) string {
	return stripWeb(c.internalURL) + c.apiBase + "/" + strings.TrimPrefix(path, "/")
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("content server request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("content server returned %d for %s", resp.StatusCode, rawURL)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode content server response: %w", err)
	}
	return nil
}

// CheckConnection probes the web UI endpoint with a short timeout.
func (c *Client) CheckConnection(ctx context.Context) bool {
	base := strings.TrimRight(c.internalURL, "/")
	if !strings.HasSuffix(base, "/web") {
		base += "/web"
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base, nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("content server not accessible", slog.String("error", err.Error()))
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// tagEntry mirrors one entry of the getTagIndex response.
type tagEntry struct {
	UID          string    `json:"uid"`
	Source       string    `json:"source"`
	Valid        bool      `json:"valid"`
	Exists       bool      `json:"exists"`
	AudioURL     string    `json:"audioUrl"`
	TrackSeconds []float64 `json:"trackSeconds"`
	TonieInfo    tonieInfo `json:"tonieInfo"`
}

type tonieInfo struct {
	Model    string   `json:"model"`
	Series   string   `json:"series"`
	Episode  string   `json:"episode"`
	Title    string   `json:"title"`
	Picture  string   `json:"picture"`
	Language string   `json:"language"`
	Tracks   []string `json:"tracks"`
}

// tracksFromSeconds converts the cumulative trackSeconds array into
// per-track name/start/duration records. The array has N+1 boundaries
// for N tracks, the last one being the total duration.
func tracksFromSeconds(seconds []float64, names []string) ([]domain.Track, float64) {
	if len(seconds) == 0 {
		return nil, 0
	}
	total := seconds[len(seconds)-1]
	n := len(seconds) - 1
	if n < 0 {
		n = 0
	}
	tracks := make([]domain.Track, 0, n)
	for i := 0; i < n; i++ {
		end := total
		if i+1 < len(seconds) {
			end = seconds[i+1]
		}
		name := fmt.Sprintf("Track %d", i+1)
		if i < len(names) && names[i] != "" {
			name = names[i]
		}
		tracks = append(tracks, domain.Track{
			Name:     name,
			Start:    seconds[i],
			Duration: end - seconds[i],
		})
	}
	return tracks, total
}

func (e tagEntry) toTag() domain.Tag {
	tracks, duration := tracksFromSeconds(e.TrackSeconds, e.TonieInfo.Tracks)
	return domain.Tag{
		UID:       domain.TagUID(e.UID),
		Source:    e.Source,
		Valid:     e.Valid,
		Exists:    e.Exists,
		AudioPath: e.AudioURL,
		Model:     e.TonieInfo.Model,
		Series:    e.TonieInfo.Series,
		Episode:   e.TonieInfo.Episode,
		Title:     e.TonieInfo.Title,
		Picture:   e.TonieInfo.Picture,
		Duration:  duration,
		Tracks:    tracks,
	}
}

// TagIndex returns the registered tags known to the content server.
func (c *Client) TagIndex(ctx context.Context) ([]domain.Tag, error) {
	var payload struct {
		Tags []tagEntry `json:"tags"`
	}
	if err := c.getJSON(ctx, c.endpoint("getTagIndex?overlay="), &payload); err != nil {
		return nil, err
	}
	tags := make([]domain.Tag, 0, len(payload.Tags))
	for _, entry := range payload.Tags {
		tags = append(tags, entry.toTag())
	}
	return tags, nil
}

// Catalog returns the combined official and custom catalog entries.
func (c *Client) Catalog(ctx context.Context) ([]map[string]any, error) {
	var official, custom []map[string]any
	if err := c.getJSON(ctx, c.endpoint("toniesJson"), &official); err != nil {
		return nil, err
	}
	if err := c.getJSON(ctx, c.endpoint("toniesCustomJson"), &custom); err != nil {
		c.logger.Warn("custom catalog unavailable", slog.String("error", err.Error()))
		return official, nil
	}
	return append(official, custom...), nil
}

// Boxes returns the registered player boxes.
func (c *Client) Boxes(ctx context.Context) ([]map[string]any, error) {
	var boxes []map[string]any
	if err := c.getJSON(ctx, c.endpoint("tonieboxes"), &boxes); err != nil {
		return nil, err
	}
	return boxes, nil
}

// FindTagByUID resolves a scanned UID. The tag index is checked first
// with a suffix match (readers report only the last 4 bytes), then the
// catalog by uid and model.
func (c *Client) FindTagByUID(ctx context.Context, uid domain.TagUID) (domain.Tag, error) {
	tags, err := c.TagIndex(ctx)
	if err != nil {
		c.logger.Warn("tag index fetch failed", slog.String("error", err.Error()))
	}
	for _, tag := range tags {
		if uid.Matches(string(tag.UID)) {
			resolved := tag
			resolved.UID = uid
			if len(resolved.Tracks) > 0 {
				c.logger.Info("tag resolved from index",
					slog.String("uid", string(uid)),
					slog.Int("tracks", len(resolved.Tracks)))
			}
			return resolved, nil
		}
	}

	catalog, err := c.Catalog(ctx)
	if err != nil {
		return domain.Tag{}, err
	}
	normalized := uid.Normalized()
	for _, entry := range catalog {
		entryUID, _ := entry["uid"].(string)
		model, _ := entry["model"].(string)
		if domain.TagUID(entryUID).Matches(normalized) ||
			(model != "" && strings.HasSuffix(strings.ToUpper(model), normalized)) {
			return catalogTag(uid, entry), nil
		}
	}
	return domain.Tag{}, fmt.Errorf("tag %s: %w", uid, domain.ErrNotFound)
}

func catalogTag(uid domain.TagUID, entry map[string]any) domain.Tag {
	str := func(key string) string {
		s, _ := entry[key].(string)
		return s
	}
	return domain.Tag{
		UID:     uid,
		Model:   str("model"),
		Series:  str("series"),
		Episode: str("episode"),
		Title:   str("title"),
		Picture: str("pic"),
		Valid:   true,
	}
}

// AudioURL builds the downstream audio URL for a tag. Library items are
// served OGG-converted from the library tree; regular tags from the
// content path keyed by the colon-less UID.
func (c *Client) AudioURL(uid domain.TagUID) string {
	base := stripWeb(c.baseURL)
	if uid.IsLibrary() {
		libPath := strings.TrimPrefix(string(uid), "lib:")
		encoded := (&url.URL{Path: libPath}).EscapedPath()
		return fmt.Sprintf("%s/content/%s?ogg=true&special=library", base, strings.TrimPrefix(encoded, "/"))
	}
	return fmt.Sprintf("%s/content/%s", base, strings.ReplaceAll(string(uid), ":", ""))
}

type fileEntry struct {
	Name      string    `json:"name"`
	IsDir     bool      `json:"isDir"`
	Size      int64     `json:"size"`
	Date      int64     `json:"date"`
	TonieInfo tonieInfo `json:"tonieInfo"`
	TafHeader struct {
		Valid        bool      `json:"valid"`
		AudioID      int64     `json:"audioId"`
		TrackSeconds []float64 `json:"trackSeconds"`
	} `json:"tafHeader"`
}

// LibraryFiles walks the content server library and returns every .taf
// file, sorted by series then title.
func (c *Client) LibraryFiles(ctx context.Context) ([]ports.LibraryFile, error) {
	var files []ports.LibraryFile
	var scan func(dir string) error
	scan = func(dir string) error {
		var payload struct {
			Files []fileEntry `json:"files"`
		}
		endpoint := c.endpoint("fileIndexV2?path=" + url.QueryEscape(dir) + "&special=library")
		if err := c.getJSON(ctx, endpoint, &payload); err != nil {
			c.logger.Warn("library scan failed",
				slog.String("dir", dir),
				slog.String("error", err.Error()))
			return nil
		}
		for _, item := range payload.Files {
			if item.Name == ".." {
				continue
			}
			if item.IsDir {
				sub := strings.TrimPrefix(dir+"/"+item.Name, "/")
				if err := scan(sub); err != nil {
					return err
				}
				continue
			}
			if !strings.HasSuffix(strings.ToLower(item.Name), ".taf") {
				continue
			}
			files = append(files, libraryFile(dir, item))
		}
		return nil
	}
	if err := scan("/"); err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool {
		si, sj := strings.ToLower(files[i].Series), strings.ToLower(files[j].Series)
		if si != sj {
			return si < sj
		}
		return strings.ToLower(files[i].Title) < strings.ToLower(files[j].Title)
	})
	c.logger.Info("library scan complete", slog.Int("files", len(files)))
	return files, nil
}

func libraryFile(dir string, item fileEntry) ports.LibraryFile {
	tracks, duration := tracksFromSeconds(item.TafHeader.TrackSeconds, nil)
	fullPath := strings.TrimPrefix(dir+"/"+item.Name, "/")
	folder := strings.TrimPrefix(dir, "/")
	if dir == "/" {
		folder = ""
	}
	title := item.TonieInfo.Episode
	if title == "" {
		title = item.TonieInfo.Series
	}
	if title == "" {
		title = strings.TrimSuffix(item.Name, ".taf")
	}
	sizeMB := 0.0
	if item.Size > 0 {
		sizeMB = float64(item.Size) / 1024 / 1024
		sizeMB = float64(int(sizeMB*10+0.5)) / 10
	}
	return ports.LibraryFile{
		Name:      item.Name,
		Path:      fullPath,
		Folder:    folder,
		Size:      item.Size,
		SizeMB:    sizeMB,
		Date:      item.Date,
		Series:    item.TonieInfo.Series,
		Episode:   item.TonieInfo.Episode,
		Title:     title,
		Picture:   item.TonieInfo.Picture,
		Model:     item.TonieInfo.Model,
		Language:  item.TonieInfo.Language,
		Valid:     item.TafHeader.Valid,
		AudioID:   item.TafHeader.AudioID,
		Duration:  duration,
		NumTracks: len(tracks),
		Tracks:    tracks,
	}
}
