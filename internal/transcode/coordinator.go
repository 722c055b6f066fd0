package transcode

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"toniebridge/internal/domain"
	"toniebridge/internal/domain/ports"
	"toniebridge/internal/metrics"
)

const stuckWindow = 600 * time.Second

// Coordinator serializes album encodes. One mutex guards each album
// fingerprint; background remaining-track encodes use a separate
// "{key}/remaining" mutex so they never block a first-track encode of
// another scan.
type Coordinator struct {
	cache   *Cache
	encoder *Encoder
	prober  *Prober
	http    *http.Client
	logger  *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	statusMu sync.Mutex
	status   map[domain.CacheKey]domain.EncodingStatus
}

func NewCoordinator(cache *Cache, encoder *Encoder, prober *Prober, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		cache:   cache,
		encoder: encoder,
		prober:  prober,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
		locks:   map[string]*sync.Mutex{},
		status:  map[domain.CacheKey]domain.EncodingStatus{},
	}
}

func (c *Coordinator) Cache() *Cache { return c.cache }

func (c *Coordinator) lock(name string) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	m, ok := c.locks[name]
	if !ok {
		m = &sync.Mutex{}
		c.locks[name] = m
	}
	return m
}

// Status reports the encode state for a source. Fully cached albums win
// over any live entry; live entries stuck beyond the window are failed
// and cleared.
func (c *Coordinator) Status(sourceURL string) domain.EncodingStatus {
	key := domain.Fingerprint(sourceURL)
	if meta, ok := c.cache.ReadMetadata(key); ok {
		return domain.EncodingStatus{
			Key:          key,
			State:        domain.EncodeCached,
			Progress:     100,
			TotalTracks:  len(meta.Tracks),
			CurrentTrack: len(meta.Tracks),
		}
	}

	c.statusMu.Lock()
	entry, live := c.status[key]
	if live && entry.Stuck(time.Now(), stuckWindow) {
		delete(c.status, key)
		c.statusMu.Unlock()
		c.logger.Warn("encoding appears stuck", slog.String("key", string(key)))
		entry.State = domain.EncodeError
		entry.Error = "encoding timed out"
		return entry
	}
	c.statusMu.Unlock()
	if live {
		return entry
	}

	if entries, err := os.ReadDir(c.cache.AlbumDir(key)); err == nil {
		done := 0
		for _, e := range entries {
			if strings.HasSuffix(e.Name(), ".mp3") && e.Name() != "full.mp3" {
				done++
			}
		}
		if done > 0 {
			return domain.EncodingStatus{Key: key, State: domain.EncodePartial, CurrentTrack: done}
		}
	}
	return domain.EncodingStatus{Key: key, State: domain.EncodeUnknown}
}

// ActiveStatuses lists the live encode entries, oldest first.
func (c *Coordinator) ActiveStatuses() []domain.EncodingStatus {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	out := make([]domain.EncodingStatus, 0, len(c.status))
	for _, entry := range c.status {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// SetStatus records an externally driven state transition.
func (c *Coordinator) SetStatus(sourceURL string, state domain.EncodingState, progress float64, totalTracks int) {
	c.setStatus(domain.Fingerprint(sourceURL), state, progress, 0, totalTracks, "")
}

func (c *Coordinator) setStatus(key domain.CacheKey, state domain.EncodingState, progress float64, currentTrack, totalTracks int, errMsg string) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	entry, ok := c.status[key]
	if !ok {
		entry = domain.EncodingStatus{Key: key, StartedAt: time.Now()}
	}
	entry.State = state
	entry.Progress = progress
	entry.CurrentTrack = currentTrack
	entry.TotalTracks = totalTracks
	entry.Error = errMsg
	entry.UpdatedAt = time.Now()
	c.status[key] = entry
}

func (c *Coordinator) clearStatusSoon(key domain.CacheKey) {
	time.AfterFunc(time.Second, func() {
		c.statusMu.Lock()
		delete(c.status, key)
		c.statusMu.Unlock()
	})
}

func albumTitles(series, episode string) (album, artist string) {
	switch {
	case series != "" && episode != "":
		album = series + " - " + episode
	case episode != "":
		album = episode
	case series != "":
		album = series
	default:
		album = "Unknown"
	}
	artist = series
	if artist == "" {
		artist = "Tonie"
	}
	return album, artist
}

// playableTracks drops zero-duration tracks up front so track indexes
// and file numbering stay dense across first-track and remaining
// encodes.
func (c *Coordinator) playableTracks(tracks []domain.Track) []domain.Track {
	kept := make([]domain.Track, 0, len(tracks))
	for i, t := range tracks {
		if t.Duration <= 0 {
			c.logger.Warn("dropping zero duration track", slog.Int("track", i+1))
			continue
		}
		kept = append(kept, t)
	}
	return kept
}

// estimatedBytes reserves cache room ahead of an encode, generously
// sized at 10 MB per minute of audio.
func estimatedBytes(duration float64) int64 {
	return int64(duration / 60 * 10 * 1024 * 1024)
}

func totalDuration(tracks []domain.Track) float64 {
	var total float64
	for _, t := range tracks {
		total += t.Duration
	}
	return total
}

// encodeTrack runs one ffmpeg invocation and feeds the encode metrics.
func (c *Coordinator) encodeTrack(ctx context.Context, cfg TrackArgConfig) error {
	start := time.Now()
	if err := c.encoder.EncodeTrack(ctx, cfg); err != nil {
		metrics.EncodeJobFailuresTotal.Inc()
		return err
	}
	metrics.EncodeTrackDuration.Observe(time.Since(start).Seconds())
	return nil
}

func (c *Coordinator) notify(ctx context.Context, req ports.EncodeRequest, percent int) {
	if req.Progress != nil {
		req.Progress(ctx, percent)
	}
}

func (c *Coordinator) trackConfig(req ports.EncodeRequest, index int, coverPath string) TrackArgConfig {
	album, artist := albumTitles(req.Series, req.Episode)
	track := req.Tracks[index]
	name := track.Name
	if name == "" {
		name = fmt.Sprintf("Track %d", index+1)
	}
	key := domain.Fingerprint(req.SourceURL)
	return TrackArgConfig{
		Input:        req.SourceURL,
		Output:       c.cache.TrackPath(key, index),
		StartSeconds: track.Start,
		Duration:     track.Duration,
		TrackIndex:   index,
		TotalTracks:  len(req.Tracks),
		Title:        name,
		Artist:       artist,
		Album:        album,
		Year:         req.Year,
		CoverPath:    coverPath,
	}
}

func (c *Coordinator) buildMetadata(req ports.EncodeRequest, tracks []domain.TrackMeta) domain.AlbumMetadata {
	album, artist := albumTitles(req.Series, req.Episode)
	return domain.AlbumMetadata{
		Title:         album,
		Artist:        artist,
		Album:         album,
		Year:          req.Year,
		TotalDuration: totalDuration(req.Tracks),
		SourceURL:     req.SourceURL,
		Tracks:        tracks,
	}
}

// EncodeAlbum encodes every track of the album, writing metadata.json
// when all are done. Safe to call concurrently for the same source.
func (c *Coordinator) EncodeAlbum(ctx context.Context, req ports.EncodeRequest) (domain.AlbumMetadata, error) {
	req.Tracks = c.playableTracks(req.Tracks)
	if len(req.Tracks) == 0 {
		return domain.AlbumMetadata{}, fmt.Errorf("no tracks to encode")
	}
	key := domain.Fingerprint(req.SourceURL)
	if meta, ok := c.cache.ReadMetadata(key); ok {
		c.logger.Info("cache hit", slog.String("key", string(key)))
		return meta, nil
	}

	mu := c.lock(string(key))
	mu.Lock()
	defer mu.Unlock()
	c.cache.Pin(key)
	defer c.cache.Unpin(key)

	if meta, ok := c.cache.ReadMetadata(key); ok {
		return meta, nil
	}

	dir := c.cache.AlbumDir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.AlbumMetadata{}, fmt.Errorf("create album dir: %w", err)
	}
	c.cache.EnsureSpace(estimatedBytes(totalDuration(req.Tracks)))
	coverPath := FetchCover(ctx, c.http, req.CoverURL, dir, c.logger)

	metrics.EncodeJobStartsTotal.Inc()
	c.setStatus(key, domain.EncodeRunning, 0, 0, len(req.Tracks), "")

	var metas []domain.TrackMeta
	for i, track := range req.Tracks {
		progress := float64(i) / float64(len(req.Tracks)) * 100
		c.setStatus(key, domain.EncodeRunning, progress, i+1, len(req.Tracks), "")
		c.notify(ctx, req, int(progress))

		cfg := c.trackConfig(req, i, coverPath)
		if err := c.encodeTrack(ctx, cfg); err != nil {
			c.setStatus(key, domain.EncodeError, progress, i+1, len(req.Tracks), err.Error())
			return domain.AlbumMetadata{}, err
		}
		metas = append(metas, domain.TrackMeta{
			Index:           i,
			Name:            cfg.Title,
			StartSeconds:    track.Start,
			DurationSeconds: track.Duration,
			Filename:        filepath.Base(cfg.Output),
		})
	}

	meta := c.buildMetadata(req, metas)
	if err := c.cache.WriteMetadata(key, meta); err != nil {
		return domain.AlbumMetadata{}, err
	}
	c.notify(ctx, req, 100)
	c.setStatus(key, domain.EncodeReady, 100, len(metas), len(metas), "")
	c.clearStatusSoon(key)
	c.logger.Info("album encode complete",
		slog.String("key", string(key)),
		slog.Int("tracks", len(metas)))
	return meta, nil
}

// EncodeFirstTrack encodes only track 1 so playback can start while the
// rest encodes in the background. Returns the track's path.
func (c *Coordinator) EncodeFirstTrack(ctx context.Context, req ports.EncodeRequest) (string, error) {
	req.Tracks = c.playableTracks(req.Tracks)
	if len(req.Tracks) == 0 {
		return "", fmt.Errorf("no tracks to encode")
	}
	key := domain.Fingerprint(req.SourceURL)
	firstPath := c.cache.TrackPath(key, 0)
	if c.cache.TrackCached(key, 0) {
		return firstPath, nil
	}

	mu := c.lock(string(key))
	mu.Lock()
	defer mu.Unlock()
	c.cache.Pin(key)
	defer c.cache.Unpin(key)

	if c.cache.TrackCached(key, 0) {
		return firstPath, nil
	}

	dir := c.cache.AlbumDir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create album dir: %w", err)
	}
	c.cache.EnsureSpace(estimatedBytes(req.Tracks[0].Duration))
	coverPath := FetchCover(ctx, c.http, req.CoverURL, dir, c.logger)

	metrics.EncodeJobStartsTotal.Inc()
	c.setStatus(key, domain.EncodeRunning, 0, 1, len(req.Tracks), "")
	c.notify(ctx, req, 0)

	if err := c.encodeTrack(ctx, c.trackConfig(req, 0, coverPath)); err != nil {
		c.setStatus(key, domain.EncodeError, 0, 1, len(req.Tracks), err.Error())
		return "", err
	}

	progress := 100 / len(req.Tracks)
	c.setStatus(key, domain.EncodeRunning, float64(progress), 1, len(req.Tracks), "")
	c.notify(ctx, req, progress)
	return firstPath, nil
}

// ContinueRemaining encodes tracks 2..N after EncodeFirstTrack, calling
// sink with each finished track's URL for progressive queueing. Cached
// tracks are kept unless a cover exists but is not embedded in them.
func (c *Coordinator) ContinueRemaining(ctx context.Context, req ports.EncodeRequest, sink ports.TrackSink, trackURL func(index int) string) error {
	req.Tracks = c.playableTracks(req.Tracks)
	if len(req.Tracks) == 0 {
		return fmt.Errorf("no tracks to encode")
	}
	key := domain.Fingerprint(req.SourceURL)

	if len(req.Tracks) == 1 {
		meta := c.buildMetadata(req, []domain.TrackMeta{{
			Index:           0,
			Name:            c.trackConfig(req, 0, "").Title,
			StartSeconds:    req.Tracks[0].Start,
			DurationSeconds: req.Tracks[0].Duration,
			Filename:        "01.mp3",
		}})
		if err := c.cache.WriteMetadata(key, meta); err != nil {
			return err
		}
		c.setStatus(key, domain.EncodeReady, 100, 1, 1, "")
		c.clearStatusSoon(key)
		return nil
	}

	mu := c.lock(string(key) + "/remaining")
	mu.Lock()
	defer mu.Unlock()
	c.cache.Pin(key)
	defer c.cache.Unpin(key)

	dir := c.cache.AlbumDir(key)
	coverPath := FetchCover(ctx, c.http, req.CoverURL, dir, c.logger)

	metas := []domain.TrackMeta{{
		Index:           0,
		Name:            c.trackConfig(req, 0, "").Title,
		StartSeconds:    req.Tracks[0].Start,
		DurationSeconds: req.Tracks[0].Duration,
		Filename:        "01.mp3",
	}}

	for i := 1; i < len(req.Tracks); i++ {
		track := req.Tracks[i]
		cfg := c.trackConfig(req, i, coverPath)

		if c.cache.TrackCached(key, i) {
			needsCover := coverPath != "" && !c.prober.HasEmbeddedCover(ctx, cfg.Output)
			if !needsCover {
				metas = append(metas, domain.TrackMeta{
					Index:           i,
					Name:            cfg.Title,
					StartSeconds:    track.Start,
					DurationSeconds: track.Duration,
					Filename:        filepath.Base(cfg.Output),
				})
				continue
			}
			c.logger.Info("re-encoding cached track without cover", slog.Int("track", i+1))
		}

		progress := float64(i) / float64(len(req.Tracks)) * 100
		c.setStatus(key, domain.EncodeRunning, progress, i+1, len(req.Tracks), "")
		c.notify(ctx, req, int(progress))

		if err := c.encodeTrack(ctx, cfg); err != nil {
			c.setStatus(key, domain.EncodeError, progress, i+1, len(req.Tracks), err.Error())
			return err
		}
		metas = append(metas, domain.TrackMeta{
			Index:           i,
			Name:            cfg.Title,
			StartSeconds:    track.Start,
			DurationSeconds: track.Duration,
			Filename:        filepath.Base(cfg.Output),
		})

		if sink != nil && trackURL != nil {
			sink(ctx, i, trackURL(i))
		}
	}

	meta := c.buildMetadata(req, metas)
	if err := c.cache.WriteMetadata(key, meta); err != nil {
		return err
	}
	c.notify(ctx, req, 100)
	c.setStatus(key, domain.EncodeReady, 100, len(metas), len(metas), "")
	c.clearStatusSoon(key)
	c.logger.Info("remaining tracks encoded",
		slog.String("key", string(key)),
		slog.Int("tracks", len(metas)))
	return nil
}

// ConcatenatedPath returns the single-file rendition of a fully cached
// album, creating it on first use.
func (c *Coordinator) ConcatenatedPath(ctx context.Context, sourceURL string) (string, error) {
	key := domain.Fingerprint(sourceURL)
	concat := c.cache.ConcatPath(key)
	if _, err := os.Stat(concat); err == nil {
		c.cache.Touch(concat)
		return concat, nil
	}

	c.cache.Pin(key)
	defer c.cache.Unpin(key)

	meta, ok := c.cache.ReadMetadata(key)
	if !ok {
		return "", domain.ErrNotFound
	}
	files := make([]string, 0, len(meta.Tracks))
	for i := range meta.Tracks {
		path := c.cache.TrackPath(key, i)
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("track %d missing, cannot concatenate", i+1)
		}
		files = append(files, path)
	}
	if err := c.encoder.Concatenate(ctx, c.cache.AlbumDir(key), files, concat); err != nil {
		return "", err
	}
	return concat, nil
}
