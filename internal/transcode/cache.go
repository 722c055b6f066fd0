package transcode

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"toniebridge/internal/domain"
)

// Cache manages the on-disk album cache. Each album lives in a directory
// named by the source URL fingerprint and holds numbered track MP3s, an
// optional cover and concatenation, and a metadata.json that is written
// only once every track exists.
type Cache struct {
	dir      string
	maxBytes func() int64
	logger   *slog.Logger

	pinMu sync.Mutex
	pins  map[domain.CacheKey]int
}

func NewCache(dir string, maxBytes func() int64, logger *slog.Logger) (*Cache, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Cache{
		dir:      dir,
		maxBytes: maxBytes,
		logger:   logger,
		pins:     map[domain.CacheKey]int{},
	}, nil
}

// Pin shields an album from eviction while an encode holds its lock.
// Pins nest; each Pin needs a matching Unpin.
func (c *Cache) Pin(key domain.CacheKey) {
	c.pinMu.Lock()
	c.pins[key]++
	c.pinMu.Unlock()
}

func (c *Cache) Unpin(key domain.CacheKey) {
	c.pinMu.Lock()
	if c.pins[key] <= 1 {
		delete(c.pins, key)
	} else {
		c.pins[key]--
	}
	c.pinMu.Unlock()
}

func (c *Cache) pinned(key domain.CacheKey) bool {
	c.pinMu.Lock()
	defer c.pinMu.Unlock()
	return c.pins[key] > 0
}

func (c *Cache) Dir() string { return c.dir }

func (c *Cache) AlbumDir(key domain.CacheKey) string {
	return filepath.Join(c.dir, string(key))
}

// TrackPath returns the path of a track by zero-based index. Files on
// disk are 1-indexed ("01.mp3").
func (c *Cache) TrackPath(key domain.CacheKey, index int) string {
	return filepath.Join(c.AlbumDir(key), fmt.Sprintf("%02d.mp3", index+1))
}

func (c *Cache) MetadataPath(key domain.CacheKey) string {
	return filepath.Join(c.AlbumDir(key), "metadata.json")
}

func (c *Cache) ConcatPath(key domain.CacheKey) string {
	return filepath.Join(c.AlbumDir(key), "full.mp3")
}

// ReadMetadata loads the album metadata if the album is fully cached.
func (c *Cache) ReadMetadata(key domain.CacheKey) (domain.AlbumMetadata, bool) {
	data, err := os.ReadFile(c.MetadataPath(key))
	if err != nil {
		return domain.AlbumMetadata{}, false
	}
	var meta domain.AlbumMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		c.logger.Warn("corrupt album metadata",
			slog.String("key", string(key)),
			slog.String("error", err.Error()))
		return domain.AlbumMetadata{}, false
	}
	return meta, true
}

// WriteMetadata marks the album fully cached. The marker is written
// atomically; a partial metadata.json must never exist.
func (c *Cache) WriteMetadata(key domain.CacheKey, meta domain.AlbumMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := renameio.WriteFile(c.MetadataPath(key), data, 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

func (c *Cache) TrackCached(key domain.CacheKey, index int) bool {
	info, err := os.Stat(c.TrackPath(key, index))
	return err == nil && info.Size() > 0
}

func (c *Cache) FirstTrackReady(key domain.CacheKey) bool {
	return c.TrackCached(key, 0)
}

// Touch refreshes the access time used for eviction ordering.
func (c *Cache) Touch(path string) {
	now := time.Now()
	_ = os.Chtimes(path, now, now)
}

// Size returns the total bytes of all cached MP3s.
func (c *Cache) Size() int64 {
	var total int64
	filepath.Walk(c.dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() && strings.HasSuffix(path, ".mp3") {
			total += info.Size()
		}
		return nil
	})
	return total
}

func (c *Cache) Stats() domain.CacheStats {
	var total int64
	files := 0
	filepath.Walk(c.dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() && strings.HasSuffix(path, ".mp3") {
			total += info.Size()
			files++
		}
		return nil
	})
	albums := 0
	if entries, err := os.ReadDir(c.dir); err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				albums++
			}
		}
	}
	return domain.CacheStats{
		TotalSizeMB: roundMB(total),
		MaxSizeMB:   c.maxBytes() / (1024 * 1024),
		FileCount:   files,
		AlbumCount:  albums,
	}
}

// Albums lists cached album directories with their metadata when known.
func (c *Cache) Albums() []domain.CachedAlbum {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil
	}
	albums := make([]domain.CachedAlbum, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		key := domain.CacheKey(entry.Name())
		album := domain.CachedAlbum{Key: key}
		if meta, ok := c.ReadMetadata(key); ok {
			album.Series = meta.Artist
			album.Episode = meta.Album
			album.Tracks = len(meta.Tracks)
		}
		dir := c.AlbumDir(key)
		if files, err := os.ReadDir(dir); err == nil {
			var size int64
			for _, f := range files {
				if strings.HasSuffix(f.Name(), ".mp3") {
					if info, err := f.Info(); err == nil {
						size += info.Size()
						album.Files++
					}
				}
			}
			album.SizeMB = roundMB(size)
		}
		albums = append(albums, album)
	}
	return albums
}

// EnsureSpace evicts the least recently played albums until a new item
// of the given size fits under the configured maximum.
func (c *Cache) EnsureSpace(needed int64) {
	max := c.maxBytes()
	current := c.Size()
	if current+needed <= max {
		return
	}
	freed := c.evict(max - needed)
	c.logger.Info("cache cleanup", slog.Int64("freed_kb", freed/1024))
}

type evictItem struct {
	path   string
	atime  time.Time
	size   int64
	folder bool
}

func (c *Cache) evict(target int64) int64 {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0
	}
	var items []evictItem
	for _, entry := range entries {
		path := filepath.Join(c.dir, entry.Name())
		if entry.IsDir() {
			if c.pinned(domain.CacheKey(entry.Name())) {
				continue
			}
			files, err := os.ReadDir(path)
			if err != nil {
				continue
			}
			var size int64
			var oldest time.Time
			found := false
			for _, f := range files {
				if !strings.HasSuffix(f.Name(), ".mp3") {
					continue
				}
				info, err := f.Info()
				if err != nil {
					continue
				}
				size += info.Size()
				at := accessTime(filepath.Join(path, f.Name()), info)
				if !found || at.Before(oldest) {
					oldest = at
					found = true
				}
			}
			if found {
				items = append(items, evictItem{path: path, atime: oldest, size: size, folder: true})
			}
		} else if strings.HasSuffix(entry.Name(), ".mp3") {
			info, err := entry.Info()
			if err != nil {
				continue
			}
			items = append(items, evictItem{path: path, atime: accessTime(path, info), size: info.Size()})
		}
	}
	if len(items) == 0 {
		return 0
	}
	sort.Slice(items, func(i, j int) bool { return items[i].atime.Before(items[j].atime) })

	current := c.Size()
	var freed int64
	for _, item := range items {
		if current <= target {
			break
		}
		if item.folder {
			if err := os.RemoveAll(item.path); err != nil {
				continue
			}
			c.logger.Info("cache evict album",
				slog.String("album", filepath.Base(item.path)),
				slog.Int64("kb", item.size/1024))
		} else {
			if err := os.Remove(item.path); err != nil {
				continue
			}
			c.logger.Info("cache evict file",
				slog.String("file", filepath.Base(item.path)),
				slog.Int64("kb", item.size/1024))
		}
		current -= item.size
		freed += item.size
	}
	return freed
}

// Clear removes every cached album. Returns the number of albums removed.
func (c *Cache) Clear() int {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0
	}
	removed := 0
	for _, entry := range entries {
		path := filepath.Join(c.dir, entry.Name())
		if entry.IsDir() {
			if os.RemoveAll(path) == nil {
				removed++
			}
		} else if strings.HasSuffix(entry.Name(), ".mp3") {
			os.Remove(path)
		}
	}
	c.logger.Info("cache cleared", slog.Int("albums", removed))
	return removed
}

// DeleteAlbum removes one cached album.
func (c *Cache) DeleteAlbum(key domain.CacheKey) error {
	dir := c.AlbumDir(key)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return domain.ErrNotFound
		}
		return err
	}
	return os.RemoveAll(dir)
}

func roundMB(bytes int64) float64 {
	mb := float64(bytes) / (1024 * 1024)
	return float64(int(mb*10+0.5)) / 10
}
