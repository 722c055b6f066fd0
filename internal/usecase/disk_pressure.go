package usecase

import (
	"context"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"toniebridge/internal/domain/ports"
	"toniebridge/internal/metrics"
)

// DiskPressure watches free space on the cache filesystem. Below
// MinFreeBytes prefetching is suspended; below half of it cached albums
// are evicted largest-first until the threshold is met again. The cache
// budget (AUDIO_CACHE_MAX_MB) bounds the cache itself; this guard
// protects the disk the cache shares with everything else.
type DiskPressure struct {
	Cache        ports.AlbumCache
	Logger       *slog.Logger
	CacheDir     string
	MinFreeBytes int64
	Interval     time.Duration

	low atomic.Bool
}

// Allowed reports whether optional cache growth (prefetch) may proceed.
func (dp *DiskPressure) Allowed() bool {
	return !dp.low.Load()
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (dp *DiskPressure) Run(ctx context.Context) {
	interval := dp.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if dp.MinFreeBytes <= 0 {
		dp.MinFreeBytes = 512 << 20
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dp.check()
		}
	}
}

func (dp *DiskPressure) check() {
	free, err := diskFreeBytes(dp.CacheDir)
	if err != nil {
		dp.Logger.Warn("disk space check failed",
			slog.String("path", dp.CacheDir),
			slog.String("error", err.Error()))
		return
	}

	wasLow := dp.low.Load()
	isLow := free < dp.MinFreeBytes
	dp.low.Store(isLow)

	switch {
	case isLow && !wasLow:
		dp.Logger.Warn("low disk space, prefetch suspended",
			slog.Int64("free_bytes", free),
			slog.Int64("threshold_bytes", dp.MinFreeBytes))
	case !isLow && wasLow:
		dp.Logger.Info("disk space recovered",
			slog.Int64("free_bytes", free))
	}

	if free < dp.MinFreeBytes/2 {
		dp.evict(free)
	}
}

// evict removes cached albums largest-first until the free-space
// threshold is met. Albums can always be re-encoded from the source.
func (dp *DiskPressure) evict(free int64) {
	albums := dp.Cache.Albums()
	sort.Slice(albums, func(i, j int) bool { return albums[i].SizeMB > albums[j].SizeMB })

	for _, album := range albums {
		if free >= dp.MinFreeBytes {
			return
		}
		if err := dp.Cache.DeleteAlbum(album.Key); err != nil {
			dp.Logger.Warn("evict album failed",
				slog.String("key", string(album.Key)),
				slog.String("error", err.Error()))
			continue
		}
		metrics.CacheEvictionsTotal.Inc()
		freed := int64(album.SizeMB * 1024 * 1024)
		free += freed
		dp.Logger.Info("evicted album under disk pressure",
			slog.String("key", string(album.Key)),
			slog.Float64("size_mb", album.SizeMB))
	}
}
