package usecase

import (
	"context"
	"log/slog"
	"time"

	"toniebridge/internal/domain"
	"toniebridge/internal/domain/ports"
	"toniebridge/internal/metrics"
)

// StatusBroadcast periodically pushes a combined state snapshot to the
// websocket hub and refreshes the gauges derived from it. Clients render
// the dashboard from these events instead of polling.
type StatusBroadcast struct {
	Streams  *Streams
	Mirror   *SDMirror
	Encoder  ports.Coordinator
	Cache    ports.AlbumCache
	Notify   func(event string, data any)
	Logger   *slog.Logger
	Interval time.Duration
}

// StatusSnapshot is the payload of one "status" event.
type StatusSnapshot struct {
	Streams  []StreamView            `json:"streams"`
	Uploads  []domain.UploadStatus   `json:"uploads"`
	Pending  []domain.PendingUpload  `json:"pending_uploads"`
	Encoding []domain.EncodingStatus `json:"encoding"`
	Cache    domain.CacheStats       `json:"cache"`
}

// CollectStatus assembles the combined state snapshot. The ws broadcast
// pushes it periodically and GET /streams serves the same payload to
// polling clients.
func CollectStatus(streams *Streams, mirror *SDMirror, encoder ports.Coordinator, cache ports.AlbumCache) StatusSnapshot {
	return StatusSnapshot{
		Streams:  streams.Snapshot(),
		Uploads:  mirror.Statuses(),
		Pending:  mirror.Pending(),
		Encoding: encoder.ActiveStatuses(),
		Cache:    cache.Stats(),
	}
}

func (b StatusBroadcast) Run(ctx context.Context) {
	interval := b.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.push()
		}
	}
}

func (b StatusBroadcast) push() {
	snap := CollectStatus(b.Streams, b.Mirror, b.Encoder, b.Cache)

	metrics.ActiveStreams.Set(float64(len(snap.Streams)))
	metrics.CacheSizeBytes.Set(snap.Cache.TotalSizeMB * 1024 * 1024)
	metrics.CacheAlbums.Set(float64(snap.Cache.AlbumCount))

	encoding := 0
	for _, e := range snap.Encoding {
		if e.State == domain.EncodeRunning {
			encoding++
		}
	}
	metrics.EncodeActiveJobs.Set(float64(encoding))

	active := 0
	for _, u := range snap.Uploads {
		if u.Phase == domain.UploadActive || u.Phase == domain.UploadRetrying {
			active++
		}
	}
	metrics.UploadActiveTransfers.Set(float64(active))

	if b.Notify != nil {
		b.Notify("status", snap)
	}
}
