package usecase

import (
	"context"
	"log/slog"
	"sync"

	"toniebridge/internal/domain"
	"toniebridge/internal/domain/ports"
)

// Prefetch encodes albums ahead of their first scan, so even the first
// placement of a tag plays instantly. It walks the content server's tag
// index and encodes whatever is not cached yet, one album at a time.
type Prefetch struct {
	Content ports.ContentSource
	Encoder ports.Coordinator
	Cache   ports.AlbumCache
	Guard   *DiskPressure
	Tasks   *Supervisor
	Logger  *slog.Logger

	mu      sync.Mutex
	running bool
	done    int
	total   int
	current string
}

// PrefetchStatus is the progress snapshot served by the prefetch API.
type PrefetchStatus struct {
	Running bool   `json:"running"`
	Done    int    `json:"done"`
	Total   int    `json:"total"`
	Current string `json:"current,omitempty"`
}

func (p *Prefetch) Status() PrefetchStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PrefetchStatus{Running: p.running, Done: p.done, Total: p.total, Current: p.current}
}

// Start launches a prefetch run in the background. A second Start while
// one runs is a no-op.
func (p *Prefetch) Start(ctx context.Context) (PrefetchStatus, error) {
	tags, err := p.Content.TagIndex(ctx)
	if err != nil {
		return PrefetchStatus{}, wrapContent(err)
	}

	var todo []domain.Tag
	for _, tag := range tags {
		if !tag.Valid || !tag.Exists {
			continue
		}
		key := domain.Fingerprint(p.Content.AudioURL(tag.UID))
		if _, cached := p.Cache.ReadMetadata(key); !cached {
			todo = append(todo, tag)
		}
	}

	p.mu.Lock()
	if p.running {
		status := PrefetchStatus{Running: true, Done: p.done, Total: p.total, Current: p.current}
		p.mu.Unlock()
		return status, nil
	}
	p.running = true
	p.done = 0
	p.total = len(todo)
	p.current = ""
	p.mu.Unlock()

	p.Tasks.Go("prefetch", func(ctx context.Context) {
		defer func() {
			p.mu.Lock()
			p.running = false
			p.current = ""
			p.mu.Unlock()
		}()
		p.run(ctx, todo)
	})
	return PrefetchStatus{Running: true, Total: len(todo)}, nil
}

func (p *Prefetch) run(ctx context.Context, todo []domain.Tag) {
	for _, tag := range todo {
		if ctx.Err() != nil {
			return
		}
		if p.Guard != nil && !p.Guard.Allowed() {
			p.Logger.Warn("prefetch stopped, disk pressure")
			return
		}

		p.mu.Lock()
		p.current = tag.DisplayTitle()
		p.mu.Unlock()

		tracks := tag.Tracks
		if len(tracks) == 0 {
			tracks = domain.PseudoTracks(tag.Duration)
		}
		_, err := p.Encoder.EncodeAlbum(ctx, ports.EncodeRequest{
			SourceURL: p.Content.AudioURL(tag.UID),
			Tracks:    tracks,
			Series:    tag.Series,
			Episode:   tag.Episode,
			CoverURL:  tag.Picture,
		})
		if err != nil {
			p.Logger.Warn("prefetch encode failed",
				slog.String("uid", string(tag.UID)),
				slog.String("error", err.Error()))
		}

		p.mu.Lock()
		p.done++
		p.mu.Unlock()
	}
	p.Logger.Info("prefetch finished", slog.Int("albums", len(todo)))
}
