package usecase

import (
	"context"
	"log/slog"
	"time"

	"toniebridge/internal/domain"
	"toniebridge/internal/domain/ports"
)

// Liveness probes physical readers that hold a tag. Instead of a blind
// ping it asks the reader which tag it currently sees; a match confirms
// both that the reader is up and that the stream is still real, and
// refreshes last_seen so the stale reaper leaves it alone.
type Liveness struct {
	Streams  *Streams
	Card     ports.SDCard
	Logger   *slog.Logger
	Interval time.Duration
}

func (l Liveness) Run(ctx context.Context) {
	interval := l.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.probe(ctx)
		}
	}
}

func (l Liveness) probe(ctx context.Context) {
	for _, v := range l.Streams.Snapshot() {
		if domain.IsVirtualReader(v.ReaderIP) {
			continue
		}
		want := v.Current.UID.ReaderTagID()
		if want == "" {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		got, err := l.Card.CurrentTagID(probeCtx, v.ReaderIP)
		cancel()
		if err != nil {
			l.Logger.Debug("liveness probe failed",
				slog.String("reader", v.ReaderIP),
				slog.String("error", err.Error()))
			continue
		}
		if got == want {
			l.Streams.Touch(v.ReaderIP)
		} else {
			l.Logger.Debug("reader reports different tag",
				slog.String("reader", v.ReaderIP),
				slog.String("got", got),
				slog.String("want", want))
		}
	}
}
