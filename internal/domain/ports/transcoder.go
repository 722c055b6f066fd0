package ports

import (
	"context"

	"toniebridge/internal/domain"
)

// EncodeRequest describes one album encode. Progress, when set, is
// called with the overall percentage after each track, typically to
// push it to the scanning reader.
type EncodeRequest struct {
	SourceURL string
	Tracks    []domain.Track
	Series    string
	Episode   string
	Year      string
	CoverURL  string
	Progress  func(ctx context.Context, percent int)
}

// TrackSink receives each newly encoded track during a progressive
// encode, typically to queue it on the playing device.
type TrackSink func(ctx context.Context, index int, trackURL string)

// Coordinator serializes album encodes and exposes their status.
type Coordinator interface {
	EncodeAlbum(ctx context.Context, req EncodeRequest) (domain.AlbumMetadata, error)
	EncodeFirstTrack(ctx context.Context, req EncodeRequest) (string, error)
	ContinueRemaining(ctx context.Context, req EncodeRequest, sink TrackSink, trackURL func(index int) string) error
	ConcatenatedPath(ctx context.Context, sourceURL string) (string, error)
	Status(sourceURL string) domain.EncodingStatus
	ActiveStatuses() []domain.EncodingStatus
	SetStatus(sourceURL string, state domain.EncodingState, progress float64, totalTracks int)
}
