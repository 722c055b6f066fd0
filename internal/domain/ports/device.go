package ports

import (
	"context"

	"toniebridge/internal/domain"
)

// Controller drives playback on one family of devices. The id passed to
// each call is the DeviceRef.ID for that family.
type Controller interface {
	Play(ctx context.Context, id, url, title string, startPosition float64) error
	PlayAlbum(ctx context.Context, id string, urls []string, title string) error
	Enqueue(ctx context.Context, id, url string) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Seek(ctx context.Context, id string, position float64) error
	Next(ctx context.Context, id string) error
	Previous(ctx context.Context, id string) error
	VolumeStep(ctx context.Context, id string, delta int) error
	TransportState(ctx context.Context, id string) (domain.TransportState, error)
}

// Discoverer finds devices of one family on the local network.
type Discoverer interface {
	Discover(ctx context.Context) ([]domain.DeviceInfo, error)
}
