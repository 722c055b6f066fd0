package espuino

import (
	"context"

	"toniebridge/internal/domain"
)

// Controller adapts the reader client to the shared playback interface.
// The id is the reader IP. Readers can only stream a single URL; album
// playback from SD folders goes through PlaySD directly.
type Controller struct {
	client *Client
}

func NewController(client *Client) *Controller {
	return &Controller{client: client}
}

func (c *Controller) Play(ctx context.Context, id, url, title string, startPosition float64) error {
	// The firmware cannot seek into a stream; startPosition is baked
	// into the transcode URL by the caller when it matters.
	return c.client.PlayStream(ctx, id, url)
}

func (c *Controller) PlayAlbum(ctx context.Context, id string, urls []string, title string) error {
	if len(urls) == 0 {
		return domain.ErrNotFound
	}
	return c.client.PlayStream(ctx, id, urls[0])
}

func (c *Controller) Enqueue(ctx context.Context, id, url string) error {
	return domain.ErrUnsupported
}

func (c *Controller) Pause(ctx context.Context, id string) error {
	return c.client.TogglePause(ctx, id)
}

func (c *Controller) Resume(ctx context.Context, id string) error {
	return c.client.TogglePause(ctx, id)
}

func (c *Controller) Stop(ctx context.Context, id string) error {
	return c.client.Stop(ctx, id)
}

func (c *Controller) Seek(ctx context.Context, id string, position float64) error {
	return domain.ErrUnsupported
}

func (c *Controller) Next(ctx context.Context, id string) error {
	return c.client.Command(ctx, id, cmdNextTrack)
}

func (c *Controller) Previous(ctx context.Context, id string) error {
	return c.client.Command(ctx, id, cmdPrevTrack)
}

func (c *Controller) VolumeStep(ctx context.Context, id string, delta int) error {
	if delta >= 0 {
		return c.client.Command(ctx, id, cmdVolumeUp)
	}
	return c.client.Command(ctx, id, cmdVolumeDown)
}

func (c *Controller) TransportState(ctx context.Context, id string) (domain.TransportState, error) {
	// The firmware does not report playback position over HTTP.
	return domain.TransportState{Status: domain.TransportUnknown}, nil
}
