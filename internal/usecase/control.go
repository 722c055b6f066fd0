package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"toniebridge/internal/domain"
)

// playbackPosition estimates where a stream currently is. Browser
// playback is only known from client reports; devices are queried and
// the wall clock covers devices that cannot answer.
func playbackPosition(ctx context.Context, devices DevicePort, v StreamView, now time.Time) float64 {
	if v.Device.Kind == domain.DeviceBrowser {
		return v.LastReported
	}
	state, err := devices.TransportState(ctx, v.Device)
	if err == nil && state.Position > 0 {
		switch state.Status {
		case domain.TransportPlaying, domain.TransportPaused, domain.TransportTransitioning:
			return state.Position
		}
	}
	if v.Resume != nil && v.Resume.Paused {
		return v.Resume.Position
	}
	return v.WallClock(now)
}

// Control applies transport commands to a reader's stream and keeps the
// stream offsets in sync with what the device is doing.
type Control struct {
	Streams *Streams
	Devices DevicePort
	Logger  *slog.Logger
}

// Position reports the current playback position for a reader.
func (c Control) Position(ctx context.Context, readerIP string) (float64, error) {
	v, ok := c.Streams.Current(readerIP)
	if !ok {
		return 0, ErrNoStream
	}
	return playbackPosition(ctx, c.Devices, v, time.Now()), nil
}

// Pause pauses the device and freezes the wall clock at the current
// position.
func (c Control) Pause(ctx context.Context, readerIP string) error {
	v, ok := c.Streams.Current(readerIP)
	if !ok {
		return ErrNoStream
	}
	pos := playbackPosition(ctx, c.Devices, v, time.Now())
	if err := c.Devices.Pause(ctx, v.Device); err != nil {
		return wrapDevice(err)
	}
	c.Streams.MarkPaused(readerIP, pos)
	return nil
}

// Resume restarts a paused stream.
func (c Control) Resume(ctx context.Context, readerIP string) error {
	v, ok := c.Streams.Current(readerIP)
	if !ok {
		return ErrNoStream
	}
	if err := c.Devices.Resume(ctx, v.Device); err != nil {
		return wrapDevice(err)
	}
	c.Streams.MarkResumed(readerIP)
	return nil
}

// Stop stops the device and clears the stream. Unlike tag removal no
// resume point survives.
func (c Control) Stop(ctx context.Context, readerIP string) error {
	v, ok := c.Streams.Clear(readerIP)
	if !ok {
		return ErrNoStream
	}
	if err := c.Devices.Stop(ctx, v.Device); err != nil {
		return wrapDevice(err)
	}
	c.Logger.Info("playback stopped", slog.String("reader", readerIP))
	return nil
}

// Seek jumps to a position and rebases the wall clock there.
func (c Control) Seek(ctx context.Context, readerIP string, position float64) error {
	v, ok := c.Streams.Current(readerIP)
	if !ok {
		return ErrNoStream
	}
	if position < 0 {
		position = 0
	}
	if err := c.Devices.Seek(ctx, v.Device, position); err != nil {
		return wrapDevice(err)
	}
	running := v.Resume == nil || !v.Resume.Paused
	c.Streams.SetOffset(readerIP, position, running)
	return nil
}

// Apply maps a named remote-control action onto the reader's stream.
// This is how a reader in stream mode steers playback on its target
// device with its own buttons.
func (c Control) Apply(ctx context.Context, readerIP, action string) error {
	switch action {
	case "play", "resume":
		return c.Resume(ctx, readerIP)
	case "pause":
		return c.Pause(ctx, readerIP)
	case "pauseplay", "toggle":
		v, ok := c.Streams.Current(readerIP)
		if !ok {
			return ErrNoStream
		}
		if v.Resume != nil && v.Resume.Paused {
			return c.Resume(ctx, readerIP)
		}
		return c.Pause(ctx, readerIP)
	case "stop":
		return c.Stop(ctx, readerIP)
	case "next", "skip":
		v, ok := c.Streams.Current(readerIP)
		if !ok {
			return ErrNoStream
		}
		return wrapDevice(c.Devices.Next(ctx, v.Device))
	case "prev", "previous":
		v, ok := c.Streams.Current(readerIP)
		if !ok {
			return ErrNoStream
		}
		return wrapDevice(c.Devices.Previous(ctx, v.Device))
	case "volume_up", "volup":
		return c.volume(ctx, readerIP, 1)
	case "volume_down", "voldown":
		return c.volume(ctx, readerIP, -1)
	default:
		return fmt.Errorf("unknown control action %q", action)
	}
}

func (c Control) volume(ctx context.Context, readerIP string, delta int) error {
	v, ok := c.Streams.Current(readerIP)
	if !ok {
		return ErrNoStream
	}
	return wrapDevice(c.Devices.VolumeStep(ctx, v.Device, delta))
}
