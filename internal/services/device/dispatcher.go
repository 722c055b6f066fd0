package device

import (
	"context"
	"fmt"
	"log/slog"

	"toniebridge/internal/domain"
	"toniebridge/internal/domain/ports"
)

// Dispatcher routes playback commands to the controller for a device's
// family. Browser devices are a special case: playback happens in the
// web client, so every command succeeds here and the client reacts to
// the state it receives over the event socket.
type Dispatcher struct {
	logger      *slog.Logger
	controllers map[domain.DeviceKind]ports.Controller
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		logger:      logger,
		controllers: make(map[domain.DeviceKind]ports.Controller),
	}
}

func (d *Dispatcher) Register(kind domain.DeviceKind, ctrl ports.Controller) {
	d.controllers[kind] = ctrl
}

func (d *Dispatcher) controller(ref domain.DeviceRef) (ports.Controller, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	ctrl, ok := d.controllers[ref.Kind]
	if !ok {
		return nil, fmt.Errorf("no controller for %s: %w", ref.Kind, domain.ErrUnsupported)
	}
	return ctrl, nil
}

func (d *Dispatcher) Play(ctx context.Context, ref domain.DeviceRef, url, title string, startPosition float64) error {
	if ref.Kind == domain.DeviceBrowser {
		d.logger.Debug("browser playback requested", slog.String("title", title))
		return nil
	}
	ctrl, err := d.controller(ref)
	if err != nil {
		return err
	}
	return ctrl.Play(ctx, ref.ID, url, title, startPosition)
}

func (d *Dispatcher) PlayAlbum(ctx context.Context, ref domain.DeviceRef, urls []string, title string) error {
	if ref.Kind == domain.DeviceBrowser {
		d.logger.Debug("browser playlist requested",
			slog.String("title", title),
			slog.Int("tracks", len(urls)))
		return nil
	}
	ctrl, err := d.controller(ref)
	if err != nil {
		return err
	}
	return ctrl.PlayAlbum(ctx, ref.ID, urls, title)
}

// Enqueue adds one track to a device's queue. Families without queue
// support report ErrUnsupported and the caller falls back to full
// playlists.
func (d *Dispatcher) Enqueue(ctx context.Context, ref domain.DeviceRef, url string) error {
	if ref.Kind == domain.DeviceBrowser {
		return nil
	}
	ctrl, err := d.controller(ref)
	if err != nil {
		return err
	}
	return ctrl.Enqueue(ctx, ref.ID, url)
}

func (d *Dispatcher) Pause(ctx context.Context, ref domain.DeviceRef) error {
	if ref.Kind == domain.DeviceBrowser {
		return nil
	}
	ctrl, err := d.controller(ref)
	if err != nil {
		return err
	}
	return ctrl.Pause(ctx, ref.ID)
}

func (d *Dispatcher) Resume(ctx context.Context, ref domain.DeviceRef) error {
	if ref.Kind == domain.DeviceBrowser {
		return nil
	}
	ctrl, err := d.controller(ref)
	if err != nil {
		return err
	}
	return ctrl.Resume(ctx, ref.ID)
}

func (d *Dispatcher) Stop(ctx context.Context, ref domain.DeviceRef) error {
	if ref.Kind == domain.DeviceBrowser {
		return nil
	}
	ctrl, err := d.controller(ref)
	if err != nil {
		return err
	}
	return ctrl.Stop(ctx, ref.ID)
}

func (d *Dispatcher) Seek(ctx context.Context, ref domain.DeviceRef, position float64) error {
	if ref.Kind == domain.DeviceBrowser {
		return nil
	}
	ctrl, err := d.controller(ref)
	if err != nil {
		return err
	}
	return ctrl.Seek(ctx, ref.ID, position)
}

func (d *Dispatcher) Next(ctx context.Context, ref domain.DeviceRef) error {
	if ref.Kind == domain.DeviceBrowser {
		return nil
	}
	ctrl, err := d.controller(ref)
	if err != nil {
		return err
	}
	return ctrl.Next(ctx, ref.ID)
}

func (d *Dispatcher) Previous(ctx context.Context, ref domain.DeviceRef) error {
	if ref.Kind == domain.DeviceBrowser {
		return nil
	}
	ctrl, err := d.controller(ref)
	if err != nil {
		return err
	}
	return ctrl.Previous(ctx, ref.ID)
}

func (d *Dispatcher) VolumeStep(ctx context.Context, ref domain.DeviceRef, delta int) error {
	if ref.Kind == domain.DeviceBrowser {
		return nil
	}
	ctrl, err := d.controller(ref)
	if err != nil {
		return err
	}
	return ctrl.VolumeStep(ctx, ref.ID, delta)
}

// TransportState queries a device's play state. Browser state lives in
// the web client and is tracked from its reports, never queried here.
func (d *Dispatcher) TransportState(ctx context.Context, ref domain.DeviceRef) (domain.TransportState, error) {
	if ref.Kind == domain.DeviceBrowser {
		return domain.TransportState{Status: domain.TransportUnknown}, nil
	}
	ctrl, err := d.controller(ref)
	if err != nil {
		return domain.TransportState{}, err
	}
	return ctrl.TransportState(ctx, ref.ID)
}
