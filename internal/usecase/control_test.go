package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"

	"toniebridge/internal/domain"
)

func newControl(t *testing.T) (Control, *fakeDevices, *Streams) {
	t.Helper()
	devices := &fakeDevices{}
	streams := newStreams(t, &fakeSettings{})
	return Control{Streams: streams, Devices: devices, Logger: testLogger()}, devices, streams
}

func startStream(s *Streams, ip string, ref domain.DeviceRef) {
	s.SetPlaying(ip, domain.CurrentTag{UID: "E0:04:03:50:13:16:80:4B", Title: "Test"}, ref, domain.ModeStream)
}

func TestPositionNoStream(t *testing.T) {
	c, _, _ := newControl(t)
	if _, err := c.Position(context.Background(), "10.0.0.2"); !errors.Is(err, ErrNoStream) {
		t.Fatalf("want ErrNoStream, got %v", err)
	}
}

func TestPositionBrowserUsesReported(t *testing.T) {
	c, devices, streams := newControl(t)
	startStream(streams, "web-7f3a", domain.DeviceRef{Kind: domain.DeviceBrowser, ID: "web-7f3a"})
	streams.ReportPosition("web-7f3a", 73.2)

	pos, err := c.Position(context.Background(), "web-7f3a")
	if err != nil {
		t.Fatalf("Position: %v", err)
	}
	if pos != 73.2 {
		t.Fatalf("position: got %v, want 73.2", pos)
	}
	if len(devices.Calls()) != 0 {
		t.Fatalf("browser position must not query a device: %v", devices.Calls())
	}
}

func TestPositionFromTransportState(t *testing.T) {
	c, devices, streams := newControl(t)
	devices.state = domain.TransportState{Status: domain.TransportPlaying, Position: 120.5}
	startStream(streams, "10.0.0.2", domain.DeviceRef{Kind: domain.DeviceSonos, ID: "RINCON_1"})

	pos, err := c.Position(context.Background(), "10.0.0.2")
	if err != nil {
		t.Fatalf("Position: %v", err)
	}
	if pos != 120.5 {
		t.Fatalf("position: got %v, want 120.5", pos)
	}
}

func TestPositionFallsBackToWallClock(t *testing.T) {
	c, devices, streams := newControl(t)
	devices.stateErr = errors.New("device unreachable")
	startStream(streams, "10.0.0.2", domain.DeviceRef{Kind: domain.DeviceAirPlay, ID: "10.0.0.9"})

	pos, err := c.Position(context.Background(), "10.0.0.2")
	if err != nil {
		t.Fatalf("Position: %v", err)
	}
	if pos < 0 || pos > 5 {
		t.Fatalf("wall clock position just after start: got %v", pos)
	}
}

func TestPositionPausedUsesResumePoint(t *testing.T) {
	c, devices, streams := newControl(t)
	devices.stateErr = errors.New("device unreachable")
	startStream(streams, "10.0.0.2", domain.DeviceRef{Kind: domain.DeviceSonos, ID: "RINCON_1"})
	streams.MarkPaused("10.0.0.2", 55)

	pos, err := c.Position(context.Background(), "10.0.0.2")
	if err != nil {
		t.Fatalf("Position: %v", err)
	}
	if pos != 55 {
		t.Fatalf("paused position: got %v, want 55", pos)
	}
}

func TestPauseAndResume(t *testing.T) {
	c, devices, streams := newControl(t)
	ref := domain.DeviceRef{Kind: domain.DeviceSonos, ID: "RINCON_1"}
	startStream(streams, "10.0.0.2", ref)

	if err := c.Pause(context.Background(), "10.0.0.2"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	v, _ := streams.Current("10.0.0.2")
	if v.Resume == nil || !v.Resume.Paused {
		t.Fatalf("pause did not freeze the stream: %+v", v.Resume)
	}

	if err := c.Resume(context.Background(), "10.0.0.2"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	v, _ = streams.Current("10.0.0.2")
	if v.Resume != nil {
		t.Fatalf("resume did not clear the pause: %+v", v.Resume)
	}

	calls := devices.Calls()
	var saw []string
	for _, call := range calls {
		if strings.HasPrefix(call, "pause") || strings.HasPrefix(call, "resume") {
			saw = append(saw, call)
		}
	}
	want := []string{"pause RINCON_1", "resume RINCON_1"}
	if len(saw) != len(want) || saw[0] != want[0] || saw[1] != want[1] {
		t.Fatalf("device calls: %v", saw)
	}
}

func TestStopClearsStream(t *testing.T) {
	c, devices, streams := newControl(t)
	startStream(streams, "10.0.0.2", domain.DeviceRef{Kind: domain.DeviceCast, ID: "cast-1"})

	if err := c.Stop(context.Background(), "10.0.0.2"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, ok := streams.Current("10.0.0.2"); ok {
		t.Fatalf("stream survived Stop")
	}
	calls := devices.Calls()
	if len(calls) != 1 || calls[0] != "stop cast-1" {
		t.Fatalf("device calls: %v", calls)
	}
	if err := c.Stop(context.Background(), "10.0.0.2"); !errors.Is(err, ErrNoStream) {
		t.Fatalf("second Stop: got %v, want ErrNoStream", err)
	}
}

func TestSeekRebasesOffset(t *testing.T) {
	c, devices, streams := newControl(t)
	startStream(streams, "10.0.0.2", domain.DeviceRef{Kind: domain.DeviceSonos, ID: "RINCON_1"})

	if err := c.Seek(context.Background(), "10.0.0.2", 90); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	v, _ := streams.Current("10.0.0.2")
	if v.Offset != 90 {
		t.Fatalf("offset after seek: got %v", v.Offset)
	}
	if v.StartedAt.IsZero() {
		t.Fatalf("seek while playing should keep the wall clock running")
	}
	calls := devices.Calls()
	if calls[len(calls)-1] != "seek RINCON_1 90" {
		t.Fatalf("device calls: %v", calls)
	}

	// Negative positions clamp to zero.
	if err := c.Seek(context.Background(), "10.0.0.2", -5); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	v, _ = streams.Current("10.0.0.2")
	if v.Offset != 0 {
		t.Fatalf("negative seek should clamp: got %v", v.Offset)
	}
}

func TestApplyActionMapping(t *testing.T) {
	c, devices, streams := newControl(t)
	startStream(streams, "10.0.0.2", domain.DeviceRef{Kind: domain.DeviceSonos, ID: "RINCON_1"})

	for _, action := range []string{"next", "previous", "volume_up", "voldown"} {
		if err := c.Apply(context.Background(), "10.0.0.2", action); err != nil {
			t.Fatalf("Apply %q: %v", action, err)
		}
	}
	want := []string{"next RINCON_1", "previous RINCON_1", "volume RINCON_1 1", "volume RINCON_1 -1"}
	calls := devices.Calls()
	if len(calls) != len(want) {
		t.Fatalf("device calls: %v", calls)
	}
	for i, w := range want {
		if calls[i] != w {
			t.Fatalf("call %d: got %q, want %q", i, calls[i], w)
		}
	}
}

func TestApplyToggle(t *testing.T) {
	c, devices, streams := newControl(t)
	startStream(streams, "10.0.0.2", domain.DeviceRef{Kind: domain.DeviceSonos, ID: "RINCON_1"})

	if err := c.Apply(context.Background(), "10.0.0.2", "pauseplay"); err != nil {
		t.Fatalf("toggle to pause: %v", err)
	}
	if err := c.Apply(context.Background(), "10.0.0.2", "toggle"); err != nil {
		t.Fatalf("toggle to resume: %v", err)
	}
	var saw []string
	for _, call := range devices.Calls() {
		if strings.HasPrefix(call, "pause") || strings.HasPrefix(call, "resume") {
			saw = append(saw, call)
		}
	}
	if len(saw) != 2 || saw[0] != "pause RINCON_1" || saw[1] != "resume RINCON_1" {
		t.Fatalf("toggle sequence: %v", saw)
	}
}

func TestApplyUnknownAction(t *testing.T) {
	c, _, streams := newControl(t)
	startStream(streams, "10.0.0.2", domain.DeviceRef{Kind: domain.DeviceSonos, ID: "RINCON_1"})
	if err := c.Apply(context.Background(), "10.0.0.2", "rewind"); err == nil {
		t.Fatalf("unknown action should error")
	}
}

func TestApplyNoStream(t *testing.T) {
	c, _, _ := newControl(t)
	for _, action := range []string{"pause", "play", "stop", "next", "toggle", "volume_up"} {
		if err := c.Apply(context.Background(), "10.0.0.2", action); !errors.Is(err, ErrNoStream) {
			t.Fatalf("Apply %q without stream: got %v", action, err)
		}
	}
}

func TestDeviceErrorsAreWrapped(t *testing.T) {
	c, devices, streams := newControl(t)
	devices.err = errors.New("boom")
	startStream(streams, "10.0.0.2", domain.DeviceRef{Kind: domain.DeviceSonos, ID: "RINCON_1"})
	err := c.Resume(context.Background(), "10.0.0.2")
	if !errors.Is(err, ErrDevice) {
		t.Fatalf("want ErrDevice, got %v", err)
	}
}
