package domain

import "errors"

// DeviceKind identifies a playback endpoint family.
type DeviceKind string

const (
	DeviceESPuino DeviceKind = "espuino"
	DeviceSonos   DeviceKind = "sonos"
	DeviceCast    DeviceKind = "chromecast"
	DeviceAirPlay DeviceKind = "airplay"
	DeviceBrowser DeviceKind = "browser"
)

// DeviceRef identifies a concrete playback endpoint. ID is an IP for
// espuino/airplay, a RINCON UID or IP for sonos, a cast device id or IP
// for chromecast, and an opaque session id for browser.
type DeviceRef struct {
	Kind DeviceKind `json:"type"`
	ID   string     `json:"id"`
}

func (d DeviceRef) IsZero() bool { return d.Kind == "" && d.ID == "" }

func (d DeviceRef) Equal(other DeviceRef) bool {
	return d.Kind == other.Kind && d.ID == other.ID
}

// Validate checks the reference names a known kind with a non-empty id.
func (d DeviceRef) Validate() error {
	switch d.Kind {
	case DeviceESPuino, DeviceSonos, DeviceCast, DeviceAirPlay, DeviceBrowser:
	case "":
		return errors.New("device type is required")
	default:
		return errors.New("unknown device type: " + string(d.Kind))
	}
	if d.ID == "" {
		return errors.New("device id is required")
	}
	return nil
}

// TransportStatus is the normalized play state reported by an adapter.
type TransportStatus string

const (
	TransportPlaying       TransportStatus = "playing"
	TransportPaused        TransportStatus = "paused"
	TransportStopped       TransportStatus = "stopped"
	TransportTransitioning TransportStatus = "transitioning"
	TransportUnknown       TransportStatus = "unknown"
)

// TransportState is a point-in-time snapshot of a device's playback.
type TransportState struct {
	Status   TransportStatus `json:"status"`
	Position float64         `json:"position"`
	Duration float64         `json:"duration"`
}

// DeviceInfo is a discovered or manually registered device as kept in
// the persistent device cache.
type DeviceInfo struct {
	Kind      DeviceKind `json:"type"`
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Address   string     `json:"address"`
	Port      int        `json:"port,omitempty"`
	Manual    bool       `json:"manual,omitempty"`
	Online    bool       `json:"online"`
	FirstSeen string     `json:"first_seen,omitempty"`
	LastSeen  string     `json:"last_seen,omitempty"`
}

// ReaderInfo is a known RFID reader as kept in the persistent reader
// cache and in the live registry.
type ReaderInfo struct {
	IP        string `json:"ip"`
	Name      string `json:"name"`
	FirstSeen string `json:"first_seen,omitempty"`
	LastSeen  string `json:"last_seen,omitempty"`
	ScanCount int    `json:"scan_count"`
	Online    bool   `json:"online"`
}

// IsVirtualReader reports whether the reader id is a synthetic web
// session rather than a physical device. Virtual readers are never
// persisted and never liveness-pinged.
func IsVirtualReader(ip string) bool {
	if ip == "manual-stream" || ip == "browser-session" {
		return true
	}
	return len(ip) > 4 && ip[:4] == "web-"
}
