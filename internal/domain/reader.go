package domain

import "time"

// CurrentTag is the tag a reader is currently playing, as tracked by the
// reader state machine.
type CurrentTag struct {
	UID           TagUID  `json:"uid"`
	Series        string  `json:"series,omitempty"`
	Episode       string  `json:"episode,omitempty"`
	Title         string  `json:"title"`
	Picture       string  `json:"picture,omitempty"`
	AudioURL      string  `json:"audio_url"`
	PlaybackURL   string  `json:"playback_url"`
	PlacedAt      string  `json:"placed_at"`
	StartPosition float64 `json:"start_position"`
	SDLocal       bool    `json:"sd_local,omitempty"`
	Duration      float64 `json:"duration,omitempty"`
	Tracks        []Track `json:"tracks,omitempty"`
	TrackCount    int     `json:"track_count"`
}

// ResumePoint remembers where playback stopped so a re-placed tag can
// continue instead of restarting.
type ResumePoint struct {
	UID      TagUID    `json:"uid"`
	Position float64   `json:"position"`
	Device   DeviceRef `json:"device"`
	Paused   bool      `json:"paused"`
}

// PlaybackMode distinguishes a reader playing locally from one acting as
// a remote for another endpoint.
type PlaybackMode string

const (
	ModeLocal  PlaybackMode = "local"
	ModeStream PlaybackMode = "stream"
)

// ScanEvent is one entry in the recent-scans ring. ID lets web clients
// deduplicate events that arrive both via polling and the websocket.
type ScanEvent struct {
	ID       string    `json:"id"`
	Time     time.Time `json:"time"`
	UID      TagUID    `json:"uid"`
	ReaderIP string    `json:"reader_ip"`
	Found    bool      `json:"found"`
	Title    string    `json:"title"`
}
