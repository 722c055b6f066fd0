package domain

// Settings is the persisted application configuration. Values loaded
// from settings.json override environment defaults.
type Settings struct {
	ContentURL         string               `json:"teddycloud_url"`
	ContentInternalURL string               `json:"teddycloud_internal_url"`
	ContentAPIBase     string               `json:"teddycloud_api_base"`
	ContentTimeoutSec  int                  `json:"teddycloud_timeout"`
	DefaultTarget      string               `json:"default_playback_target"`
	DefaultDeviceKind  string               `json:"default_device_type"`
	DefaultDeviceID    string               `json:"default_device_id"`
	ReaderDevices      map[string]DeviceRef `json:"reader_devices"`
	ServerURL          string               `json:"server_url"`
	AudioCacheMaxMB    int64                `json:"audio_cache_max_mb"`
}

// Preferences is the persisted user preference document consumed by the
// web UI.
type Preferences struct {
	RecentlyPlayed []map[string]any `json:"recentlyPlayed"`
	HiddenItems    []string         `json:"hiddenItems"`
	StarredDevices []string         `json:"starredDevices"`
}

// DefaultPreferences returns the document used before any preferences
// have been saved.
func DefaultPreferences() Preferences {
	return Preferences{
		RecentlyPlayed: []map[string]any{},
		HiddenItems:    []string{},
		StarredDevices: []string{"browser|web"},
	}
}
