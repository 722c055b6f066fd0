package ports

import "toniebridge/internal/domain"

// SettingsStore persists the settings.json overlay.
type SettingsStore interface {
	LoadSettings() (map[string]any, error)
	SaveSettings(doc map[string]any) error
}

// PreferencesStore persists the user preferences document.
type PreferencesStore interface {
	LoadPreferences() (domain.Preferences, error)
	SavePreferences(p domain.Preferences) error
}

// DeviceCacheStore persists discovered devices across restarts.
type DeviceCacheStore interface {
	LoadDevices() ([]domain.DeviceInfo, error)
	SaveDevices(devices []domain.DeviceInfo) error
}

// ReaderCacheStore persists known readers across restarts.
type ReaderCacheStore interface {
	LoadReaders() (map[string]domain.ReaderInfo, error)
	SaveReaders(readers map[string]domain.ReaderInfo) error
}

// UploadQueueStore persists pending SD mirrors across restarts.
type UploadQueueStore interface {
	LoadQueue() (map[string]domain.PendingUpload, error)
	SaveQueue(queue map[string]domain.PendingUpload) error
}
