package app

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"toniebridge/internal/domain"
)

// SettingsStore persists the settings overlay document.
type SettingsStore interface {
	LoadSettings() (map[string]any, error)
	SaveSettings(map[string]any) error
}

// SettingsManager holds the effective runtime settings. Environment
// variables provide defaults; the persisted overlay wins for any key it
// contains. Updates are written through to the store and rolled back if
// persistence fails.
type SettingsManager struct {
	mu       sync.RWMutex
	store    SettingsStore
	logger   *slog.Logger
	current  domain.Settings
	httpPort string
}

func NewSettingsManager(cfg Config, store SettingsStore, logger *slog.Logger) (*SettingsManager, error) {
	defaults := domain.Settings{
		ContentURL:         cfg.ContentURL,
		ContentInternalURL: cfg.ContentInternalURL,
		ContentAPIBase:     cfg.ContentAPIBase,
		ContentTimeoutSec:  cfg.ContentTimeoutSec,
		DefaultTarget:      "reader",
		ReaderDevices:      map[string]domain.DeviceRef{},
		ServerURL:          cfg.ServerURL,
		AudioCacheMaxMB:    cfg.AudioCacheMaxMB,
	}

	overlay, err := store.LoadSettings()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	merged, err := applyOverlay(defaults, overlay)
	if err != nil {
		logger.Warn("settings overlay rejected, using defaults", slog.String("error", err.Error()))
		merged = defaults
	}
	if merged.ReaderDevices == nil {
		merged.ReaderDevices = map[string]domain.DeviceRef{}
	}

	port := httpPort(cfg.HTTPAddr)
	return &SettingsManager{
		store:    store,
		logger:   logger,
		current:  merged,
		httpPort: port,
	}, nil
}

// Current returns a copy of the effective settings.
func (m *SettingsManager) Current() domain.Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *SettingsManager) snapshotLocked() domain.Settings {
	out := m.current
	out.ReaderDevices = make(map[string]domain.DeviceRef, len(m.current.ReaderDevices))
	for ip, ref := range m.current.ReaderDevices {
		out.ReaderDevices[ip] = ref
	}
	return out
}

// Update applies the patch, persists the result and reports whether the
// content server connection details changed.
func (m *SettingsManager) Update(patch map[string]any) (domain.Settings, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	previous := m.current
	next, err := applyOverlay(m.current, patch)
	if err != nil {
		return domain.Settings{}, false, fmt.Errorf("invalid settings: %w", err)
	}
	if next.ReaderDevices == nil {
		next.ReaderDevices = map[string]domain.DeviceRef{}
	}

	m.current = next
	if err := m.persistLocked(); err != nil {
		m.current = previous
		return domain.Settings{}, false, err
	}

	contentChanged := previous.ContentURL != next.ContentURL ||
		previous.ContentInternalURL != next.ContentInternalURL ||
		previous.ContentAPIBase != next.ContentAPIBase ||
		previous.ContentTimeoutSec != next.ContentTimeoutSec
	return m.snapshotLocked(), contentChanged, nil
}

// ReaderDevice returns the persisted per-reader device override.
func (m *SettingsManager) ReaderDevice(readerIP string) (domain.DeviceRef, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := m.current.ReaderDevices[readerIP]
	return ref, ok
}

func (m *SettingsManager) SetReaderDevice(readerIP string, ref domain.DeviceRef) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	previous, had := m.current.ReaderDevices[readerIP]
	m.current.ReaderDevices[readerIP] = ref
	if err := m.persistLocked(); err != nil {
		if had {
			m.current.ReaderDevices[readerIP] = previous
		} else {
			delete(m.current.ReaderDevices, readerIP)
		}
		return err
	}
	return nil
}

func (m *SettingsManager) ClearReaderDevice(readerIP string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	previous, had := m.current.ReaderDevices[readerIP]
	if !had {
		return nil
	}
	delete(m.current.ReaderDevices, readerIP)
	if err := m.persistLocked(); err != nil {
		m.current.ReaderDevices[readerIP] = previous
		return err
	}
	return nil
}

// DefaultDevice returns the configured fallback playback device, if any.
func (m *SettingsManager) DefaultDevice() (domain.DeviceRef, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref := domain.DeviceRef{Kind: domain.DeviceKind(m.current.DefaultDeviceKind), ID: m.current.DefaultDeviceID}
	if ref.Validate() != nil {
		return domain.DeviceRef{}, false
	}
	return ref, true
}

// ServerBaseURL is the externally reachable base URL of this server,
// used when handing track URLs to network players. Falls back to the
// detected local interface address.
func (m *SettingsManager) ServerBaseURL() string {
	m.mu.RLock()
	configured := m.current.ServerURL
	m.mu.RUnlock()
	if configured != "" {
		return strings.TrimRight(configured, "/")
	}
	return fmt.Sprintf("http://%s:%s", LocalIP(), m.httpPort)
}

func (m *SettingsManager) persistLocked() error {
	doc, err := settingsDocument(m.current)
	if err != nil {
		return err
	}
	if err := m.store.SaveSettings(doc); err != nil {
		return fmt.Errorf("persist settings: %w", err)
	}
	return nil
}

func applyOverlay(base domain.Settings, overlay map[string]any) (domain.Settings, error) {
	if len(overlay) == 0 {
		return base, nil
	}
	doc, err := settingsDocument(base)
	if err != nil {
		return domain.Settings{}, err
	}
	for key, value := range overlay {
		doc[key] = value
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return domain.Settings{}, err
	}
	var merged domain.Settings
	if err := json.Unmarshal(raw, &merged); err != nil {
		return domain.Settings{}, err
	}
	return merged, nil
}

func settingsDocument(s domain.Settings) (map[string]any, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	doc := map[string]any{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func httpPort(addr string) string {
	if idx := strings.LastIndex(addr, ":"); idx >= 0 && idx < len(addr)-1 {
		return addr[idx+1:]
	}
	return "8754"
}
