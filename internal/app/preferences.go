package app

import (
	"fmt"
	"sync"

	"toniebridge/internal/domain"
)

// PreferencesStore persists the user preferences document.
type PreferencesStore interface {
	LoadPreferences() (domain.Preferences, error)
	SavePreferences(domain.Preferences) error
}

const recentlyPlayedLimit = 12

// PreferencesManager guards the preferences document consumed by the
// web UI. Mutations are written through and rolled back on failure.
type PreferencesManager struct {
	mu      sync.RWMutex
	store   PreferencesStore
	current domain.Preferences
}

func NewPreferencesManager(store PreferencesStore) (*PreferencesManager, error) {
	prefs, err := store.LoadPreferences()
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}
	return &PreferencesManager{store: store, current: prefs}, nil
}

func (m *PreferencesManager) Current() domain.Preferences {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *PreferencesManager) snapshotLocked() domain.Preferences {
	out := domain.Preferences{
		RecentlyPlayed: make([]map[string]any, len(m.current.RecentlyPlayed)),
		HiddenItems:    append([]string(nil), m.current.HiddenItems...),
		StarredDevices: append([]string(nil), m.current.StarredDevices...),
	}
	copy(out.RecentlyPlayed, m.current.RecentlyPlayed)
	return out
}

// RecordPlay inserts the item at the front of recentlyPlayed, removing
// any older entry with the same uid. The list is capped at 12 items.
func (m *PreferencesManager) RecordPlay(item map[string]any) error {
	uid, _ := item["uid"].(string)
	if uid == "" {
		return fmt.Errorf("recently played item needs a uid")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	previous := m.current.RecentlyPlayed
	next := make([]map[string]any, 0, len(previous)+1)
	next = append(next, item)
	for _, existing := range previous {
		if existingUID, _ := existing["uid"].(string); existingUID == uid {
			continue
		}
		next = append(next, existing)
	}
	if len(next) > recentlyPlayedLimit {
		next = next[:recentlyPlayedLimit]
	}

	m.current.RecentlyPlayed = next
	if err := m.persistLocked(); err != nil {
		m.current.RecentlyPlayed = previous
		return err
	}
	return nil
}

func (m *PreferencesManager) HideItem(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.current.HiddenItems {
		if existing == id {
			return nil
		}
	}
	previous := m.current.HiddenItems
	m.current.HiddenItems = append(append([]string(nil), previous...), id)
	if err := m.persistLocked(); err != nil {
		m.current.HiddenItems = previous
		return err
	}
	return nil
}

func (m *PreferencesManager) UnhideItem(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	previous := m.current.HiddenItems
	next := make([]string, 0, len(previous))
	for _, existing := range previous {
		if existing != id {
			next = append(next, existing)
		}
	}
	if len(next) == len(previous) {
		return nil
	}
	m.current.HiddenItems = next
	if err := m.persistLocked(); err != nil {
		m.current.HiddenItems = previous
		return err
	}
	return nil
}

func (m *PreferencesManager) SetStarredDevices(ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	previous := m.current.StarredDevices
	m.current.StarredDevices = append([]string(nil), ids...)
	if err := m.persistLocked(); err != nil {
		m.current.StarredDevices = previous
		return err
	}
	return nil
}

func (m *PreferencesManager) persistLocked() error {
	if err := m.store.SavePreferences(m.current); err != nil {
		return fmt.Errorf("persist preferences: %w", err)
	}
	return nil
}
