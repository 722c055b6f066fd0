package file

import "toniebridge/internal/domain"

// LoadSettings returns the raw settings.json overlay. Keys present here
// override environment defaults.
func (s *Store) LoadSettings() (map[string]any, error) {
	doc := map[string]any{}
	if ok, err := s.read(settingsFile, &doc); err != nil {
		return nil, err
	} else if !ok {
		return map[string]any{}, nil
	}
	return doc, nil
}

func (s *Store) SaveSettings(doc map[string]any) error {
	return s.write(settingsFile, doc)
}

func (s *Store) LoadPreferences() (domain.Preferences, error) {
	prefs := domain.DefaultPreferences()
	if _, err := s.read(preferencesFile, &prefs); err != nil {
		return domain.Preferences{}, err
	}
	if prefs.RecentlyPlayed == nil {
		prefs.RecentlyPlayed = []map[string]any{}
	}
	if prefs.HiddenItems == nil {
		prefs.HiddenItems = []string{}
	}
	if prefs.StarredDevices == nil {
		prefs.StarredDevices = domain.DefaultPreferences().StarredDevices
	}
	return prefs, nil
}

func (s *Store) SavePreferences(p domain.Preferences) error {
	return s.write(preferencesFile, p)
}

// LoadDevices returns cached devices, all marked offline until a fresh
// discovery or successful control call proves otherwise.
func (s *Store) LoadDevices() ([]domain.DeviceInfo, error) {
	var devices []domain.DeviceInfo
	if _, err := s.read(deviceCacheFile, &devices); err != nil {
		return nil, err
	}
	for i := range devices {
		devices[i].Online = false
	}
	return devices, nil
}

func (s *Store) SaveDevices(devices []domain.DeviceInfo) error {
	return s.write(deviceCacheFile, devices)
}

func (s *Store) LoadReaders() (map[string]domain.ReaderInfo, error) {
	readers := map[string]domain.ReaderInfo{}
	if _, err := s.read(readerCacheFile, &readers); err != nil {
		return nil, err
	}
	for ip, r := range readers {
		r.Online = false
		readers[ip] = r
	}
	return readers, nil
}

func (s *Store) SaveReaders(readers map[string]domain.ReaderInfo) error {
	return s.write(readerCacheFile, readers)
}

func (s *Store) LoadQueue() (map[string]domain.PendingUpload, error) {
	queue := map[string]domain.PendingUpload{}
	if _, err := s.read(uploadQueueFile, &queue); err != nil {
		return nil, err
	}
	return queue, nil
}

func (s *Store) SaveQueue(queue map[string]domain.PendingUpload) error {
	return s.write(uploadQueueFile, queue)
}
