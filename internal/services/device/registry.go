package device

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"toniebridge/internal/domain"
	"toniebridge/internal/domain/ports"
	"toniebridge/internal/metrics"
)

// Registry keeps the known playback devices: discovery results merged
// with manually registered ones, persisted across restarts so targets
// stay selectable while offline.
type Registry struct {
	store       ports.DeviceCacheStore
	logger      *slog.Logger
	discoverers map[domain.DeviceKind]ports.Discoverer

	mu      sync.RWMutex
	devices []domain.DeviceInfo
}

func NewRegistry(store ports.DeviceCacheStore, logger *slog.Logger, discoverers map[domain.DeviceKind]ports.Discoverer) (*Registry, error) {
	devices, err := store.LoadDevices()
	if err != nil {
		return nil, fmt.Errorf("load device cache: %w", err)
	}
	return &Registry{
		store:       store,
		logger:      logger,
		discoverers: discoverers,
		devices:     devices,
	}, nil
}

// Devices returns a snapshot sorted by kind then name.
func (r *Registry) Devices() []domain.DeviceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.DeviceInfo, len(r.devices))
	copy(out, r.devices)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out
}

// Find looks a device up by id. Sonos speakers also match on their
// address because readers in stream mode pass IPs around.
func (r *Registry) Find(kind domain.DeviceKind, id string) (domain.DeviceInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.devices {
		if d.Kind != kind {
			continue
		}
		if d.ID == id || (kind == domain.DeviceSonos && d.Address == id) {
			return d, true
		}
	}
	return domain.DeviceInfo{}, false
}

// Name returns the friendly name for a device, or "" when unknown.
func (r *Registry) Name(kind domain.DeviceKind, id string) string {
	if d, ok := r.Find(kind, id); ok {
		return d.Name
	}
	return ""
}

// SonosIP resolves a speaker uid to its address. Plain IPs pass
// through via Find's address match.
func (r *Registry) SonosIP(uid string) (string, bool) {
	d, ok := r.Find(domain.DeviceSonos, uid)
	if !ok || d.Address == "" {
		return "", false
	}
	return d.Address, true
}

// CastAddress resolves a cast device id to address and port.
func (r *Registry) CastAddress(id string) (string, int, bool) {
	d, ok := r.Find(domain.DeviceCast, id)
	if !ok || d.Address == "" {
		return "", 0, false
	}
	return d.Address, d.Port, true
}

// AddManual registers a device the user entered by hand. Manual
// devices survive refreshes and are assumed online.
func (r *Registry) AddManual(info domain.DeviceInfo) error {
	if err := (domain.DeviceRef{Kind: info.Kind, ID: info.ID}).Validate(); err != nil {
		return err
	}
	now := time.Now().Format(time.RFC3339)
	info.Manual = true
	info.Online = true
	info.LastSeen = now

	r.mu.Lock()
	replaced := false
	for i, d := range r.devices {
		if d.Kind == info.Kind && d.ID == info.ID {
			info.FirstSeen = d.FirstSeen
			r.devices[i] = info
			replaced = true
			break
		}
	}
	if !replaced {
		info.FirstSeen = now
		r.devices = append(r.devices, info)
	}
	err := r.persistLocked()
	r.mu.Unlock()
	return err
}

// Remove drops a device from the cache.
func (r *Registry) Remove(kind domain.DeviceKind, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.devices[:0]
	found := false
	for _, d := range r.devices {
		if d.Kind == kind && d.ID == id {
			found = true
			continue
		}
		kept = append(kept, d)
	}
	if !found {
		return domain.ErrNotFound
	}
	r.devices = kept
	return r.persistLocked()
}

// Refresh runs all discoverers concurrently and merges the results.
// Devices of a refreshed kind that no longer answer are kept but
// marked offline; manual devices are never downgraded.
func (r *Registry) Refresh(ctx context.Context) []domain.DeviceInfo {
	type result struct {
		kind    domain.DeviceKind
		devices []domain.DeviceInfo
	}
	results := make(chan result, len(r.discoverers))
	var wg sync.WaitGroup
	for kind, disc := range r.discoverers {
		wg.Add(1)
		go func(kind domain.DeviceKind, disc ports.Discoverer) {
			defer wg.Done()
			devices, err := disc.Discover(ctx)
			if err != nil {
				r.logger.Warn("device discovery failed",
					slog.String("kind", string(kind)),
					slog.String("error", err.Error()))
			}
			results <- result{kind: kind, devices: devices}
		}(kind, disc)
	}
	wg.Wait()
	close(results)

	now := time.Now().Format(time.RFC3339)
	r.mu.Lock()
	for res := range results {
		found := make(map[string]bool, len(res.devices))
		for _, d := range res.devices {
			found[d.ID] = true
			r.upsertLocked(d, now)
		}
		for i, d := range r.devices {
			if d.Kind == res.kind && !d.Manual && !found[d.ID] {
				r.devices[i].Online = false
			}
		}
	}
	if err := r.persistLocked(); err != nil {
		r.logger.Warn("persist device cache", slog.String("error", err.Error()))
	}
	online := make(map[domain.DeviceKind]int)
	for _, d := range r.devices {
		if d.Online {
			online[d.Kind]++
		}
	}
	r.mu.Unlock()
	for _, kind := range []domain.DeviceKind{domain.DeviceSonos, domain.DeviceCast, domain.DeviceAirPlay} {
		metrics.DevicesOnline.WithLabelValues(string(kind)).Set(float64(online[kind]))
	}
	return r.Devices()
}

func (r *Registry) upsertLocked(info domain.DeviceInfo, now string) {
	info.Online = true
	info.LastSeen = now
	for i, d := range r.devices {
		if d.Kind == info.Kind && d.ID == info.ID {
			info.FirstSeen = d.FirstSeen
			info.Manual = d.Manual
			r.devices[i] = info
			return
		}
	}
	info.FirstSeen = now
	r.devices = append(r.devices, info)
}

func (r *Registry) persistLocked() error {
	return r.store.SaveDevices(r.devices)
}
