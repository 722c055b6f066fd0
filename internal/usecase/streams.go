package usecase

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"toniebridge/internal/domain"
	"toniebridge/internal/domain/ports"
)

const (
	scanRingSize = 50
	staleAfter   = 180 * time.Second
)

// DeviceSettings is the slice of the settings layer the stream state
// machine needs for device resolution and URL building.
type DeviceSettings interface {
	ReaderDevice(readerIP string) (domain.DeviceRef, bool)
	DefaultDevice() (domain.DeviceRef, bool)
	ServerBaseURL() string
}

// StreamView is a read-only snapshot of one reader's playback state.
type StreamView struct {
	ReaderIP     string              `json:"reader_ip"`
	Current      domain.CurrentTag   `json:"current"`
	Device       domain.DeviceRef    `json:"device"`
	Mode         domain.PlaybackMode `json:"mode"`
	StartedAt    time.Time           `json:"started_at"`
	Offset       float64             `json:"offset"`
	LastReported float64             `json:"last_reported_position"`
	Resume       *domain.ResumePoint `json:"resume,omitempty"`
	LastSeen     time.Time           `json:"last_seen"`
}

// WallClock estimates the playback position from elapsed time, used
// when the device cannot be queried.
func (v StreamView) WallClock(now time.Time) float64 {
	if v.StartedAt.IsZero() {
		return v.Offset
	}
	return v.Offset + now.Sub(v.StartedAt).Seconds()
}

type stream struct {
	current      *domain.CurrentTag
	device       domain.DeviceRef
	mode         domain.PlaybackMode
	startedAt    time.Time
	offset       float64
	lastReported float64
	resume       *domain.ResumePoint
	lastSeen     time.Time
	tempDevice   *domain.DeviceRef
}

// Streams is the per-reader state machine: which tag each reader is
// playing, on which device, with resume points, the recent scan ring,
// and the persistent reader registry.
type Streams struct {
	settings DeviceSettings
	store    ports.ReaderCacheStore
	logger   *slog.Logger
	now      func() time.Time

	mu              sync.RWMutex
	streams         map[string]*stream
	readers         map[string]domain.ReaderInfo
	scans           []domain.ScanEvent
	currentOverride *domain.DeviceRef
}

func NewStreams(settings DeviceSettings, store ports.ReaderCacheStore, logger *slog.Logger) (*Streams, error) {
	readers, err := store.LoadReaders()
	if err != nil {
		return nil, fmt.Errorf("load reader cache: %w", err)
	}
	if readers == nil {
		readers = make(map[string]domain.ReaderInfo)
	}
	for ip, r := range readers {
		r.Online = false
		readers[ip] = r
	}
	return &Streams{
		settings: settings,
		store:    store,
		logger:   logger,
		now:      time.Now,
		streams:  make(map[string]*stream),
		readers:  readers,
	}, nil
}

func (s *Streams) view(ip string, st *stream) StreamView {
	v := StreamView{
		ReaderIP:     ip,
		Device:       st.device,
		Mode:         st.mode,
		StartedAt:    st.startedAt,
		Offset:       st.offset,
		LastReported: st.lastReported,
		LastSeen:     st.lastSeen,
	}
	if st.current != nil {
		v.Current = *st.current
	}
	if st.resume != nil {
		r := *st.resume
		v.Resume = &r
	}
	return v
}

// Current returns the stream for a reader if one exists.
func (s *Streams) Current(ip string) (StreamView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.streams[ip]
	if !ok || st.current == nil {
		return StreamView{}, false
	}
	return s.view(ip, st), true
}

// Snapshot lists all live streams. ESPuino streams that have not been
// seen within the stale window are reaped on the way out; virtual
// readers have no liveness signal and are kept.
func (s *Streams) Snapshot() []StreamView {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []StreamView
	for ip, st := range s.streams {
		if st.current == nil {
			continue
		}
		if !domain.IsVirtualReader(ip) && now.Sub(st.lastSeen) > staleAfter {
			s.logger.Info("reaping stale stream", slog.String("reader", ip))
			delete(s.streams, ip)
			continue
		}
		out = append(out, s.view(ip, st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReaderIP < out[j].ReaderIP })
	return out
}

func (s *Streams) get(ip string) *stream {
	st, ok := s.streams[ip]
	if !ok {
		st = &stream{lastSeen: s.now()}
		s.streams[ip] = st
	}
	return st
}

// SetPlaying records a fresh playback start for a reader.
func (s *Streams) SetPlaying(ip string, current domain.CurrentTag, device domain.DeviceRef, mode domain.PlaybackMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(ip)
	st.current = &current
	st.device = device
	st.mode = mode
	st.startedAt = s.now()
	st.offset = current.StartPosition
	st.lastReported = current.StartPosition
	st.resume = nil
	st.lastSeen = s.now()
}

// MarkPaused records a tag-removal pause: the current tag stays, a
// paused resume point is saved so re-placing the tag continues.
func (s *Streams) MarkPaused(ip string, position float64) (StreamView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[ip]
	if !ok || st.current == nil {
		return StreamView{}, false
	}
	st.resume = &domain.ResumePoint{
		UID:      st.current.UID,
		Position: position,
		Device:   st.device,
		Paused:   true,
	}
	st.offset = position
	st.startedAt = time.Time{}
	st.lastSeen = s.now()
	return s.view(ip, st), true
}

// MarkResumed clears the paused flag after a successful device resume
// and restarts the wall clock from the resume position.
func (s *Streams) MarkResumed(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[ip]
	if !ok {
		return
	}
	if st.resume != nil {
		st.offset = st.resume.Position
		st.resume = nil
	}
	st.startedAt = s.now()
	st.lastSeen = s.now()
}

// Clear drops a reader's stream entirely. Explicit stop: no resume
// point survives.
func (s *Streams) Clear(ip string) (StreamView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[ip]
	if !ok || st.current == nil {
		return StreamView{}, false
	}
	v := s.view(ip, st)
	delete(s.streams, ip)
	return v, true
}

// ReportPosition stores a client-reported playback position. For
// browser devices this is the only position source.
func (s *Streams) ReportPosition(ip string, position float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[ip]
	if !ok {
		return
	}
	st.lastReported = position
	st.lastSeen = s.now()
}

// SetOffset rebases the wall clock after a seek or pause/resume cycle.
func (s *Streams) SetOffset(ip string, position float64, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[ip]
	if !ok {
		return
	}
	st.offset = position
	if running {
		st.startedAt = s.now()
	} else {
		st.startedAt = time.Time{}
	}
}

// Touch refreshes a reader's liveness timestamp.
func (s *Streams) Touch(ip string) {
	now := s.now()
	s.mu.Lock()
	if st, ok := s.streams[ip]; ok {
		st.lastSeen = now
	}
	if r, ok := s.readers[ip]; ok {
		r.LastSeen = now.Format(time.RFC3339)
		r.Online = true
		s.readers[ip] = r
	}
	s.mu.Unlock()
}

// SetTempDevice sets a one-shot device override consumed by the next
// playback on this reader.
func (s *Streams) SetTempDevice(ip string, ref domain.DeviceRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(ip)
	st.tempDevice = &ref
}

func (s *Streams) ClearTempDevice(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[ip]; ok {
		st.tempDevice = nil
	}
}

// SetCurrentDevice sets the global device override that applies to all
// readers without a more specific target.
func (s *Streams) SetCurrentDevice(ref *domain.DeviceRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentOverride = ref
}

func (s *Streams) CurrentDevice() (domain.DeviceRef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.currentOverride == nil {
		return domain.DeviceRef{}, false
	}
	return *s.currentOverride, true
}

// ResolveDevice picks the playback target for a reader: temp override,
// then the persisted per-reader override, then the global current
// override, then the configured default. With nothing configured a
// physical reader plays on itself and a virtual one in the browser.
// The temp override is consumed by the call.
func (s *Streams) ResolveDevice(ip string) domain.DeviceRef {
	s.mu.Lock()
	if st, ok := s.streams[ip]; ok && st.tempDevice != nil {
		ref := *st.tempDevice
		st.tempDevice = nil
		s.mu.Unlock()
		return ref
	}
	override := s.currentOverride
	s.mu.Unlock()

	if ref, ok := s.settings.ReaderDevice(ip); ok {
		return ref
	}
	if override != nil {
		return *override
	}
	if ref, ok := s.settings.DefaultDevice(); ok {
		return ref
	}
	if domain.IsVirtualReader(ip) {
		return domain.DeviceRef{Kind: domain.DeviceBrowser, ID: ip}
	}
	return domain.DeviceRef{Kind: domain.DeviceESPuino, ID: ip}
}

// RecordScan appends to the scan ring and registers the reader.
func (s *Streams) RecordScan(event domain.ScanEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Time.IsZero() {
		event.Time = s.now()
	}
	s.mu.Lock()
	s.scans = append(s.scans, event)
	if len(s.scans) > scanRingSize {
		s.scans = s.scans[len(s.scans)-scanRingSize:]
	}
	persist := s.registerReaderLocked(event.ReaderIP)
	s.mu.Unlock()
	if persist {
		s.persistReaders()
	}
}

// Scans returns the recent scan ring, newest first.
func (s *Streams) Scans() []domain.ScanEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ScanEvent, len(s.scans))
	for i, e := range s.scans {
		out[len(s.scans)-1-i] = e
	}
	return out
}

func (s *Streams) registerReaderLocked(ip string) bool {
	if ip == "" || domain.IsVirtualReader(ip) {
		return false
	}
	now := s.now().Format(time.RFC3339)
	r, ok := s.readers[ip]
	if !ok {
		r = domain.ReaderInfo{IP: ip, FirstSeen: now}
	}
	r.LastSeen = now
	r.Online = true
	r.ScanCount++
	s.readers[ip] = r
	return true
}

// Readers lists known physical readers sorted by IP.
func (s *Streams) Readers() []domain.ReaderInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ReaderInfo, 0, len(s.readers))
	for _, r := range s.readers {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

// RenameReader sets a friendly name on a known reader.
func (s *Streams) RenameReader(ip, name string) error {
	s.mu.Lock()
	r, ok := s.readers[ip]
	if !ok {
		s.mu.Unlock()
		return domain.ErrNotFound
	}
	r.Name = name
	s.readers[ip] = r
	s.mu.Unlock()
	s.persistReaders()
	return nil
}

// RemoveReader forgets a reader and its stream.
func (s *Streams) RemoveReader(ip string) error {
	s.mu.Lock()
	if _, ok := s.readers[ip]; !ok {
		s.mu.Unlock()
		return domain.ErrNotFound
	}
	delete(s.readers, ip)
	delete(s.streams, ip)
	s.mu.Unlock()
	s.persistReaders()
	return nil
}

func (s *Streams) persistReaders() {
	s.mu.RLock()
	snapshot := make(map[string]domain.ReaderInfo, len(s.readers))
	for ip, r := range s.readers {
		snapshot[ip] = r
	}
	s.mu.RUnlock()
	if err := s.store.SaveReaders(snapshot); err != nil {
		s.logger.Warn("persist reader cache", slog.String("error", err.Error()))
	}
}
