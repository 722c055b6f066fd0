package usecase

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"toniebridge/internal/domain"
	"toniebridge/internal/domain/ports"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSettings satisfies DeviceSettings with fixed values.
type fakeSettings struct {
	readerDevices map[string]domain.DeviceRef
	defaultDevice *domain.DeviceRef
	baseURL       string
}

func (f *fakeSettings) ReaderDevice(readerIP string) (domain.DeviceRef, bool) {
	ref, ok := f.readerDevices[readerIP]
	return ref, ok
}

func (f *fakeSettings) DefaultDevice() (domain.DeviceRef, bool) {
	if f.defaultDevice == nil {
		return domain.DeviceRef{}, false
	}
	return *f.defaultDevice, true
}

func (f *fakeSettings) ServerBaseURL() string {
	if f.baseURL == "" {
		return "http://server:8754"
	}
	return f.baseURL
}

// memReaderStore keeps reader cache writes in memory.
type memReaderStore struct {
	mu      sync.Mutex
	readers map[string]domain.ReaderInfo
	saves   int
}

func (s *memReaderStore) LoadReaders() (map[string]domain.ReaderInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readers, nil
}

func (s *memReaderStore) SaveReaders(readers map[string]domain.ReaderInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readers = readers
	s.saves++
	return nil
}

type memQueueStore struct {
	mu    sync.Mutex
	queue map[string]domain.PendingUpload
	saves int
}

func (s *memQueueStore) LoadQueue() (map[string]domain.PendingUpload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue, nil
}

func (s *memQueueStore) SaveQueue(queue map[string]domain.PendingUpload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = queue
	s.saves++
	return nil
}

// fakeDevices records every playback command it receives.
type fakeDevices struct {
	mu    sync.Mutex
	calls []string
	err   error

	playErr   error
	resumeErr error
	lastStart float64
	state     domain.TransportState
	stateErr  error
}

func (f *fakeDevices) record(call string) error {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	return f.err
}

func (f *fakeDevices) LastStart() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastStart
}

func (f *fakeDevices) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeDevices) Play(ctx context.Context, ref domain.DeviceRef, url, title string, startPosition float64) error {
	f.mu.Lock()
	f.lastStart = startPosition
	f.mu.Unlock()
	if err := f.record("play " + string(ref.Kind) + " " + url); err != nil {
		return err
	}
	return f.playErr
}

func (f *fakeDevices) PlayAlbum(ctx context.Context, ref domain.DeviceRef, urls []string, title string) error {
	return f.record(fmt.Sprintf("album %s %d", ref.Kind, len(urls)))
}

func (f *fakeDevices) Enqueue(ctx context.Context, ref domain.DeviceRef, url string) error {
	return f.record("enqueue " + url)
}

func (f *fakeDevices) Pause(ctx context.Context, ref domain.DeviceRef) error {
	return f.record("pause " + ref.ID)
}

func (f *fakeDevices) Resume(ctx context.Context, ref domain.DeviceRef) error {
	if err := f.record("resume " + ref.ID); err != nil {
		return err
	}
	return f.resumeErr
}

func (f *fakeDevices) Stop(ctx context.Context, ref domain.DeviceRef) error {
	return f.record("stop " + ref.ID)
}

func (f *fakeDevices) Seek(ctx context.Context, ref domain.DeviceRef, position float64) error {
	return f.record(fmt.Sprintf("seek %s %.0f", ref.ID, position))
}

func (f *fakeDevices) Next(ctx context.Context, ref domain.DeviceRef) error {
	return f.record("next " + ref.ID)
}

func (f *fakeDevices) Previous(ctx context.Context, ref domain.DeviceRef) error {
	return f.record("previous " + ref.ID)
}

func (f *fakeDevices) VolumeStep(ctx context.Context, ref domain.DeviceRef, delta int) error {
	return f.record(fmt.Sprintf("volume %s %d", ref.ID, delta))
}

func (f *fakeDevices) TransportState(ctx context.Context, ref domain.DeviceRef) (domain.TransportState, error) {
	f.record("state " + ref.ID)
	return f.state, f.stateErr
}

// fakeCache simulates the album cache with in-memory metadata.
type fakeCache struct {
	mu      sync.Mutex
	meta    map[domain.CacheKey]domain.AlbumMetadata
	deleted []domain.CacheKey
	stats   domain.CacheStats
	albums  []domain.CachedAlbum
}

func newFakeCache() *fakeCache {
	return &fakeCache{meta: make(map[domain.CacheKey]domain.AlbumMetadata)}
}

func (f *fakeCache) put(sourceURL string, meta domain.AlbumMetadata) domain.CacheKey {
	key := domain.Fingerprint(sourceURL)
	f.mu.Lock()
	f.meta[key] = meta
	f.mu.Unlock()
	return key
}

func (f *fakeCache) AlbumDir(key domain.CacheKey) string {
	return "/cache/" + string(key)
}

func (f *fakeCache) TrackPath(key domain.CacheKey, index int) string {
	return fmt.Sprintf("/cache/%s/%02d.mp3", key, index+1)
}

func (f *fakeCache) TrackCached(key domain.CacheKey, index int) bool {
	_, ok := f.meta[key]
	return ok
}

func (f *fakeCache) ReadMetadata(key domain.CacheKey) (domain.AlbumMetadata, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meta[key]
	return m, ok
}

func (f *fakeCache) Stats() domain.CacheStats    { return f.stats }
func (f *fakeCache) Albums() []domain.CachedAlbum { return f.albums }

func (f *fakeCache) DeleteAlbum(key domain.CacheKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.meta, key)
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeCache) Clear() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.meta)
	f.meta = make(map[domain.CacheKey]domain.AlbumMetadata)
	return n
}

// fakeCoordinator answers encode requests instantly.
type fakeCoordinator struct {
	mu        sync.Mutex
	albums    []string
	firsts    []string
	continues []string
	status    map[string]domain.EncodingStatus
	cache     *fakeCache
	encodeErr error
}

func newFakeCoordinator(cache *fakeCache) *fakeCoordinator {
	return &fakeCoordinator{status: make(map[string]domain.EncodingStatus), cache: cache}
}

func metaFor(req ports.EncodeRequest) domain.AlbumMetadata {
	meta := domain.AlbumMetadata{SourceURL: req.SourceURL, Title: req.Episode}
	for i, t := range req.Tracks {
		meta.Tracks = append(meta.Tracks, domain.TrackMeta{
			Index:           i,
			Name:            t.Name,
			DurationSeconds: t.Duration,
			Filename:        fmt.Sprintf("%02d.mp3", i+1),
		})
	}
	return meta
}

func (f *fakeCoordinator) EncodeAlbum(ctx context.Context, req ports.EncodeRequest) (domain.AlbumMetadata, error) {
	f.mu.Lock()
	f.albums = append(f.albums, req.SourceURL)
	f.mu.Unlock()
	if f.encodeErr != nil {
		return domain.AlbumMetadata{}, f.encodeErr
	}
	meta := metaFor(req)
	if f.cache != nil {
		f.cache.put(req.SourceURL, meta)
	}
	return meta, nil
}

func (f *fakeCoordinator) EncodeFirstTrack(ctx context.Context, req ports.EncodeRequest) (string, error) {
	f.mu.Lock()
	f.firsts = append(f.firsts, req.SourceURL)
	f.mu.Unlock()
	if f.encodeErr != nil {
		return "", f.encodeErr
	}
	return "/cache/" + string(domain.Fingerprint(req.SourceURL)) + "/01.mp3", nil
}

func (f *fakeCoordinator) ContinueRemaining(ctx context.Context, req ports.EncodeRequest, sink ports.TrackSink, trackURL func(index int) string) error {
	f.mu.Lock()
	f.continues = append(f.continues, req.SourceURL)
	f.mu.Unlock()
	if f.cache != nil {
		f.cache.put(req.SourceURL, metaFor(req))
	}
	return nil
}

func (f *fakeCoordinator) ConcatenatedPath(ctx context.Context, sourceURL string) (string, error) {
	return "/cache/" + string(domain.Fingerprint(sourceURL)) + "/full.mp3", nil
}

func (f *fakeCoordinator) Status(sourceURL string) domain.EncodingStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.status[sourceURL]; ok {
		return s
	}
	if f.cache != nil {
		if _, ok := f.cache.ReadMetadata(domain.Fingerprint(sourceURL)); ok {
			return domain.EncodingStatus{State: domain.EncodeCached}
		}
	}
	return domain.EncodingStatus{State: domain.EncodeUnknown}
}

func (f *fakeCoordinator) ActiveStatuses() []domain.EncodingStatus { return nil }

func (f *fakeCoordinator) SetStatus(sourceURL string, state domain.EncodingState, progress float64, totalTracks int) {
	f.mu.Lock()
	f.status[sourceURL] = domain.EncodingStatus{State: state, Progress: progress, TotalTracks: totalTracks}
	f.mu.Unlock()
}

// fakeCard simulates a reader's SD explorer. Verifications are consumed
// in order; the last one sticks.
type fakeCard struct {
	mu            sync.Mutex
	calls         []string
	verifications []domain.UploadVerification
	files         map[string]int64
	tagID         string
	playErr       error
}

func newFakeCard() *fakeCard {
	return &fakeCard{files: make(map[string]int64)}
}

func (f *fakeCard) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeCard) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeCard) EnsureDir(ctx context.Context, ip, dirPath string) {
	f.record("ensure " + dirPath)
}

func (f *fakeCard) DeleteFile(ctx context.Context, ip, filePath string) error {
	f.record("delete " + filePath)
	return nil
}

func (f *fakeCard) FileSize(ctx context.Context, ip, filePath string) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	size, ok := f.files[filePath]
	return size, ok
}

func (f *fakeCard) VerifyUpload(ctx context.Context, ip, folderPath, uidMapPath string) domain.UploadVerification {
	f.record("verify " + folderPath)
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.verifications) == 0 {
		return domain.UploadVerification{}
	}
	v := f.verifications[0]
	if len(f.verifications) > 1 {
		f.verifications = f.verifications[1:]
	}
	return v
}

func (f *fakeCard) SetRFIDMapping(ctx context.Context, ip, tagID, folderPath string, playMode int) error {
	f.record(fmt.Sprintf("rfid %s %s %d", tagID, folderPath, playMode))
	return nil
}

func (f *fakeCard) PushCacheProgress(ctx context.Context, ip string, percent int) error {
	return nil
}

func (f *fakeCard) CurrentTagID(ctx context.Context, ip string) (string, error) {
	return f.tagID, nil
}

func (f *fakeCard) PlaySD(ctx context.Context, ip, folderPath string) error {
	f.record("playsd " + folderPath)
	return f.playErr
}

// fakeUploader accepts every job without touching the network.
type fakeUploader struct {
	mu        sync.Mutex
	jobs      []domain.UploadJob
	cancelled []string
	err       error
}

func (f *fakeUploader) Upload(ctx context.Context, job domain.UploadJob) error {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	f.mu.Unlock()
	return f.err
}

func (f *fakeUploader) Cancel(ip string) {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, ip)
	f.mu.Unlock()
}

func (f *fakeUploader) Busy(ip string) bool { return false }

func (f *fakeUploader) Statuses() []domain.UploadStatus { return nil }

func (f *fakeUploader) Jobs() []domain.UploadJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.UploadJob, len(f.jobs))
	copy(out, f.jobs)
	return out
}

// fakeContent serves a fixed tag index.
type fakeContent struct {
	tags    map[domain.TagUID]domain.Tag
	findErr error
}

func (f *fakeContent) CheckConnection(ctx context.Context) bool { return true }

func (f *fakeContent) FindTagByUID(ctx context.Context, uid domain.TagUID) (domain.Tag, error) {
	if f.findErr != nil {
		return domain.Tag{}, f.findErr
	}
	tag, ok := f.tags[uid]
	if !ok {
		return domain.Tag{}, domain.ErrNotFound
	}
	return tag, nil
}

func (f *fakeContent) TagIndex(ctx context.Context) ([]domain.Tag, error) {
	out := make([]domain.Tag, 0, len(f.tags))
	for _, t := range f.tags {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeContent) Catalog(ctx context.Context) ([]map[string]any, error) { return nil, nil }
func (f *fakeContent) Boxes(ctx context.Context) ([]map[string]any, error)   { return nil, nil }
func (f *fakeContent) LibraryFiles(ctx context.Context) ([]ports.LibraryFile, error) {
	return nil, nil
}

func (f *fakeContent) AudioURL(uid domain.TagUID) string {
	return "http://content/v1/content?uid=" + string(uid)
}

func (f *fakeContent) BaseURL() string { return "http://content" }

func newStreams(t *testing.T, settings DeviceSettings) *Streams {
	t.Helper()
	s, err := NewStreams(settings, &memReaderStore{}, testLogger())
	if err != nil {
		t.Fatalf("NewStreams: %v", err)
	}
	return s
}
