package apihttp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"toniebridge/internal/app"
	"toniebridge/internal/domain"
	"toniebridge/internal/domain/ports"
	"toniebridge/internal/usecase"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeScan records inputs and plays back a fixed result.
type fakeScan struct {
	mu     sync.Mutex
	inputs []usecase.ScanInput
	result usecase.ScanResult
	err    error
}

func (f *fakeScan) Execute(ctx context.Context, in usecase.ScanInput) (usecase.ScanResult, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, in)
	f.mu.Unlock()
	return f.result, f.err
}

func (f *fakeScan) last(t *testing.T) usecase.ScanInput {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inputs) == 0 {
		t.Fatalf("scan use case never called")
	}
	return f.inputs[len(f.inputs)-1]
}

// fakeControl records transport commands.
type fakeControl struct {
	mu       sync.Mutex
	calls    []string
	position float64
	err      error
}

func (f *fakeControl) record(call string) error {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	return f.err
}

func (f *fakeControl) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeControl) Position(ctx context.Context, readerIP string) (float64, error) {
	f.record("position " + readerIP)
	return f.position, f.err
}

func (f *fakeControl) Pause(ctx context.Context, readerIP string) error {
	return f.record("pause " + readerIP)
}

func (f *fakeControl) Resume(ctx context.Context, readerIP string) error {
	return f.record("resume " + readerIP)
}

func (f *fakeControl) Stop(ctx context.Context, readerIP string) error {
	return f.record("stop " + readerIP)
}

func (f *fakeControl) Seek(ctx context.Context, readerIP string, position float64) error {
	return f.record(fmt.Sprintf("seek %s %.0f", readerIP, position))
}

func (f *fakeControl) Apply(ctx context.Context, readerIP, action string) error {
	return f.record("apply " + readerIP + " " + action)
}

// fakeRegistry is an in-memory DeviceRegistry.
type fakeRegistry struct {
	mu      sync.Mutex
	devices []domain.DeviceInfo
}

func (f *fakeRegistry) Devices() []domain.DeviceInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.DeviceInfo, len(f.devices))
	copy(out, f.devices)
	return out
}

func (f *fakeRegistry) Refresh(ctx context.Context) []domain.DeviceInfo {
	return f.Devices()
}

func (f *fakeRegistry) AddManual(info domain.DeviceInfo) error {
	if err := (domain.DeviceRef{Kind: info.Kind, ID: info.ID}).Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	f.devices = append(f.devices, info)
	f.mu.Unlock()
	return nil
}

func (f *fakeRegistry) Remove(kind domain.DeviceKind, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, d := range f.devices {
		if d.Kind == kind && d.ID == id {
			f.devices = append(f.devices[:i], f.devices[i+1:]...)
			return nil
		}
	}
	return domain.ErrNotFound
}

// fakeAlbumCache serves real files from a temp directory so range
// requests exercise actual IO.
type fakeAlbumCache struct {
	dir  string
	mu   sync.Mutex
	meta map[domain.CacheKey]domain.AlbumMetadata
}

func newFakeAlbumCache(t *testing.T) *fakeAlbumCache {
	t.Helper()
	return &fakeAlbumCache{dir: t.TempDir(), meta: make(map[domain.CacheKey]domain.AlbumMetadata)}
}

func (f *fakeAlbumCache) AlbumDir(key domain.CacheKey) string {
	return filepath.Join(f.dir, string(key))
}

func (f *fakeAlbumCache) TrackPath(key domain.CacheKey, index int) string {
	return filepath.Join(f.AlbumDir(key), fmt.Sprintf("%02d.mp3", index+1))
}

func (f *fakeAlbumCache) TrackCached(key domain.CacheKey, index int) bool {
	_, err := os.Stat(f.TrackPath(key, index))
	return err == nil
}

func (f *fakeAlbumCache) ReadMetadata(key domain.CacheKey) (domain.AlbumMetadata, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meta[key]
	return m, ok
}

func (f *fakeAlbumCache) Stats() domain.CacheStats     { return domain.CacheStats{} }
func (f *fakeAlbumCache) Albums() []domain.CachedAlbum { return nil }

func (f *fakeAlbumCache) DeleteAlbum(key domain.CacheKey) error {
	f.mu.Lock()
	delete(f.meta, key)
	f.mu.Unlock()
	return os.RemoveAll(f.AlbumDir(key))
}

func (f *fakeAlbumCache) Clear() int {
	f.mu.Lock()
	n := len(f.meta)
	f.meta = make(map[domain.CacheKey]domain.AlbumMetadata)
	f.mu.Unlock()
	return n
}

// writeAlbum materializes a cached album with real track files.
func (f *fakeAlbumCache) writeAlbum(t *testing.T, sourceURL string, tracks ...string) domain.CacheKey {
	t.Helper()
	key := domain.Fingerprint(sourceURL)
	if err := os.MkdirAll(f.AlbumDir(key), 0o755); err != nil {
		t.Fatalf("mkdir album: %v", err)
	}
	meta := domain.AlbumMetadata{SourceURL: sourceURL, Title: "Test Album"}
	for i, name := range tracks {
		content := fmt.Sprintf("track-%02d-audio-bytes", i+1)
		if err := os.WriteFile(f.TrackPath(key, i), []byte(content), 0o644); err != nil {
			t.Fatalf("write track: %v", err)
		}
		meta.Tracks = append(meta.Tracks, domain.TrackMeta{
			Index:           i,
			Name:            name,
			DurationSeconds: 60,
			Filename:        fmt.Sprintf("%02d.mp3", i+1),
		})
	}
	f.mu.Lock()
	f.meta[key] = meta
	f.mu.Unlock()
	return key
}

// stubCoordinator satisfies ports.Coordinator for handlers that never
// run a real encode. Tests that serve a concatenated album set
// concatPath to a file the handler can stream.
type stubCoordinator struct {
	concatPath string
}

func (*stubCoordinator) EncodeAlbum(ctx context.Context, req ports.EncodeRequest) (domain.AlbumMetadata, error) {
	return domain.AlbumMetadata{}, fmt.Errorf("no encoder in test")
}

func (*stubCoordinator) EncodeFirstTrack(ctx context.Context, req ports.EncodeRequest) (string, error) {
	return "", fmt.Errorf("no encoder in test")
}

func (*stubCoordinator) ContinueRemaining(ctx context.Context, req ports.EncodeRequest, sink ports.TrackSink, trackURL func(int) string) error {
	return nil
}

func (s *stubCoordinator) ConcatenatedPath(ctx context.Context, sourceURL string) (string, error) {
	if s.concatPath != "" {
		return s.concatPath, nil
	}
	return "", fmt.Errorf("no encoder in test")
}

func (*stubCoordinator) Status(sourceURL string) domain.EncodingStatus {
	return domain.EncodingStatus{State: domain.EncodeUnknown}
}

func (*stubCoordinator) ActiveStatuses() []domain.EncodingStatus { return nil }

func (*stubCoordinator) SetStatus(sourceURL string, state domain.EncodingState, progress float64, totalTracks int) {
}

type stubContent struct{}

func (stubContent) CheckConnection(ctx context.Context) bool { return true }
func (stubContent) FindTagByUID(ctx context.Context, uid domain.TagUID) (domain.Tag, error) {
	return domain.Tag{}, domain.ErrNotFound
}
func (stubContent) TagIndex(ctx context.Context) ([]domain.Tag, error)       { return nil, nil }
func (stubContent) Catalog(ctx context.Context) ([]map[string]any, error)    { return nil, nil }
func (stubContent) Boxes(ctx context.Context) ([]map[string]any, error)      { return nil, nil }
func (stubContent) LibraryFiles(ctx context.Context) ([]ports.LibraryFile, error) {
	return nil, nil
}
func (stubContent) AudioURL(uid domain.TagUID) string {
	return "http://content/v1/content?uid=" + string(uid)
}
func (stubContent) BaseURL() string { return "http://content" }

type stubCard struct{}

func (stubCard) EnsureDir(ctx context.Context, ip, dirPath string)       {}
func (stubCard) DeleteFile(ctx context.Context, ip, filePath string) error { return nil }
func (stubCard) FileSize(ctx context.Context, ip, filePath string) (int64, bool) {
	return 0, false
}
func (stubCard) VerifyUpload(ctx context.Context, ip, folderPath, uidMapPath string) domain.UploadVerification {
	return domain.UploadVerification{}
}
func (stubCard) SetRFIDMapping(ctx context.Context, ip, tagID, folderPath string, playMode int) error {
	return nil
}
func (stubCard) PushCacheProgress(ctx context.Context, ip string, percent int) error { return nil }
func (stubCard) CurrentTagID(ctx context.Context, ip string) (string, error)         { return "", nil }
func (stubCard) PlaySD(ctx context.Context, ip, folderPath string) error             { return nil }

type stubUploader struct{}

func (stubUploader) Upload(ctx context.Context, job domain.UploadJob) error { return nil }
func (stubUploader) Cancel(ip string)                                       {}
func (stubUploader) Busy(ip string) bool                                    { return false }
func (stubUploader) Statuses() []domain.UploadStatus                        { return nil }

type memSettingsStore struct {
	mu  sync.Mutex
	doc map[string]any
}

func (s *memSettingsStore) LoadSettings() (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc, nil
}

func (s *memSettingsStore) SaveSettings(doc map[string]any) error {
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	return nil
}

type memPrefsStore struct {
	mu    sync.Mutex
	prefs domain.Preferences
}

func (s *memPrefsStore) LoadPreferences() (domain.Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefs, nil
}

func (s *memPrefsStore) SavePreferences(p domain.Preferences) error {
	s.mu.Lock()
	s.prefs = p
	s.mu.Unlock()
	return nil
}

type memReaderStore struct {
	mu      sync.Mutex
	readers map[string]domain.ReaderInfo
}

func (s *memReaderStore) LoadReaders() (map[string]domain.ReaderInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readers, nil
}

func (s *memReaderStore) SaveReaders(readers map[string]domain.ReaderInfo) error {
	s.mu.Lock()
	s.readers = readers
	s.mu.Unlock()
	return nil
}

type memQueueStore struct {
	mu    sync.Mutex
	queue map[string]domain.PendingUpload
}

func (s *memQueueStore) LoadQueue() (map[string]domain.PendingUpload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue, nil
}

func (s *memQueueStore) SaveQueue(queue map[string]domain.PendingUpload) error {
	s.mu.Lock()
	s.queue = queue
	s.mu.Unlock()
	return nil
}

type testServer struct {
	srv      *Server
	scan     *fakeScan
	control  *fakeControl
	registry *fakeRegistry
	cache    *fakeAlbumCache
	coord    *stubCoordinator
	streams  *usecase.Streams
	mirror   *usecase.SDMirror
	settings *app.SettingsManager
	prefs    *app.PreferencesManager
	tasks    *usecase.Supervisor
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := testLogger()

	settings, err := app.NewSettingsManager(app.Config{
		HTTPAddr:  ":8754",
		ServerURL: "http://server:8754",
	}, &memSettingsStore{}, logger)
	if err != nil {
		t.Fatalf("settings manager: %v", err)
	}
	prefs, err := app.NewPreferencesManager(&memPrefsStore{prefs: domain.DefaultPreferences()})
	if err != nil {
		t.Fatalf("preferences manager: %v", err)
	}
	streams, err := usecase.NewStreams(settings, &memReaderStore{}, logger)
	if err != nil {
		t.Fatalf("streams: %v", err)
	}
	cache := newFakeAlbumCache(t)
	coord := &stubCoordinator{}
	mirror, err := usecase.NewSDMirror(stubCard{}, stubUploader{}, &memQueueStore{}, coord, cache, logger)
	if err != nil {
		t.Fatalf("mirror: %v", err)
	}

	scan := &fakeScan{}
	control := &fakeControl{}
	registry := &fakeRegistry{}
	tasks := usecase.NewSupervisor(logger)
	t.Cleanup(func() { _ = tasks.Shutdown(context.Background()) })

	srv := NewServer(scan,
		WithControl(control),
		WithStreams(streams),
		WithMirror(mirror),
		WithEncoder(coord),
		WithAlbumCache(cache),
		WithContent(stubContent{}),
		WithRegistry(registry),
		WithSettings(settings),
		WithPreferences(prefs),
		WithURLBuilder(usecase.NewURLBuilder(settings)),
		WithTasks(tasks),
		WithVersion("test"),
		WithLogger(logger),
	)
	t.Cleanup(srv.Close)

	return &testServer{
		srv:      srv,
		scan:     scan,
		control:  control,
		registry: registry,
		cache:    cache,
		coord:    coord,
		streams:  streams,
		mirror:   mirror,
		settings: settings,
		prefs:    prefs,
		tasks:    tasks,
	}
}
