package apihttp

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"toniebridge/internal/app"
	"toniebridge/internal/domain/ports"
	"toniebridge/internal/usecase"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ScanUseCase handles tag placement and removal events.
type ScanUseCase interface {
	Execute(ctx context.Context, in usecase.ScanInput) (usecase.ScanResult, error)
}

// ControlUseCase applies transport commands to a reader's stream.
type ControlUseCase interface {
	Position(ctx context.Context, readerIP string) (float64, error)
	Pause(ctx context.Context, readerIP string) error
	Resume(ctx context.Context, readerIP string) error
	Stop(ctx context.Context, readerIP string) error
	Seek(ctx context.Context, readerIP string, position float64) error
	Apply(ctx context.Context, readerIP, action string) error
}

// PrefetchController runs and reports cache warm-up.
type PrefetchController interface {
	Start(ctx context.Context) (usecase.PrefetchStatus, error)
	Status() usecase.PrefetchStatus
}

type Server struct {
	scan       ScanUseCase
	control    ControlUseCase
	streams    *usecase.Streams
	mirror     *usecase.SDMirror
	encoder    ports.Coordinator
	albumCache ports.AlbumCache
	content    ports.ContentSource
	registry   DeviceRegistry
	settings   *app.SettingsManager
	prefs      *app.PreferencesManager
	prefetch   PrefetchController
	logs       *app.LogBuffer
	urls       usecase.URLBuilder
	tasks      *usecase.Supervisor
	version    string
	logger     *slog.Logger
	handler    http.Handler
	wsHub      *wsHub

	allowedOrigins []string
}

type ServerOption func(*Server)

func WithControl(uc ControlUseCase) ServerOption {
	return func(s *Server) { s.control = uc }
}

func WithStreams(streams *usecase.Streams) ServerOption {
	return func(s *Server) { s.streams = streams }
}

func WithMirror(mirror *usecase.SDMirror) ServerOption {
	return func(s *Server) { s.mirror = mirror }
}

func WithEncoder(encoder ports.Coordinator) ServerOption {
	return func(s *Server) { s.encoder = encoder }
}

func WithAlbumCache(cache ports.AlbumCache) ServerOption {
	return func(s *Server) { s.albumCache = cache }
}

func WithContent(content ports.ContentSource) ServerOption {
	return func(s *Server) { s.content = content }
}

func WithRegistry(registry DeviceRegistry) ServerOption {
	return func(s *Server) { s.registry = registry }
}

func WithSettings(settings *app.SettingsManager) ServerOption {
	return func(s *Server) { s.settings = settings }
}

func WithPreferences(prefs *app.PreferencesManager) ServerOption {
	return func(s *Server) { s.prefs = prefs }
}

func WithPrefetch(prefetch PrefetchController) ServerOption {
	return func(s *Server) { s.prefetch = prefetch }
}

func WithLogBuffer(logs *app.LogBuffer) ServerOption {
	return func(s *Server) { s.logs = logs }
}

func WithURLBuilder(urls usecase.URLBuilder) ServerOption {
	return func(s *Server) { s.urls = urls }
}

func WithTasks(tasks *usecase.Supervisor) ServerOption {
	return func(s *Server) { s.tasks = tasks }
}

func WithVersion(version string) ServerOption {
	return func(s *Server) { s.version = version }
}

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) { s.allowedOrigins = origins }
}

func NewServer(scan ScanUseCase, opts ...ServerOption) *Server {
	s := &Server{
		scan:    scan,
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.wsHub = newWSHub(s.logger)
	go s.wsHub.run()

	mux := http.NewServeMux()
	mux.HandleFunc("/tonie", s.handleScan)
	mux.HandleFunc("/current", s.handleCurrent)
	mux.HandleFunc("/streams", s.handleStreams)
	mux.HandleFunc("/scans", s.handleScans)
	mux.HandleFunc("/control", s.handleControl)
	mux.HandleFunc("/playback/tonie", s.handlePlaybackTonie)
	mux.HandleFunc("/playback/url", s.handlePlaybackURL)

	mux.HandleFunc("/tonies", s.handleTonies)
	mux.HandleFunc("/tags", s.handleTags)
	mux.HandleFunc("/library", s.handleLibrary)
	mux.HandleFunc("/tonieboxes", s.handleBoxes)

	mux.HandleFunc("/transcode", s.handleTranscode)
	mux.HandleFunc("/transcode.mp3", s.handleTranscode)
	mux.HandleFunc("/tracks/", s.handleTracks)
	mux.HandleFunc("/playlist/", s.handlePlaylist)

	mux.HandleFunc("/cache", s.handleCache)
	mux.HandleFunc("/cache/prefetch", s.handlePrefetch)
	mux.HandleFunc("/cache/", s.handleCacheByUID)

	mux.HandleFunc("/uploads", s.handleUploads)
	mux.HandleFunc("/uploads/pending", s.handleUploadsPending)
	mux.HandleFunc("/uploads/wipe", s.handleUploadsWipe)
	mux.HandleFunc("/uploads/retry", s.handleUploadsRetry)

	mux.HandleFunc("/readers", s.handleReaders)
	mux.HandleFunc("/readers/", s.handleReaderByIP)

	mux.HandleFunc("/devices", s.handleDevices)
	mux.HandleFunc("/devices/discover", s.handleDevicesDiscover)
	mux.HandleFunc("/devices/default", s.handleDefaultDevice)
	mux.HandleFunc("/devices/current", s.handleCurrentDevice)
	mux.HandleFunc("/devices/add", s.handleDeviceAdd)
	mux.HandleFunc("/devices/", s.handleDeviceByPath)
	mux.HandleFunc("/api/devices", s.handleDevices)

	mux.HandleFunc("/settings", s.handleSettings)
	mux.HandleFunc("/preferences", s.handlePreferences)
	mux.HandleFunc("/preferences/", s.handlePreferencesOp)

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/debug", s.handleDebug)
	mux.HandleFunc("/api/features", s.handleFeatures)
	mux.HandleFunc("/api/logs", s.handleLogs)
	mux.HandleFunc("/proxy/image", s.handleImageProxy)

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.handleWS)

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "toniebridge",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/health" && !strings.HasPrefix(p, "/tracks/")
		}),
	)
	s.handler = recoveryMiddleware(s.logger, rateLimitMiddleware(100, 200, metricsMiddleware(corsMiddleware(s.allowedOrigins, traced))))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.wsHub == nil {
		http.Error(w, "websocket not available", http.StatusServiceUnavailable)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := &wsClient{
		hub:  s.wsHub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	s.wsHub.register <- client
	go client.writePump()
	go client.readPump()
}

// Broadcast pushes a typed event to all websocket clients. Wired as the
// Notify sink of the status broadcaster.
func (s *Server) Broadcast(event string, data any) {
	if s.wsHub != nil {
		s.wsHub.Broadcast(event, data)
	}
}

// Close shuts down the WebSocket hub, disconnecting all clients.
func (s *Server) Close() {
	if s.wsHub != nil {
		s.wsHub.Close()
	}
}
