package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	apihttp "toniebridge/internal/api/http"
	"toniebridge/internal/app"
	"toniebridge/internal/domain"
	"toniebridge/internal/domain/ports"
	"toniebridge/internal/metrics"
	"toniebridge/internal/repository/file"
	"toniebridge/internal/services/content/teddycloud"
	"toniebridge/internal/services/device"
	"toniebridge/internal/services/device/airplay"
	"toniebridge/internal/services/device/cast"
	"toniebridge/internal/services/device/espuino"
	"toniebridge/internal/services/device/sonos"
	"toniebridge/internal/telemetry"
	"toniebridge/internal/transcode"
	"toniebridge/internal/usecase"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	cfg := app.LoadConfig()
	logBuffer, logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), "toniebridge")
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", "toniebridge"),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.String("configDir", cfg.ConfigDir),
		slog.String("cacheDir", cfg.CacheDir),
		slog.String("contentURL", cfg.ContentURL),
		slog.Bool("espuino", cfg.ESPuinoEnabled),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := file.NewStore(cfg.ConfigDir)
	if err != nil {
		logger.Error("config store init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	settings, err := app.NewSettingsManager(cfg, store, logger)
	if err != nil {
		logger.Error("settings init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	prefs, err := app.NewPreferencesManager(store)
	if err != nil {
		logger.Error("preferences init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	current := settings.Current()
	content := teddycloud.New(current.ContentURL, current.ContentAPIBase, logger,
		teddycloud.WithInternalURL(current.ContentInternalURL),
		teddycloud.WithTimeout(time.Duration(current.ContentTimeoutSec)*time.Second),
	)

	albumCache, err := transcode.NewCache(cfg.CacheDir, func() int64 {
		return settings.Current().AudioCacheMaxMB * 1024 * 1024
	}, logger)
	if err != nil {
		logger.Error("audio cache init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	encoder := transcode.NewEncoder(cfg.FFMPEGPath, logger)
	prober := transcode.NewProber(cfg.FFProbePath)
	coordinator := transcode.NewCoordinator(albumCache, encoder, prober, logger)

	streams, err := usecase.NewStreams(settings, store, logger)
	if err != nil {
		logger.Error("stream state init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	espClient := espuino.New(logger)
	uploader := espuino.NewUploader(espClient, logger, func() int {
		// Throttle harder while any physical reader is streaming.
		for _, v := range streams.Snapshot() {
			if !domain.IsVirtualReader(v.ReaderIP) {
				return cfg.UploadActiveKbps
			}
		}
		return cfg.UploadIdleKbps
	})

	registry, err := device.NewRegistry(store, logger, map[domain.DeviceKind]ports.Discoverer{
		domain.DeviceSonos:   sonos.NewDiscoverer(logger),
		domain.DeviceCast:    device.NewCastDiscoverer(logger),
		domain.DeviceAirPlay: device.NewAirPlayDiscoverer(logger),
	})
	if err != nil {
		logger.Error("device registry init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	dispatcher := device.NewDispatcher(logger)
	if cfg.ESPuinoEnabled {
		dispatcher.Register(domain.DeviceESPuino, espuino.NewController(espClient))
	}
	dispatcher.Register(domain.DeviceSonos, sonos.New(logger, registry.SonosIP))
	dispatcher.Register(domain.DeviceCast, cast.New(logger, registry.CastAddress))
	dispatcher.Register(domain.DeviceAirPlay, airplay.New(logger))

	mirror, err := usecase.NewSDMirror(espClient, uploader, store, coordinator, albumCache, logger)
	if err != nil {
		logger.Error("upload queue init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	tasks := usecase.NewSupervisor(logger)
	urls := usecase.NewURLBuilder(settings)

	scanUC := usecase.PlayTag{
		Resolve: usecase.ResolveTag{Content: content, Logger: logger},
		Streams: streams,
		Devices: dispatcher,
		Encoder: coordinator,
		Cache:   albumCache,
		Card:    espClient,
		Mirror:  mirror,
		URLs:    urls,
		Tasks:   tasks,
		Logger:  logger,
	}
	controlUC := usecase.Control{Streams: streams, Devices: dispatcher, Logger: logger}

	diskGuard := &usecase.DiskPressure{
		Cache:    albumCache,
		Logger:   logger,
		CacheDir: cfg.CacheDir,
	}
	prefetch := &usecase.Prefetch{
		Content: content,
		Encoder: coordinator,
		Cache:   albumCache,
		Guard:   diskGuard,
		Tasks:   tasks,
		Logger:  logger,
	}

	handler := apihttp.NewServer(scanUC,
		apihttp.WithControl(controlUC),
		apihttp.WithStreams(streams),
		apihttp.WithMirror(mirror),
		apihttp.WithEncoder(coordinator),
		apihttp.WithAlbumCache(albumCache),
		apihttp.WithContent(content),
		apihttp.WithRegistry(registry),
		apihttp.WithSettings(settings),
		apihttp.WithPreferences(prefs),
		apihttp.WithPrefetch(prefetch),
		apihttp.WithLogBuffer(logBuffer),
		apihttp.WithURLBuilder(urls),
		apihttp.WithTasks(tasks),
		apihttp.WithVersion(version),
		apihttp.WithAllowedOrigins(cfg.CORSAllowedOrigins),
		apihttp.WithLogger(logger),
	)

	tasks.Go("disk pressure", diskGuard.Run)
	tasks.Go("status broadcast", func(ctx context.Context) {
		broadcast := usecase.StatusBroadcast{
			Streams: streams,
			Mirror:  mirror,
			Encoder: coordinator,
			Cache:   albumCache,
			Notify:  handler.Broadcast,
			Logger:  logger,
		}
		broadcast.Run(ctx)
	})
	if cfg.ESPuinoEnabled {
		liveness := usecase.Liveness{Streams: streams, Card: espClient, Logger: logger}
		tasks.Go("reader liveness", liveness.Run)
	}
	tasks.Go("device discovery", func(ctx context.Context) {
		registry.Refresh(ctx)
	})
	// Resume mirrors interrupted by the last shutdown.
	for _, pending := range mirror.Pending() {
		ip := pending.ReaderIP
		tasks.Go("resume upload "+ip, func(ctx context.Context) {
			_ = mirror.ResumeFor(ctx, ip)
		})
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("server started", slog.String("addr", cfg.HTTPAddr))

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	handler.Close()
	if err := tasks.Shutdown(shutdownCtx); err != nil {
		logger.Warn("background task shutdown timed out", slog.String("error", err.Error()))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", slog.String("error", err.Error()))
	}

	logger.Info("server stopped")
}

// newLogger builds the slog chain: level/format from env, every record
// teed into the ring buffer behind /api/logs.
func newLogger(levelRaw, formatRaw string) (*app.LogBuffer, *slog.Logger) {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}

	var inner slog.Handler
	if strings.ToLower(strings.TrimSpace(formatRaw)) == "json" {
		inner = slog.NewJSONHandler(os.Stdout, options)
	} else {
		inner = slog.NewTextHandler(os.Stdout, options)
	}
	buffer := app.NewLogBuffer(inner)
	return buffer, slog.New(buffer)
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
