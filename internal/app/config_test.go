package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()
	if cfg.HTTPAddr != ":8754" {
		t.Fatalf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.AudioCacheMaxMB != 500 {
		t.Fatalf("AudioCacheMaxMB = %d", cfg.AudioCacheMaxMB)
	}
	if cfg.UploadActiveKbps != 200 || cfg.UploadIdleKbps != 0 {
		t.Fatalf("upload throttle defaults = %d/%d", cfg.UploadActiveKbps, cfg.UploadIdleKbps)
	}
	if !cfg.ESPuinoEnabled {
		t.Fatalf("ESPuinoEnabled default should be true")
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9000")
	t.Setenv("AUDIO_CACHE_MAX_MB", "1024")
	t.Setenv("ESPUINO_ENABLED", "false")
	t.Setenv("CORS_ALLOWED_ORIGINS", "http://a.local, http://b.local")

	cfg := LoadConfig()
	if cfg.HTTPAddr != ":9000" {
		t.Fatalf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.AudioCacheMaxMB != 1024 {
		t.Fatalf("AudioCacheMaxMB = %d", cfg.AudioCacheMaxMB)
	}
	if cfg.ESPuinoEnabled {
		t.Fatalf("ESPUINO_ENABLED=false ignored")
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "http://b.local" {
		t.Fatalf("CORS origins = %v", cfg.CORSAllowedOrigins)
	}
}

func TestLoadConfigRejectsBadNumbers(t *testing.T) {
	t.Setenv("AUDIO_CACHE_MAX_MB", "lots")
	t.Setenv("TEDDYCLOUD_TIMEOUT", "-5")

	cfg := LoadConfig()
	if cfg.AudioCacheMaxMB != 500 {
		t.Fatalf("bad value not rejected: %d", cfg.AudioCacheMaxMB)
	}
	if cfg.ContentTimeoutSec != 30 {
		t.Fatalf("negative value not rejected: %d", cfg.ContentTimeoutSec)
	}
}

func TestLogBufferRecent(t *testing.T) {
	buf := NewLogBuffer(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	logger := slog.New(buf)

	logger.Info("first")
	logger.Warn("second")
	logger.Error("third")

	recent := buf.Recent("", 10)
	if len(recent) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(recent))
	}
	if recent[0].Message != "third" || recent[2].Message != "first" {
		t.Fatalf("entries not newest first: %+v", recent)
	}

	errs := buf.Recent("ERROR", 10)
	if len(errs) != 1 || errs[0].Message != "third" {
		t.Fatalf("level filter failed: %+v", errs)
	}

	limited := buf.Recent("", 2)
	if len(limited) != 2 || limited[0].Message != "third" {
		t.Fatalf("limit failed: %+v", limited)
	}
}

func TestLogBufferDerivedHandlersShareRing(t *testing.T) {
	buf := NewLogBuffer(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	child := slog.New(buf).With(slog.String("component", "uploader"))

	child.Info("from child")
	if recent := buf.Recent("", 1); len(recent) != 1 || recent[0].Message != "from child" {
		t.Fatalf("derived handler bypassed ring: %+v", recent)
	}
	if !buf.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatalf("Enabled should follow wrapped handler")
	}
}
