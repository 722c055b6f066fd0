package app

import (
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr           string
	LogLevel           string
	LogFormat          string
	ConfigDir          string
	CacheDir           string
	ContentURL         string
	ContentInternalURL string
	ContentAPIBase     string
	ContentTimeoutSec  int
	ServerURL          string
	AudioCacheMaxMB    int64
	FFMPEGPath         string
	FFProbePath        string
	ESPuinoEnabled     bool
	UploadActiveKbps   int // throttle while the reader is streaming
	UploadIdleKbps     int // 0 = unlimited
	CORSAllowedOrigins []string
}

func LoadConfig() Config {
	// Optional .env next to the binary; real env always wins.
	_ = godotenv.Load()

	return Config{
		HTTPAddr:           getEnv("HTTP_ADDR", ":8754"),
		LogLevel:           strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(getEnv("LOG_FORMAT", "text")),
		ConfigDir:          getEnv("CONFIG_DIR", "/app/config"),
		CacheDir:           getEnv("AUDIO_CACHE_DIR", "/app/audio_cache"),
		ContentURL:         getEnv("TEDDYCLOUD_URL", "http://localhost:80"),
		ContentInternalURL: getEnv("TEDDYCLOUD_INTERNAL_URL", ""),
		ContentAPIBase:     getEnv("TEDDYCLOUD_API_BASE", "/api"),
		ContentTimeoutSec:  int(getEnvInt64("TEDDYCLOUD_TIMEOUT", 30)),
		ServerURL:          getEnv("SERVER_URL", ""),
		AudioCacheMaxMB:    getEnvInt64("AUDIO_CACHE_MAX_MB", 500),
		FFMPEGPath:         getEnv("FFMPEG_PATH", "ffmpeg"),
		FFProbePath:        getEnv("FFPROBE_PATH", "ffprobe"),
		ESPuinoEnabled:     getEnvBool("ESPUINO_ENABLED", true),
		UploadActiveKbps:   int(getEnvInt64("ESPUINO_UPLOAD_MAX_KBPS_ACTIVE", 200)),
		UploadIdleKbps:     int(getEnvInt64("ESPUINO_UPLOAD_MAX_KBPS_IDLE", 0)),
		CORSAllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	if parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch value {
	case "":
		return fallback
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// LocalIP detects the interface address used for outbound traffic. The
// UDP dial sends nothing; it only selects a route.
func LocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "localhost"
}
