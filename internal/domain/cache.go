package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// CacheKey is the album fingerprint: the first 16 hex chars of the
// SHA-256 of the source URL. It names the cache directory for a source.
type CacheKey string

// Fingerprint derives the cache key for a source URL.
func Fingerprint(sourceURL string) CacheKey {
	sum := sha256.Sum256([]byte(sourceURL))
	return CacheKey(hex.EncodeToString(sum[:])[:16])
}

// TrackMeta describes one encoded track inside a cached album.
type TrackMeta struct {
	Index           int     `json:"index"`
	Name            string  `json:"name"`
	StartSeconds    float64 `json:"start_seconds"`
	DurationSeconds float64 `json:"duration_seconds"`
	Filename        string  `json:"filename"`
}

// AlbumMetadata is the metadata.json document written into a cache
// directory after every track has been encoded. Its presence on disk is
// the sole signal that an album is fully cached.
type AlbumMetadata struct {
	Title         string      `json:"title"`
	Artist        string      `json:"artist"`
	Album         string      `json:"album"`
	Year          string      `json:"year"`
	TotalDuration float64     `json:"total_duration"`
	SourceURL     string      `json:"source_url"`
	Tracks        []TrackMeta `json:"tracks"`
}

// Validate checks album invariants.
func (m AlbumMetadata) Validate() error {
	if m.SourceURL == "" {
		return errors.New("source url is required")
	}
	if len(m.Tracks) == 0 {
		return errors.New("album must contain at least one track")
	}
	for i, t := range m.Tracks {
		if t.Index != i {
			return errors.New("track indexes must be dense and zero-based")
		}
	}
	return nil
}

// EncodingState is the lifecycle state of an album encode.
type EncodingState string

const (
	EncodeUnknown EncodingState = "unknown"
	EncodePartial EncodingState = "partial"
	EncodeRunning EncodingState = "encoding"
	EncodeReady   EncodingState = "ready"
	EncodeCached  EncodingState = "cached"
	EncodeError   EncodingState = "error"
)

// EncodingStatus is a live progress snapshot for one album.
type EncodingStatus struct {
	Key          CacheKey      `json:"key"`
	State        EncodingState `json:"status"`
	Progress     float64       `json:"progress"`
	CurrentTrack int           `json:"current_track"`
	TotalTracks  int           `json:"total_tracks"`
	Error        string        `json:"error,omitempty"`
	StartedAt    time.Time     `json:"started_at,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at,omitempty"`
}

// Stuck reports whether a running encode has not progressed within the
// given window and should be treated as dead.
func (s EncodingStatus) Stuck(now time.Time, window time.Duration) bool {
	if s.State != EncodeRunning {
		return false
	}
	ref := s.UpdatedAt
	if ref.IsZero() {
		ref = s.StartedAt
	}
	if ref.IsZero() {
		return false
	}
	return now.Sub(ref) > window
}

// CacheStats summarizes the on-disk album cache.
type CacheStats struct {
	TotalSizeMB float64 `json:"total_size_mb"`
	MaxSizeMB   int64   `json:"max_size_mb"`
	FileCount   int     `json:"file_count"`
	AlbumCount  int     `json:"album_count"`
}

// CachedAlbum is a summary row for cache listings.
type CachedAlbum struct {
	Key     CacheKey `json:"cache_key"`
	Series  string   `json:"series"`
	Episode string   `json:"episode"`
	Tracks  int      `json:"tracks"`
	Files   int      `json:"files"`
	SizeMB  float64  `json:"size_mb"`
}
