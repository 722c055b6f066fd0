package usecase

import (
	"fmt"
	"net/url"

	"toniebridge/internal/domain"
)

// URLBuilder renders the playback URLs handed to devices and clients.
// Browser clients get server-relative paths; devices need absolute URLs
// on the configured server base.
type URLBuilder struct {
	settings DeviceSettings
}

func NewURLBuilder(settings DeviceSettings) URLBuilder {
	return URLBuilder{settings: settings}
}

func (b URLBuilder) base() string {
	return b.settings.ServerBaseURL()
}

// TranscodeURL is the on-the-fly encode endpoint for a source URL.
func (b URLBuilder) TranscodeURL(audioURL string, relative bool) string {
	p := "/transcode.mp3?url=" + url.QueryEscape(audioURL)
	if relative {
		return p
	}
	return b.base() + p
}

// TrackURL addresses one cached track, 1-indexed.
func (b URLBuilder) TrackURL(key domain.CacheKey, index int) string {
	return fmt.Sprintf("%s/tracks/%s/%02d.mp3", b.base(), key, index)
}

// TrackURLs renders the full album track list.
func (b URLBuilder) TrackURLs(key domain.CacheKey, total int) []string {
	urls := make([]string, 0, total)
	for i := 1; i <= total; i++ {
		urls = append(urls, b.TrackURL(key, i))
	}
	return urls
}

// FullURL addresses the concatenated album file.
func (b URLBuilder) FullURL(key domain.CacheKey) string {
	return fmt.Sprintf("%s/tracks/%s/full.mp3", b.base(), key)
}

// PlaylistURL addresses the m3u playlist for a fully cached album.
func (b URLBuilder) PlaylistURL(key domain.CacheKey) string {
	return fmt.Sprintf("%s/playlist/%s.m3u", b.base(), key)
}
