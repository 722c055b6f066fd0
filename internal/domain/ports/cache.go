package ports

import "toniebridge/internal/domain"

// AlbumCache is the read and maintenance surface of the on-disk album
// cache used by the orchestration layer. Writing tracks stays with the
// encoding coordinator.
type AlbumCache interface {
	AlbumDir(key domain.CacheKey) string
	TrackPath(key domain.CacheKey, index int) string
	TrackCached(key domain.CacheKey, index int) bool
	ReadMetadata(key domain.CacheKey) (domain.AlbumMetadata, bool)
	Stats() domain.CacheStats
	Albums() []domain.CachedAlbum
	DeleteAlbum(key domain.CacheKey) error
	Clear() int
}
