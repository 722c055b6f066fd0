package ports

import (
	"context"

	"toniebridge/internal/domain"
)

// LibraryFile is an audio file discovered in the content server library.
type LibraryFile struct {
	Name      string         `json:"name"`
	Path      string         `json:"path"`
	Folder    string         `json:"folder"`
	Size      int64          `json:"size"`
	SizeMB    float64        `json:"size_mb"`
	Date      int64          `json:"date"`
	Series    string         `json:"series"`
	Episode   string         `json:"episode"`
	Title     string         `json:"title"`
	Picture   string         `json:"picture"`
	Model     string         `json:"model"`
	Language  string         `json:"language"`
	Valid     bool           `json:"valid"`
	AudioID   int64          `json:"audio_id"`
	Duration  float64        `json:"duration"`
	NumTracks int            `json:"num_tracks"`
	Tracks    []domain.Track `json:"tracks"`
}

// ContentSource resolves tags and serves catalog data from the upstream
// content server.
type ContentSource interface {
	CheckConnection(ctx context.Context) bool
	FindTagByUID(ctx context.Context, uid domain.TagUID) (domain.Tag, error)
	TagIndex(ctx context.Context) ([]domain.Tag, error)
	Catalog(ctx context.Context) ([]map[string]any, error)
	Boxes(ctx context.Context) ([]map[string]any, error)
	LibraryFiles(ctx context.Context) ([]LibraryFile, error)
	AudioURL(uid domain.TagUID) string
	BaseURL() string
}
