package usecase

import (
	"context"
	"errors"
	"log/slog"
	"path"
	"strings"

	"toniebridge/internal/domain"
	"toniebridge/internal/domain/ports"
)

// ResolveTag turns a scanned UID into playable content: metadata from
// the content server plus the source audio URL the transcoder will pull
// from.
type ResolveTag struct {
	Content ports.ContentSource
	Logger  *slog.Logger
}

// ResolvedTag is a tag with its source audio URL attached. Tracks is
// never empty; sources without chapter information get the single
// pseudo-track fallback.
type ResolvedTag struct {
	Tag      domain.Tag
	AudioURL string
}

func (uc ResolveTag) Execute(ctx context.Context, uid domain.TagUID) (ResolvedTag, error) {
	if uid.IsLibrary() {
		return uc.libraryTag(uid), nil
	}

	tag, err := uc.Content.FindTagByUID(ctx, uid)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return ResolvedTag{}, ErrTagNotFound
		}
		return ResolvedTag{}, wrapContent(err)
	}
	if len(tag.Tracks) == 0 {
		tag.Tracks = domain.PseudoTracks(tag.Duration)
	}
	return ResolvedTag{Tag: tag, AudioURL: uc.Content.AudioURL(uid)}, nil
}

// libraryTag builds a synthetic tag for a "lib:" UID. Library files have
// no index entry; the title comes from the file name and chapters from
// whatever the caller supplies later.
func (uc ResolveTag) libraryTag(uid domain.TagUID) ResolvedTag {
	libPath := strings.TrimPrefix(string(uid), "lib:")
	name := strings.TrimSuffix(path.Base(libPath), path.Ext(libPath))
	tag := domain.Tag{
		UID:       uid,
		Source:    "library",
		Title:     name,
		AudioPath: libPath,
		Valid:     true,
		Exists:    true,
		Tracks:    domain.PseudoTracks(0),
	}
	return ResolvedTag{Tag: tag, AudioURL: uc.Content.AudioURL(uid)}
}
