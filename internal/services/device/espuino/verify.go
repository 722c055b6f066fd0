package espuino

import (
	"context"
	"log/slog"

	"toniebridge/internal/domain"
)

// VerifyUpload compares a mirrored album folder against its manifest,
// checking each track by name and size. When the folder has no
// manifest, the per-tag UID map at uidMapPath is used instead. The
// verification never fails hard; an incomplete result just means the
// tracks get re-uploaded.
func (c *Client) VerifyUpload(ctx context.Context, ip, folderPath, uidMapPath string) domain.UploadVerification {
	result := domain.UploadVerification{
		Folder:        folderPath,
		MissingTracks: []int{},
		SizeMismatch:  []int{},
	}

	entries, err := c.ListDir(ctx, ip, folderPath)
	if err != nil {
		c.logger.Debug("SD folder not listable for verification",
			slog.String("ip", ip),
			slog.String("folder", folderPath),
			slog.String("error", err.Error()))
		result.Error = err.Error()
		return result
	}
	byName := make(map[string]SDEntry, len(entries))
	hasManifest := false
	for _, e := range entries {
		byName[e.Name] = e
		if e.Name == "metadata.json" {
			hasManifest = true
		}
	}

	var manifest domain.SDManifest
	switch {
	case hasManifest:
		if err := c.DownloadJSON(ctx, ip, folderPath+"/metadata.json", &manifest); err != nil {
			c.logger.Warn("mirrored manifest unreadable",
				slog.String("ip", ip),
				slog.String("folder", folderPath),
				slog.String("error", err.Error()))
			result.Error = err.Error()
			return result
		}
	case uidMapPath != "":
		var uidMap domain.UIDMap
		if err := c.DownloadJSON(ctx, ip, uidMapPath, &uidMap); err != nil {
			c.logger.Warn("UID map unreadable",
				slog.String("ip", ip),
				slog.String("path", uidMapPath),
				slog.String("error", err.Error()))
			result.Error = err.Error()
			return result
		}
		manifest.UID = uidMap.UID
		manifest.Title = uidMap.Title
		for i, f := range uidMap.Files {
			idx := f.Index
			if idx == 0 && i > 0 {
				idx = i
			}
			manifest.Tracks = append(manifest.Tracks, domain.SDTrack{
				Index: idx,
				Name:  f.Name,
				File:  f.Name,
				Size:  f.Size,
			})
		}
		if uidMap.Folder != "" {
			result.Folder = uidMap.Folder
		}
	default:
		c.logger.Debug("no manifest on SD card", slog.String("folder", folderPath))
		return result
	}

	result.Metadata = &manifest
	result.TotalTracks = len(manifest.Tracks)

	for _, track := range manifest.Tracks {
		entry, ok := byName[track.File]
		if !ok {
			result.MissingTracks = append(result.MissingTracks, track.Index)
			continue
		}
		if track.Size > 0 && entry.Size != track.Size {
			result.SizeMismatch = append(result.SizeMismatch, track.Index)
			continue
		}
		result.VerifiedTracks++
	}

	result.Complete = result.VerifiedTracks == result.TotalTracks &&
		len(result.MissingTracks) == 0 &&
		len(result.SizeMismatch) == 0
	return result
}
