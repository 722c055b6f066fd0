package transcode

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"time"
)

// Prober inspects encoded files with ffprobe.
type Prober struct {
	path string
}

func NewProber(path string) *Prober {
	if path == "" {
		path = "ffprobe"
	}
	return &Prober{path: path}
}

type probeStreams struct {
	Streams []struct {
		Disposition struct {
			AttachedPic int `json:"attached_pic"`
		} `json:"disposition"`
	} `json:"streams"`
}

// HasEmbeddedCover reports whether the MP3 carries an attached picture
// stream. Errors are treated as "no cover" so callers simply re-encode.
func (p *Prober) HasEmbeddedCover(ctx context.Context, mp3Path string) bool {
	if _, err := os.Stat(mp3Path); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, p.path,
		"-v", "error",
		"-select_streams", "v",
		"-show_entries", "stream=disposition",
		"-of", "json",
		mp3Path,
	).Output()
	if err != nil {
		return false
	}
	var payload probeStreams
	if err := json.Unmarshal(out, &payload); err != nil {
		return false
	}
	for _, stream := range payload.Streams {
		if stream.Disposition.AttachedPic == 1 {
			return true
		}
	}
	return false
}
