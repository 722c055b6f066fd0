package transcode

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	trackTimeout  = 120 * time.Second
	concatTimeout = 300 * time.Second
)

// TrackArgConfig holds all parameters for building the per-track FFmpeg
// argument list. This is a value type — pass it by value to
// buildTrackArgs().
type TrackArgConfig struct {
	Input        string
	Output       string
	StartSeconds float64
	Duration     float64
	TrackIndex   int // zero-based
	TotalTracks  int
	Title        string
	Artist       string
	Album        string
	Year         string
	CoverPath    string
}

// buildTrackArgs constructs the FFmpeg argument list for one track.
// Pure function with no side effects. Seek and duration are input
// options, so they must precede -i.
func buildTrackArgs(cfg TrackArgConfig) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-threads", "0",
		"-y",
		"-ss", strconv.FormatFloat(cfg.StartSeconds, 'f', -1, 64),
		"-t", strconv.FormatFloat(cfg.Duration, 'f', -1, 64),
		"-i", cfg.Input,
	}
	if cfg.CoverPath != "" {
		args = append(args, "-i", cfg.CoverPath)
	}
	args = append(args,
		"-c:a", "libmp3lame",
		"-b:a", "192k",
		"-ar", "44100",
		"-ac", "2",
		"-id3v2_version", "3",
		"-metadata", "title="+cfg.Title,
		"-metadata", "artist="+cfg.Artist,
		"-metadata", "album="+cfg.Album,
		"-metadata", fmt.Sprintf("track=%d/%d", cfg.TrackIndex+1, cfg.TotalTracks),
	)
	if cfg.Year != "" {
		args = append(args, "-metadata", "date="+cfg.Year)
	}
	if cfg.CoverPath != "" {
		args = append(args,
			"-map", "0:a",
			"-map", "1:v",
			"-c:v", "mjpeg",
			"-disposition:v", "attached_pic",
			"-metadata:s:v", "title=Album cover",
			"-metadata:s:v", "comment=Cover (front)",
		)
	}
	return append(args, cfg.Output)
}

// buildConcatArgs constructs the argument list for the stream-copy
// concatenation of already encoded tracks.
func buildConcatArgs(listPath, output string) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		output,
	}
}

// Encoder runs ffmpeg jobs against the album cache.
type Encoder struct {
	ffmpegPath string
	logger     *slog.Logger
}

func NewEncoder(ffmpegPath string, logger *slog.Logger) *Encoder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Encoder{ffmpegPath: ffmpegPath, logger: logger}
}

// Available reports whether the ffmpeg binary can be executed.
func (e *Encoder) Available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, e.ffmpegPath, "-version").Run() == nil
}

// EncodeTrack encodes one track to cfg.Output through a temp file so a
// failed run never leaves a truncated MP3 in the cache.
func (e *Encoder) EncodeTrack(ctx context.Context, cfg TrackArgConfig) error {
	tmp, err := os.CreateTemp(filepath.Dir(cfg.Output), ".encode-*.mp3")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	runCfg := cfg
	runCfg.Output = tmpPath

	e.logger.Info("encoding track",
		slog.Int("track", cfg.TrackIndex+1),
		slog.Int("total", cfg.TotalTracks),
		slog.String("name", cfg.Title),
		slog.Float64("duration", cfg.Duration))

	ctx, cancel := context.WithTimeout(ctx, trackTimeout)
	defer cancel()
	if err := e.run(ctx, buildTrackArgs(runCfg), ""); err != nil {
		return fmt.Errorf("track %d: %w", cfg.TrackIndex+1, err)
	}

	info, err := os.Stat(tmpPath)
	if err != nil || info.Size() == 0 {
		return fmt.Errorf("track %d: ffmpeg produced no output", cfg.TrackIndex+1)
	}
	if err := os.Rename(tmpPath, cfg.Output); err != nil {
		return fmt.Errorf("move track into cache: %w", err)
	}
	e.logger.Info("track complete",
		slog.Int("track", cfg.TrackIndex+1),
		slog.Int64("kb", info.Size()/1024))
	return nil
}

// Concatenate joins the given track files into output using the concat
// demuxer without re-encoding. Paths in files must be inside dir.
func (e *Encoder) Concatenate(ctx context.Context, dir string, files []string, output string) error {
	listPath := filepath.Join(dir, "concat_list.txt")
	var list bytes.Buffer
	for _, f := range files {
		fmt.Fprintf(&list, "file '%s'\n", filepath.Base(f))
	}
	if err := os.WriteFile(listPath, list.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}
	defer os.Remove(listPath)

	ctx, cancel := context.WithTimeout(ctx, concatTimeout)
	defer cancel()
	if err := e.run(ctx, buildConcatArgs(listPath, output), dir); err != nil {
		return fmt.Errorf("concat: %w", err)
	}
	return nil
}

func (e *Encoder) run(ctx context.Context, args []string, dir string) error {
	cmd := exec.CommandContext(ctx, e.ffmpegPath, args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg timed out")
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return fmt.Errorf("ffmpeg: %s", msg)
	}
	return nil
}
