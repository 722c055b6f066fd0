package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"toniebridge/internal/domain"
	"toniebridge/internal/domain/ports"
	"toniebridge/internal/services/device/espuino"
)

// DevicePort is the playback command surface the orchestrator drives,
// implemented by the device dispatcher.
type DevicePort interface {
	Play(ctx context.Context, ref domain.DeviceRef, url, title string, startPosition float64) error
	PlayAlbum(ctx context.Context, ref domain.DeviceRef, urls []string, title string) error
	Enqueue(ctx context.Context, ref domain.DeviceRef, url string) error
	Pause(ctx context.Context, ref domain.DeviceRef) error
	Resume(ctx context.Context, ref domain.DeviceRef) error
	Stop(ctx context.Context, ref domain.DeviceRef) error
	Seek(ctx context.Context, ref domain.DeviceRef, position float64) error
	Next(ctx context.Context, ref domain.DeviceRef) error
	Previous(ctx context.Context, ref domain.DeviceRef) error
	VolumeStep(ctx context.Context, ref domain.DeviceRef, delta int) error
	TransportState(ctx context.Context, ref domain.DeviceRef) (domain.TransportState, error)
}

// ScanInput is one reader event: a tag placed (UID set) or removed (UID
// empty). Metadata fields override whatever the content server returns,
// which is how library files and unknown tags still get titles and
// track lists.
type ScanInput struct {
	ReaderIP string              `json:"reader_ip"`
	UID      domain.TagUID       `json:"uid"`
	Mode     domain.PlaybackMode `json:"mode,omitempty"`
	Target   *domain.DeviceRef   `json:"target,omitempty"`
	Title    string              `json:"title,omitempty"`
	Series   string              `json:"series,omitempty"`
	Episode  string              `json:"episode,omitempty"`
	Picture  string              `json:"picture,omitempty"`
	AudioURL string              `json:"audio_url,omitempty"`
	Tracks   []domain.Track      `json:"tracks,omitempty"`
}

// ScanResult is the scan response returned to the reader or web client.
type ScanResult struct {
	UID             domain.TagUID     `json:"uid"`
	Series          string            `json:"series,omitempty"`
	Episode         string            `json:"episode,omitempty"`
	Title           string            `json:"title,omitempty"`
	Picture         string            `json:"picture,omitempty"`
	Found           bool              `json:"found"`
	PlaybackStarted bool              `json:"playback_started"`
	Encoding        bool              `json:"encoding"`
	PlaybackURL     string            `json:"playback_url,omitempty"`
	PlaylistURL     string            `json:"playlist_url,omitempty"`
	TrackCount      int               `json:"track_count,omitempty"`
	Target          *domain.DeviceRef `json:"target,omitempty"`
}

// PlayTag is the scan orchestrator: resolve the tag, pick a device,
// start playback as early as the cache allows, and kick off whatever
// background work (remaining tracks, SD mirror) the device needs.
type PlayTag struct {
	Resolve ResolveTag
	Streams *Streams
	Devices DevicePort
	Encoder ports.Coordinator
	Cache   ports.AlbumCache
	Card    ports.SDCard
	Mirror  *SDMirror
	URLs    URLBuilder
	Tasks   *Supervisor
	Logger  *slog.Logger
}

func (p PlayTag) Execute(ctx context.Context, in ScanInput) (ScanResult, error) {
	if in.UID == "" {
		return p.tagRemoved(ctx, in.ReaderIP), nil
	}

	resolved, found, err := p.resolve(ctx, in)
	if err != nil {
		return ScanResult{}, err
	}
	tag := resolved.Tag
	audioURL := resolved.AudioURL

	p.Streams.RecordScan(domain.ScanEvent{
		UID:      in.UID,
		ReaderIP: in.ReaderIP,
		Found:    found,
		Title:    tag.DisplayTitle(),
	})

	if current, ok := p.Streams.Current(in.ReaderIP); ok {
		if current.Current.UID.Matches(string(in.UID)) && in.Target == nil {
			return p.sameTag(ctx, in.ReaderIP, current), nil
		}
		// Different tag while playing: hard stop, no resume point.
		if err := p.Devices.Stop(ctx, current.Device); err != nil {
			p.Logger.Warn("stop before tag switch",
				slog.String("reader", in.ReaderIP),
				slog.String("error", err.Error()))
		}
		p.Streams.Clear(in.ReaderIP)
	}

	device, mode := p.pickDevice(in)
	result := ScanResult{
		UID:        in.UID,
		Series:     tag.Series,
		Episode:    tag.Episode,
		Title:      tag.DisplayTitle(),
		Picture:    tag.Picture,
		Found:      found,
		TrackCount: len(tag.Tracks),
		Target:     &device,
	}

	key := domain.Fingerprint(audioURL)
	_, cached := p.Cache.ReadMetadata(key)

	var playbackURL string
	var sdLocal bool
	switch {
	case device.Kind == domain.DeviceBrowser:
		playbackURL = p.URLs.TranscodeURL(audioURL, true)
		if !cached {
			result.Encoding = true
			p.encodeInBackground(tag, audioURL)
		}

	case p.isLocalSD(device, in.ReaderIP):
		url, started, encoding, err := p.playOnReaderSD(ctx, in.ReaderIP, tag, audioURL)
		if err != nil {
			return result, err
		}
		playbackURL = url
		sdLocal = started && url == ""
		result.PlaybackStarted = started
		result.Encoding = encoding

	default:
		url, encoding, err := p.playOnNetworkDevice(ctx, device, tag, audioURL, key, cached)
		if err != nil {
			return result, err
		}
		playbackURL = url
		result.PlaybackStarted = true
		result.Encoding = encoding
	}

	if device.Kind != domain.DeviceBrowser {
		result.PlaybackStarted = result.PlaybackStarted || sdLocal || playbackURL != ""
	}
	result.PlaybackURL = playbackURL
	if cached && len(tag.Tracks) > 1 {
		result.PlaylistURL = p.URLs.PlaylistURL(key)
	}

	p.Streams.SetPlaying(in.ReaderIP, domain.CurrentTag{
		UID:         in.UID,
		Series:      tag.Series,
		Episode:     tag.Episode,
		Title:       tag.DisplayTitle(),
		Picture:     tag.Picture,
		AudioURL:    audioURL,
		PlaybackURL: playbackURL,
		PlacedAt:    time.Now().Format(time.RFC3339),
		SDLocal:     sdLocal,
		Duration:    tag.Duration,
		Tracks:      tag.Tracks,
		TrackCount:  len(tag.Tracks),
	}, device, mode)

	return result, nil
}

// resolve looks the tag up and degrades gracefully: when the content
// server is down or does not know the UID, the request's own metadata
// and audio URL keep the scan playable.
func (p PlayTag) resolve(ctx context.Context, in ScanInput) (ResolvedTag, bool, error) {
	resolved, err := p.Resolve.Execute(ctx, in.UID)
	found := err == nil
	if err != nil {
		if !errors.Is(err, ErrTagNotFound) && !errors.Is(err, ErrContent) {
			return ResolvedTag{}, false, err
		}
		p.Logger.Info("tag not resolved, using request metadata",
			slog.String("uid", string(in.UID)),
			slog.String("reason", err.Error()))
		resolved = ResolvedTag{
			Tag:      domain.Tag{UID: in.UID},
			AudioURL: p.Resolve.Content.AudioURL(in.UID),
		}
	}

	tag := &resolved.Tag
	if in.Title != "" {
		tag.Title = in.Title
	}
	if in.Series != "" {
		tag.Series = in.Series
	}
	if in.Episode != "" {
		tag.Episode = in.Episode
	}
	if in.Picture != "" {
		tag.Picture = in.Picture
	}
	if len(in.Tracks) > 0 {
		tag.Tracks = in.Tracks
	}
	if len(tag.Tracks) == 0 {
		tag.Tracks = domain.PseudoTracks(tag.Duration)
	}
	if in.AudioURL != "" {
		resolved.AudioURL = in.AudioURL
	}
	return resolved, found, nil
}

// tagRemoved pauses the device but keeps the stream: re-placing the same
// tag resumes where it stopped.
func (p PlayTag) tagRemoved(ctx context.Context, readerIP string) ScanResult {
	current, ok := p.Streams.Current(readerIP)
	if !ok {
		return ScanResult{Found: false}
	}
	pos := playbackPosition(ctx, p.Devices, current, time.Now())
	if err := p.Devices.Pause(ctx, current.Device); err != nil {
		p.Logger.Warn("pause on tag removal",
			slog.String("reader", readerIP),
			slog.String("error", err.Error()))
	}
	p.Streams.MarkPaused(readerIP, pos)
	p.Logger.Info("tag removed, playback paused",
		slog.String("reader", readerIP),
		slog.Float64("position", pos))
	return ScanResult{Found: false, Title: current.Current.Title}
}

// sameTag handles a rescan of the playing tag: resume when paused,
// otherwise report the existing playback untouched.
func (p PlayTag) sameTag(ctx context.Context, readerIP string, v StreamView) ScanResult {
	started := true
	if v.Resume != nil && v.Resume.Paused {
		started = p.resumePaused(ctx, readerIP, v)
	}
	device := v.Device
	return ScanResult{
		UID:             v.Current.UID,
		Series:          v.Current.Series,
		Episode:         v.Current.Episode,
		Title:           v.Current.Title,
		Picture:         v.Current.Picture,
		Found:           true,
		PlaybackStarted: started,
		PlaybackURL:     v.Current.PlaybackURL,
		TrackCount:      v.Current.TrackCount,
		Target:          &device,
	}
}

// resumePaused resumes the paused device, falling back to a fresh play
// from the saved position when the device refuses the resume. A failed
// restart keeps the resume point so the next rescan retries.
func (p PlayTag) resumePaused(ctx context.Context, readerIP string, v StreamView) bool {
	err := p.Devices.Resume(ctx, v.Device)
	if err == nil {
		p.Streams.MarkResumed(readerIP)
		return true
	}
	p.Logger.Warn("resume on rescan, restarting from saved position",
		slog.String("reader", readerIP),
		slog.String("error", err.Error()))
	if err := p.Devices.Play(ctx, v.Device, v.Current.PlaybackURL, v.Current.Title, v.Resume.Position); err != nil {
		p.Logger.Warn("restart from resume position",
			slog.String("reader", readerIP),
			slog.String("error", err.Error()))
		return false
	}
	p.Streams.MarkResumed(readerIP)
	return true
}

// pickDevice resolves the playback target: an explicit request target
// wins, local mode on a physical reader means the reader itself, and
// everything else follows the override chain.
func (p PlayTag) pickDevice(in ScanInput) (domain.DeviceRef, domain.PlaybackMode) {
	if in.Target != nil {
		return *in.Target, modeFor(*in.Target, in.ReaderIP, in.Mode)
	}
	if in.Mode == domain.ModeLocal && !domain.IsVirtualReader(in.ReaderIP) {
		return domain.DeviceRef{Kind: domain.DeviceESPuino, ID: in.ReaderIP}, domain.ModeLocal
	}
	ref := p.Streams.ResolveDevice(in.ReaderIP)
	return ref, modeFor(ref, in.ReaderIP, in.Mode)
}

func modeFor(ref domain.DeviceRef, readerIP string, requested domain.PlaybackMode) domain.PlaybackMode {
	if requested != "" {
		return requested
	}
	if ref.Kind == domain.DeviceESPuino && ref.ID == readerIP {
		return domain.ModeLocal
	}
	return domain.ModeStream
}

func (p PlayTag) isLocalSD(device domain.DeviceRef, readerIP string) bool {
	return device.Kind == domain.DeviceESPuino &&
		device.ID == readerIP &&
		!domain.IsVirtualReader(readerIP)
}

func (p PlayTag) encodeRequest(tag domain.Tag, audioURL string) ports.EncodeRequest {
	return ports.EncodeRequest{
		SourceURL: audioURL,
		Tracks:    tag.Tracks,
		Series:    tag.Series,
		Episode:   tag.Episode,
		CoverURL:  tag.Picture,
	}
}

func (p PlayTag) encodeInBackground(tag domain.Tag, audioURL string) {
	req := p.encodeRequest(tag, audioURL)
	p.Tasks.Go("encode "+string(domain.Fingerprint(audioURL)), func(ctx context.Context) {
		if _, err := p.Encoder.EncodeAlbum(ctx, req); err != nil {
			p.Logger.Warn("background encode failed",
				slog.String("source", audioURL),
				slog.String("error", err.Error()))
		}
	})
}

// playOnReaderSD plays on the scanning reader itself. A fully mirrored
// album plays straight from the SD card; otherwise the reader streams
// the transcode endpoint while the album is encoded and mirrored in the
// background for next time.
func (p PlayTag) playOnReaderSD(ctx context.Context, readerIP string, tag domain.Tag, audioURL string) (playbackURL string, started, encoding bool, err error) {
	folder := espuino.DestFolder(tag.Series, tag.Episode)
	verification := p.Card.VerifyUpload(ctx, readerIP, folder, espuino.UIDMapPath(tag.UID))
	if verification.Complete {
		if err := p.Card.PlaySD(ctx, readerIP, verification.Folder); err != nil {
			return "", false, false, wrapDevice(err)
		}
		p.Logger.Info("playing from SD card",
			slog.String("reader", readerIP),
			slog.String("folder", verification.Folder))
		return "", true, false, nil
	}

	streamURL := p.URLs.TranscodeURL(audioURL, false)
	ref := domain.DeviceRef{Kind: domain.DeviceESPuino, ID: readerIP}
	if err := p.Devices.Play(ctx, ref, streamURL, tag.DisplayTitle(), 0); err != nil {
		return "", false, false, wrapDevice(err)
	}

	_, cached := p.Cache.ReadMetadata(domain.Fingerprint(audioURL))
	req := p.encodeRequest(tag, audioURL)
	req.Progress = func(ctx context.Context, percent int) {
		if err := p.Card.PushCacheProgress(ctx, readerIP, percent); err != nil {
			p.Logger.Debug("cache progress push failed",
				slog.String("reader", readerIP),
				slog.String("error", err.Error()))
		}
	}
	p.Tasks.Go("mirror "+readerIP, func(ctx context.Context) {
		meta, err := p.Encoder.EncodeAlbum(ctx, req)
		if err != nil {
			p.Logger.Warn("encode for SD mirror failed",
				slog.String("reader", readerIP),
				slog.String("error", err.Error()))
			return
		}
		intent := p.Mirror.BuildIntent(readerIP, tag, audioURL, meta)
		if err := p.Mirror.QueueIntent(intent); err != nil {
			p.Logger.Warn("queue SD mirror",
				slog.String("reader", readerIP),
				slog.String("error", err.Error()))
			return
		}
		if err := p.Mirror.Mirror(ctx, intent); err != nil {
			p.Logger.Warn("SD mirror failed, queued for retry",
				slog.String("reader", readerIP),
				slog.String("error", err.Error()))
		}
	})
	return streamURL, true, !cached, nil
}

// playOnNetworkDevice starts playback on sonos/cast/airplay or a remote
// reader. Queue-capable families get progressive playback: the first
// track starts as soon as it is encoded and the rest are appended to the
// device queue as they finish.
func (p PlayTag) playOnNetworkDevice(ctx context.Context, device domain.DeviceRef, tag domain.Tag, audioURL string, key domain.CacheKey, cached bool) (string, bool, error) {
	title := tag.DisplayTitle()

	if cached {
		meta, _ := p.Cache.ReadMetadata(key)
		total := len(meta.Tracks)
		if total > 1 {
			if err := p.Devices.PlayAlbum(ctx, device, p.URLs.TrackURLs(key, total), title); err != nil {
				return "", false, wrapDevice(err)
			}
		} else {
			if err := p.Devices.Play(ctx, device, p.URLs.TrackURL(key, 1), title, 0); err != nil {
				return "", false, wrapDevice(err)
			}
		}
		return p.URLs.TrackURL(key, 1), false, nil
	}

	progressive := device.Kind == domain.DeviceSonos || device.Kind == domain.DeviceCast
	if !progressive {
		// No queue support: stream the on-the-fly transcode and fill
		// the cache in the background.
		streamURL := p.URLs.TranscodeURL(audioURL, false)
		if err := p.Devices.Play(ctx, device, streamURL, title, 0); err != nil {
			return "", false, wrapDevice(err)
		}
		p.encodeInBackground(tag, audioURL)
		return streamURL, true, nil
	}

	req := p.encodeRequest(tag, audioURL)
	if _, err := p.Encoder.EncodeFirstTrack(ctx, req); err != nil {
		return "", false, err
	}
	firstURL := p.URLs.TrackURL(key, 1)
	if err := p.Devices.Play(ctx, device, firstURL, title, 0); err != nil {
		return "", false, wrapDevice(err)
	}

	sink := func(ctx context.Context, index int, trackURL string) {
		if err := p.Devices.Enqueue(ctx, device, trackURL); err != nil {
			if errors.Is(err, domain.ErrUnsupported) {
				return
			}
			p.Logger.Warn("enqueue encoded track",
				slog.String("device", device.ID),
				slog.Int("track", index+1),
				slog.String("error", err.Error()))
		}
	}
	p.Tasks.Go("continue "+string(key), func(ctx context.Context) {
		err := p.Encoder.ContinueRemaining(ctx, req, sink, func(index int) string {
			return p.URLs.TrackURL(key, index+1)
		})
		if err != nil {
			p.Logger.Warn("remaining tracks encode failed",
				slog.String("source", audioURL),
				slog.String("error", err.Error()))
		}
	})
	return firstURL, true, nil
}
