package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"toniebridge/internal/domain"
	"toniebridge/internal/domain/ports"
	"toniebridge/internal/services/device/espuino"
)

const (
	// Encoding of a long album can take minutes; the mirror polls the
	// coordinator until the album is fully cached.
	encodeWaitPolls = 300

	// The reader's web server chokes when uploads follow each other
	// back to back.
	trackUploadPause = 2 * time.Second

	// Firmware play mode 5 plays all files of a folder, sorted.
	rfidPlayModeFolder = 5
)

// SDMirror copies encoded albums onto reader SD cards so later scans
// play without this server. Intents are persisted the moment they are
// queued and stay pending until a verification passes, so interrupted
// transfers resume on the reader's next heartbeat.
type SDMirror struct {
	card     ports.SDCard
	uploader ports.SDUploader
	store    ports.UploadQueueStore
	encoder  ports.Coordinator
	cache    ports.AlbumCache
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]domain.PendingUpload
	active  map[string]bool

	encodeWait time.Duration
	trackPause time.Duration
}

func NewSDMirror(card ports.SDCard, uploader ports.SDUploader, store ports.UploadQueueStore, encoder ports.Coordinator, cache ports.AlbumCache, logger *slog.Logger) (*SDMirror, error) {
	queue, err := store.LoadQueue()
	if err != nil {
		return nil, fmt.Errorf("load upload queue: %w", err)
	}
	if queue == nil {
		queue = make(map[string]domain.PendingUpload)
	}
	return &SDMirror{
		card:       card,
		uploader:   uploader,
		store:      store,
		encoder:    encoder,
		cache:      cache,
		logger:     logger,
		pending:    queue,
		active:     make(map[string]bool),
		encodeWait: 2 * time.Second,
		trackPause: trackUploadPause,
	}, nil
}

// BuildIntent derives the SD card layout for an album and pairs each
// cached track with its destination path.
func (m *SDMirror) BuildIntent(readerIP string, tag domain.Tag, audioURL string, meta domain.AlbumMetadata) domain.PendingUpload {
	key := domain.Fingerprint(audioURL)
	folder := espuino.DestFolder(tag.Series, tag.Episode)
	if tag.Series == "" && tag.Episode == "" && tag.Title != "" {
		folder = espuino.MirrorRoot + "/" + espuino.SanitizeName(tag.Title, 50)
	}
	tracks := make([]domain.PendingTrack, 0, len(meta.Tracks))
	for _, t := range meta.Tracks {
		tracks = append(tracks, domain.PendingTrack{
			Index:      t.Index,
			Name:       t.Name,
			SourcePath: m.cache.TrackPath(key, t.Index),
			DestPath:   espuino.DestTrackPath(folder, t.Index, t.Name),
		})
	}
	return domain.PendingUpload{
		ReaderIP:   readerIP,
		UID:        tag.UID,
		Series:     tag.Series,
		Episode:    tag.Episode,
		FolderPath: folder,
		AudioURL:   audioURL,
		Tracks:     tracks,
		Status:     "pending",
		QueuedAt:   time.Now(),
	}
}

// QueueIntent makes the mirror durable. One intent per reader; a new
// scan replaces whatever was queued before.
func (m *SDMirror) QueueIntent(intent domain.PendingUpload) error {
	if err := intent.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.pending[intent.ReaderIP] = intent
	err := m.persistLocked()
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.logger.Info("SD mirror queued",
		slog.String("reader", intent.ReaderIP),
		slog.String("folder", intent.FolderPath),
		slog.Int("tracks", len(intent.Tracks)))
	return nil
}

// Pending lists queued intents sorted by reader IP.
func (m *SDMirror) Pending() []domain.PendingUpload {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.PendingUpload, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReaderIP < out[j].ReaderIP })
	return out
}

// PendingFor returns the queued intent for one reader.
func (m *SDMirror) PendingFor(ip string) (domain.PendingUpload, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[ip]
	return p, ok
}

// ClearPending drops a reader's intent. Returns false when none was
// queued.
func (m *SDMirror) ClearPending(ip string) bool {
	m.mu.Lock()
	_, ok := m.pending[ip]
	if ok {
		delete(m.pending, ip)
		if err := m.persistLocked(); err != nil {
			m.logger.Warn("persist upload queue", slog.String("error", err.Error()))
		}
	}
	m.mu.Unlock()
	return ok
}

// Cancel aborts running transfers for a reader and drops its intent, so
// nothing resumes on the next heartbeat.
func (m *SDMirror) Cancel(ip string) bool {
	m.uploader.Cancel(ip)
	return m.ClearPending(ip)
}

// Wipe drops every queued intent. Running transfers are cancelled.
func (m *SDMirror) Wipe() int {
	m.mu.Lock()
	n := len(m.pending)
	for ip := range m.pending {
		m.uploader.Cancel(ip)
		delete(m.pending, ip)
	}
	if err := m.persistLocked(); err != nil {
		m.logger.Warn("persist upload queue", slog.String("error", err.Error()))
	}
	m.mu.Unlock()
	return n
}

// Statuses exposes the live transfer records.
func (m *SDMirror) Statuses() []domain.UploadStatus {
	return m.uploader.Statuses()
}

// Busy reports whether a mirror or transfer is running for the reader.
func (m *SDMirror) Busy(ip string) bool {
	m.mu.Lock()
	running := m.active[ip]
	m.mu.Unlock()
	return running || m.uploader.Busy(ip)
}

// ResumeFor restarts a reader's queued mirror, typically from its
// heartbeat. A no-op when nothing is queued or a mirror already runs.
func (m *SDMirror) ResumeFor(ctx context.Context, ip string) error {
	intent, ok := m.PendingFor(ip)
	if !ok {
		return nil
	}
	if m.Busy(ip) {
		return nil
	}
	m.logger.Info("resuming queued SD mirror",
		slog.String("reader", ip),
		slog.String("folder", intent.FolderPath))
	return m.Mirror(ctx, intent)
}

func (m *SDMirror) begin(ip string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[ip] {
		return false
	}
	m.active[ip] = true
	return true
}

func (m *SDMirror) end(ip string) {
	m.mu.Lock()
	delete(m.active, ip)
	m.mu.Unlock()
}

func (m *SDMirror) persistLocked() error {
	snapshot := make(map[string]domain.PendingUpload, len(m.pending))
	for ip, p := range m.pending {
		snapshot[ip] = p
	}
	return m.store.SaveQueue(snapshot)
}

// waitForEncode blocks until the album behind audioURL is fully cached,
// the encode fails, or the wait budget runs out.
func (m *SDMirror) waitForEncode(ctx context.Context, audioURL string) error {
	for i := 0; i < encodeWaitPolls; i++ {
		status := m.encoder.Status(audioURL)
		switch status.State {
		case domain.EncodeCached, domain.EncodeReady:
			return nil
		case domain.EncodeError:
			return fmt.Errorf("encoding failed: %s", status.Error)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.encodeWait):
		}
	}
	return errors.New("timed out waiting for encoding")
}

// Mirror runs one full album mirror: wait for the encode, verify what
// is already on the card, upload what is missing or corrupt, write the
// manifest and UID map, then bind the tag to the folder on the reader.
// The intent stays queued on any failure so the next heartbeat retries.
func (m *SDMirror) Mirror(ctx context.Context, intent domain.PendingUpload) error {
	ip := intent.ReaderIP
	if !m.begin(ip) {
		m.logger.Debug("mirror already running", slog.String("reader", ip))
		return nil
	}
	defer m.end(ip)

	if err := m.waitForEncode(ctx, intent.AudioURL); err != nil {
		m.logger.Warn("SD mirror postponed",
			slog.String("reader", ip),
			slog.String("error", err.Error()))
		return err
	}

	key := domain.Fingerprint(intent.AudioURL)
	meta, ok := m.cache.ReadMetadata(key)
	if !ok {
		return fmt.Errorf("album %s not cached, cannot mirror", key)
	}

	uidMapPath := espuino.UIDMapPath(intent.UID)
	verification := m.card.VerifyUpload(ctx, ip, intent.FolderPath, uidMapPath)
	if done, err := m.finishIfComplete(ctx, intent, uidMapPath, verification); done || err != nil {
		return err
	}

	needed := neededTracks(intent, verification)
	for _, idx := range verification.SizeMismatch {
		for _, t := range intent.Tracks {
			if t.Index == idx {
				if err := m.card.DeleteFile(ctx, ip, t.DestPath); err != nil {
					m.logger.Warn("delete corrupt track failed",
						slog.String("reader", ip),
						slog.String("path", t.DestPath),
						slog.String("error", err.Error()))
				}
			}
		}
	}

	m.card.EnsureDir(ctx, ip, intent.FolderPath)
	for _, t := range intent.Tracks {
		if !needed[t.Index] {
			continue
		}
		job := domain.UploadJob{
			IP:          ip,
			SourcePath:  t.SourcePath,
			DestPath:    t.DestPath,
			Title:       t.Name,
			TrackIndex:  t.Index,
			TotalTracks: len(intent.Tracks),
			MaxKBPS:     -1,
		}
		if err := m.uploader.Upload(ctx, job); err != nil {
			if errors.Is(err, espuino.ErrCancelled) {
				m.logger.Info("SD mirror cancelled", slog.String("reader", ip))
				m.ClearPending(ip)
				return err
			}
			return fmt.Errorf("track %d: %w", t.Index+1, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.trackPause):
		}
	}

	if err := m.uploadManifest(ctx, intent, meta); err != nil {
		return err
	}
	if err := m.uploadUIDMap(ctx, intent, uidMapPath); err != nil {
		return err
	}

	verification = m.card.VerifyUpload(ctx, ip, intent.FolderPath, uidMapPath)
	if done, err := m.finishIfComplete(ctx, intent, uidMapPath, verification); done || err != nil {
		return err
	}
	return fmt.Errorf("mirror verification incomplete: %d missing, %d mismatched",
		len(verification.MissingTracks), len(verification.SizeMismatch))
}

// finishIfComplete binds the tag and clears the intent once all tracks
// verify. A verified folder without a UID map is not complete yet; the
// map alone is uploaded and verification counts as passed afterwards.
func (m *SDMirror) finishIfComplete(ctx context.Context, intent domain.PendingUpload, uidMapPath string, v domain.UploadVerification) (bool, error) {
	if !v.Complete {
		return false, nil
	}
	if _, ok := m.card.FileSize(ctx, intent.ReaderIP, uidMapPath); !ok {
		if err := m.uploadUIDMap(ctx, intent, uidMapPath); err != nil {
			return false, err
		}
	}
	if tagID := intent.UID.ReaderTagID(); tagID != "" {
		if err := m.card.SetRFIDMapping(ctx, intent.ReaderIP, tagID, intent.FolderPath, rfidPlayModeFolder); err != nil {
			m.logger.Warn("RFID mapping failed",
				slog.String("reader", intent.ReaderIP),
				slog.String("error", err.Error()))
		}
	}
	m.ClearPending(intent.ReaderIP)
	m.logger.Info("SD mirror complete",
		slog.String("reader", intent.ReaderIP),
		slog.String("folder", intent.FolderPath),
		slog.Int("tracks", len(intent.Tracks)))
	return true, nil
}

// neededTracks decides which tracks to transfer. Without a usable
// verification everything is uploaded; the uploader's own size checks
// make re-sending a verified file merely wasteful, not harmful.
func neededTracks(intent domain.PendingUpload, v domain.UploadVerification) map[int]bool {
	needed := make(map[int]bool, len(intent.Tracks))
	if v.Metadata == nil || v.TotalTracks != len(intent.Tracks) {
		for _, t := range intent.Tracks {
			needed[t.Index] = true
		}
		return needed
	}
	for _, idx := range v.MissingTracks {
		needed[idx] = true
	}
	for _, idx := range v.SizeMismatch {
		needed[idx] = true
	}
	return needed
}

func (m *SDMirror) uploadManifest(ctx context.Context, intent domain.PendingUpload, meta domain.AlbumMetadata) error {
	manifest := domain.SDManifest{
		UID:         intent.UID,
		Series:      intent.Series,
		Episode:     intent.Episode,
		Title:       meta.Title,
		AudioURL:    intent.AudioURL,
		TotalTracks: len(intent.Tracks),
		UploadedAt:  time.Now().Format(time.RFC3339),
	}
	for _, t := range intent.Tracks {
		entry := domain.SDTrack{
			Index: t.Index,
			Name:  t.Name,
			File:  path.Base(t.DestPath),
			Size:  fileSize(t.SourcePath),
		}
		if t.Index < len(meta.Tracks) {
			entry.Duration = meta.Tracks[t.Index].DurationSeconds
		}
		manifest.Tracks = append(manifest.Tracks, entry)
	}
	return m.uploadJSON(ctx, intent.ReaderIP, intent.FolderPath+"/metadata.json", manifest, len(intent.Tracks))
}

func (m *SDMirror) uploadUIDMap(ctx context.Context, intent domain.PendingUpload, uidMapPath string) error {
	uidMap := domain.UIDMap{
		UID:     intent.UID,
		Folder:  intent.FolderPath,
		Title:   intent.Series + " - " + intent.Episode,
		Series:  intent.Series,
		Episode: intent.Episode,
	}
	for _, t := range intent.Tracks {
		uidMap.Files = append(uidMap.Files, domain.UIDMapFile{
			Index: t.Index,
			Name:  path.Base(t.DestPath),
			Size:  fileSize(t.SourcePath),
		})
	}
	return m.uploadJSON(ctx, intent.ReaderIP, uidMapPath, uidMap, len(intent.Tracks))
}

// uploadJSON stages a document in a temp file and pushes it through the
// regular upload path, flagged as auxiliary so it stays out of track
// counters.
func (m *SDMirror) uploadJSON(ctx context.Context, ip, destPath string, doc any, totalTracks int) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp("", "sdmirror-*.json")
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer os.Remove(name)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return m.uploader.Upload(ctx, domain.UploadJob{
		IP:          ip,
		SourcePath:  name,
		DestPath:    destPath,
		Title:       path.Base(destPath),
		TotalTracks: totalTracks,
		Aux:         true,
		MaxKBPS:     -1,
	})
}

func fileSize(p string) int64 {
	info, err := os.Stat(p)
	if err != nil {
		return 0
	}
	return info.Size()
}
