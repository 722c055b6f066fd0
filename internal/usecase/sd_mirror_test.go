package usecase

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"toniebridge/internal/domain"
	"toniebridge/internal/services/device/espuino"
)

type mirrorEnv struct {
	mirror   *SDMirror
	card     *fakeCard
	uploader *fakeUploader
	coord    *fakeCoordinator
	cache    *fakeCache
	store    *memQueueStore
}

func newMirrorEnv(t *testing.T) *mirrorEnv {
	t.Helper()
	cache := newFakeCache()
	coord := newFakeCoordinator(cache)
	card := newFakeCard()
	uploader := &fakeUploader{}
	store := &memQueueStore{}
	mirror, err := NewSDMirror(card, uploader, store, coord, cache, testLogger())
	if err != nil {
		t.Fatalf("NewSDMirror: %v", err)
	}
	mirror.encodeWait = time.Millisecond
	mirror.trackPause = time.Millisecond
	return &mirrorEnv{mirror: mirror, card: card, uploader: uploader, coord: coord, cache: cache, store: store}
}

// cachedIntent caches a three-track album and builds its mirror intent.
func (e *mirrorEnv) cachedIntent() (domain.PendingUpload, string) {
	tag := testTag()
	audioURL := "http://content/v1/content?uid=" + string(tag.UID)
	meta := domain.AlbumMetadata{SourceURL: audioURL, Title: tag.DisplayTitle()}
	for i, tr := range tag.Tracks {
		meta.Tracks = append(meta.Tracks, domain.TrackMeta{
			Index:           i,
			Name:            tr.Name,
			DurationSeconds: tr.Duration,
			Filename:        fmt.Sprintf("%02d.mp3", i+1),
		})
	}
	e.cache.put(audioURL, meta)
	return e.mirror.BuildIntent("10.0.0.2", tag, audioURL, meta), audioURL
}

func TestBuildIntentLayout(t *testing.T) {
	env := newMirrorEnv(t)
	intent, audioURL := env.cachedIntent()

	wantFolder := espuino.DestFolder("Janosch", "Post für den Tiger")
	if intent.FolderPath != wantFolder {
		t.Fatalf("folder: got %q, want %q", intent.FolderPath, wantFolder)
	}
	if intent.AudioURL != audioURL || intent.UID != testUID {
		t.Fatalf("intent identity: %+v", intent)
	}
	if len(intent.Tracks) != 3 {
		t.Fatalf("tracks: %+v", intent.Tracks)
	}
	key := domain.Fingerprint(audioURL)
	for i, tr := range intent.Tracks {
		if tr.Index != i {
			t.Fatalf("track %d index: %+v", i, tr)
		}
		if tr.SourcePath != env.cache.TrackPath(key, i) {
			t.Fatalf("track %d source: %q", i, tr.SourcePath)
		}
		wantPrefix := fmt.Sprintf("%s/%02d_", wantFolder, i+1)
		if !strings.HasPrefix(tr.DestPath, wantPrefix) || !strings.HasSuffix(tr.DestPath, ".mp3") {
			t.Fatalf("track %d dest: %q", i, tr.DestPath)
		}
	}
}

func TestBuildIntentTitleFallback(t *testing.T) {
	env := newMirrorEnv(t)
	tag := domain.Tag{UID: testUID, Title: "Mein Hörbuch"}
	meta := domain.AlbumMetadata{
		SourceURL: "http://content/v1/content?uid=x",
		Tracks:    []domain.TrackMeta{{Index: 0, Name: "Full Audio"}},
	}
	intent := env.mirror.BuildIntent("10.0.0.2", tag, meta.SourceURL, meta)
	want := espuino.MirrorRoot + "/" + espuino.SanitizeName("Mein Hörbuch", 50)
	if intent.FolderPath != want {
		t.Fatalf("title fallback folder: got %q, want %q", intent.FolderPath, want)
	}
}

func TestQueueIntentPersists(t *testing.T) {
	env := newMirrorEnv(t)
	intent, _ := env.cachedIntent()

	if err := env.mirror.QueueIntent(intent); err != nil {
		t.Fatalf("QueueIntent: %v", err)
	}
	if env.store.saves == 0 {
		t.Fatalf("queue never persisted")
	}
	got, ok := env.mirror.PendingFor("10.0.0.2")
	if !ok || got.FolderPath != intent.FolderPath {
		t.Fatalf("PendingFor: %+v ok=%v", got, ok)
	}
	if pending := env.mirror.Pending(); len(pending) != 1 {
		t.Fatalf("Pending: %+v", pending)
	}

	if err := env.mirror.QueueIntent(domain.PendingUpload{}); err == nil {
		t.Fatalf("invalid intent must be rejected")
	}
}

func TestMirrorVerifiedCardShortCircuits(t *testing.T) {
	env := newMirrorEnv(t)
	intent, _ := env.cachedIntent()
	if err := env.mirror.QueueIntent(intent); err != nil {
		t.Fatalf("QueueIntent: %v", err)
	}
	env.card.verifications = []domain.UploadVerification{{
		Complete:    true,
		Folder:      intent.FolderPath,
		TotalTracks: 3,
	}}

	if err := env.mirror.Mirror(context.Background(), intent); err != nil {
		t.Fatalf("Mirror: %v", err)
	}

	// Card is complete but lacks the UID map: exactly that one aux file
	// goes over, no tracks.
	jobs := env.uploader.Jobs()
	uidMapPath := espuino.UIDMapPath(testUID)
	if len(jobs) != 1 || !jobs[0].Aux || jobs[0].DestPath != uidMapPath {
		t.Fatalf("jobs: %+v", jobs)
	}

	sawMapping := false
	for _, call := range env.card.Calls() {
		if call == fmt.Sprintf("rfid 075128022019 %s %d", intent.FolderPath, rfidPlayModeFolder) {
			sawMapping = true
		}
	}
	if !sawMapping {
		t.Fatalf("RFID mapping not bound: %v", env.card.Calls())
	}
	if _, ok := env.mirror.PendingFor("10.0.0.2"); ok {
		t.Fatalf("completed mirror should clear its intent")
	}
}

func TestMirrorUploadsOnlyNeededTracks(t *testing.T) {
	env := newMirrorEnv(t)
	intent, _ := env.cachedIntent()
	if err := env.mirror.QueueIntent(intent); err != nil {
		t.Fatalf("QueueIntent: %v", err)
	}
	uidMapPath := espuino.UIDMapPath(testUID)
	env.card.files[uidMapPath] = 512
	env.card.verifications = []domain.UploadVerification{
		{
			Folder:        intent.FolderPath,
			TotalTracks:   3,
			MissingTracks: []int{1},
			SizeMismatch:  []int{2},
			Metadata:      &domain.SDManifest{UID: testUID, TotalTracks: 3},
		},
		{Complete: true, Folder: intent.FolderPath, TotalTracks: 3},
	}

	if err := env.mirror.Mirror(context.Background(), intent); err != nil {
		t.Fatalf("Mirror: %v", err)
	}

	var trackDests []string
	auxCount := 0
	for _, job := range env.uploader.Jobs() {
		if job.Aux {
			auxCount++
			continue
		}
		trackDests = append(trackDests, job.DestPath)
	}
	if len(trackDests) != 2 {
		t.Fatalf("track uploads: %v", trackDests)
	}
	for _, dest := range trackDests {
		if strings.Contains(dest, "/01_") {
			t.Fatalf("verified track 1 must not re-upload: %v", trackDests)
		}
	}
	// Manifest plus UID map.
	if auxCount != 2 {
		t.Fatalf("aux uploads: %d", auxCount)
	}

	// The corrupt track is deleted before re-upload.
	sawDelete := false
	for _, call := range env.card.Calls() {
		if strings.HasPrefix(call, "delete ") && strings.Contains(call, "/03_") {
			sawDelete = true
		}
	}
	if !sawDelete {
		t.Fatalf("size-mismatched track not deleted: %v", env.card.Calls())
	}
	if _, ok := env.mirror.PendingFor("10.0.0.2"); ok {
		t.Fatalf("completed mirror should clear its intent")
	}
}

func TestMirrorPostponedWhileEncodeFails(t *testing.T) {
	env := newMirrorEnv(t)
	intent, audioURL := env.cachedIntent()
	if err := env.mirror.QueueIntent(intent); err != nil {
		t.Fatalf("QueueIntent: %v", err)
	}
	env.coord.SetStatus(audioURL, domain.EncodeError, 0, 3)

	if err := env.mirror.Mirror(context.Background(), intent); err == nil {
		t.Fatalf("failed encode must postpone the mirror")
	}
	if _, ok := env.mirror.PendingFor("10.0.0.2"); !ok {
		t.Fatalf("postponed mirror must keep its intent for retry")
	}
	if jobs := env.uploader.Jobs(); len(jobs) != 0 {
		t.Fatalf("nothing should upload before the encode finishes: %+v", jobs)
	}
}

func TestNeededTracks(t *testing.T) {
	intent := domain.PendingUpload{Tracks: []domain.PendingTrack{{Index: 0}, {Index: 1}, {Index: 2}}}

	// No usable verification: everything uploads.
	all := neededTracks(intent, domain.UploadVerification{})
	if len(all) != 3 {
		t.Fatalf("no metadata: %v", all)
	}

	// Track count drift invalidates the manifest.
	drift := neededTracks(intent, domain.UploadVerification{
		Metadata:    &domain.SDManifest{},
		TotalTracks: 2,
	})
	if len(drift) != 3 {
		t.Fatalf("track count drift: %v", drift)
	}

	// Otherwise only missing and mismatched tracks transfer.
	partial := neededTracks(intent, domain.UploadVerification{
		Metadata:      &domain.SDManifest{},
		TotalTracks:   3,
		MissingTracks: []int{0},
		SizeMismatch:  []int{2},
	})
	if len(partial) != 2 || !partial[0] || !partial[2] || partial[1] {
		t.Fatalf("partial: %v", partial)
	}
}

func TestCancelDropsIntent(t *testing.T) {
	env := newMirrorEnv(t)
	intent, _ := env.cachedIntent()
	if err := env.mirror.QueueIntent(intent); err != nil {
		t.Fatalf("QueueIntent: %v", err)
	}

	if !env.mirror.Cancel("10.0.0.2") {
		t.Fatalf("Cancel should report the dropped intent")
	}
	if len(env.uploader.cancelled) != 1 || env.uploader.cancelled[0] != "10.0.0.2" {
		t.Fatalf("uploader cancel: %v", env.uploader.cancelled)
	}
	if _, ok := env.mirror.PendingFor("10.0.0.2"); ok {
		t.Fatalf("intent survived Cancel")
	}
	if env.mirror.Cancel("10.0.0.2") {
		t.Fatalf("second Cancel should report false")
	}
}

func TestWipeClearsQueue(t *testing.T) {
	env := newMirrorEnv(t)
	intent, _ := env.cachedIntent()
	if err := env.mirror.QueueIntent(intent); err != nil {
		t.Fatalf("QueueIntent: %v", err)
	}
	other := intent
	other.ReaderIP = "10.0.0.3"
	if err := env.mirror.QueueIntent(other); err != nil {
		t.Fatalf("QueueIntent: %v", err)
	}

	if n := env.mirror.Wipe(); n != 2 {
		t.Fatalf("Wipe: got %d", n)
	}
	if pending := env.mirror.Pending(); len(pending) != 0 {
		t.Fatalf("queue survived Wipe: %+v", pending)
	}
}

func TestResumeForWithoutIntent(t *testing.T) {
	env := newMirrorEnv(t)
	if err := env.mirror.ResumeFor(context.Background(), "10.0.0.2"); err != nil {
		t.Fatalf("ResumeFor: %v", err)
	}
	if calls := env.card.Calls(); len(calls) != 0 {
		t.Fatalf("nothing queued, nothing should run: %v", calls)
	}
}

func TestResumeForRunsQueuedMirror(t *testing.T) {
	env := newMirrorEnv(t)
	intent, _ := env.cachedIntent()
	if err := env.mirror.QueueIntent(intent); err != nil {
		t.Fatalf("QueueIntent: %v", err)
	}
	env.card.files[espuino.UIDMapPath(testUID)] = 512
	env.card.verifications = []domain.UploadVerification{{
		Complete:    true,
		Folder:      intent.FolderPath,
		TotalTracks: 3,
	}}

	if err := env.mirror.ResumeFor(context.Background(), "10.0.0.2"); err != nil {
		t.Fatalf("ResumeFor: %v", err)
	}
	if _, ok := env.mirror.PendingFor("10.0.0.2"); ok {
		t.Fatalf("resumed mirror should complete and clear")
	}
}
