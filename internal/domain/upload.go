package domain

import (
	"errors"
	"time"
)

// UploadJob describes one file transfer to a reader's SD card. MaxKBPS
// below zero means the transport's default limit applies; zero means
// unthrottled.
type UploadJob struct {
	IP          string
	SourcePath  string
	DestPath    string
	Title       string
	TrackIndex  int
	TotalTracks int
	Aux         bool
	MaxKBPS     int
}

// UploadPhase is the lifecycle state of one SD card transfer.
type UploadPhase string

const (
	UploadActive    UploadPhase = "uploading"
	UploadRetrying  UploadPhase = "retrying"
	UploadComplete  UploadPhase = "complete"
	UploadFailed    UploadPhase = "error"
	UploadCancelled UploadPhase = "cancelled"
)

// UploadStatus tracks a single file transfer to a reader's SD card.
type UploadStatus struct {
	ID            string      `json:"id"`
	ReaderIP      string      `json:"espuino_ip"`
	SourcePath    string      `json:"source_path"`
	DestPath      string      `json:"dest_path"`
	Title         string      `json:"title"`
	TrackIndex    int         `json:"track_index"`
	TotalTracks   int         `json:"total_tracks"`
	Aux           bool        `json:"aux,omitempty"`
	Phase         UploadPhase `json:"status"`
	BytesUploaded int64       `json:"bytes_uploaded"`
	TotalBytes    int64       `json:"total_bytes"`
	Progress      float64     `json:"progress"`
	RateBytesSec  float64     `json:"transfer_rate"`
	ETASeconds    float64     `json:"eta_seconds"`
	Error         string      `json:"error,omitempty"`
	StartedAt     time.Time   `json:"started_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// PendingTrack records one track of a queued SD mirror, with enough
// information to resume after the reader comes back online.
type PendingTrack struct {
	Index      int    `json:"index"`
	Name       string `json:"name"`
	SourcePath string `json:"source_path"`
	DestPath   string `json:"dest_path"`
}

// PendingUpload is a queued SD mirror for one reader, persisted so an
// interrupted transfer resumes on the next heartbeat.
type PendingUpload struct {
	ReaderIP   string         `json:"espuino_ip"`
	UID        TagUID         `json:"uid"`
	Series     string         `json:"series"`
	Episode    string         `json:"episode"`
	FolderPath string         `json:"folder_path"`
	AudioURL   string         `json:"audio_url"`
	Tracks     []PendingTrack `json:"tracks"`
	Status     string         `json:"status"`
	QueuedAt   time.Time      `json:"queued_at"`
}

// Validate checks queue invariants.
func (p PendingUpload) Validate() error {
	if p.ReaderIP == "" {
		return errors.New("reader ip is required")
	}
	if p.FolderPath == "" {
		return errors.New("folder path is required")
	}
	return nil
}

// SDTrack is one track entry in the manifest mirrored onto a reader's
// SD card alongside the audio files.
type SDTrack struct {
	Index    int     `json:"index"`
	Name     string  `json:"name"`
	File     string  `json:"file"`
	Duration float64 `json:"duration"`
	Size     int64   `json:"size"`
}

// SDManifest is the metadata.json written into each mirrored album
// folder on the SD card. It lets the server match folders back to tag
// UIDs and verify transfers by comparing file sizes.
type SDManifest struct {
	UID         TagUID    `json:"uid"`
	Series      string    `json:"series"`
	Episode     string    `json:"episode"`
	Title       string    `json:"title"`
	AudioURL    string    `json:"audio_url"`
	Tracks      []SDTrack `json:"tracks"`
	TotalTracks int       `json:"total_tracks"`
	UploadedAt  string    `json:"uploaded_at"`
}

// UIDMapFile is one file entry in a UID map document.
type UIDMapFile struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Size  int64  `json:"size"`
}

// UIDMap is the per-tag lookup document stored under /teddycloud/uids/
// on the SD card. It survives album folder renames and is the fallback
// when an album folder carries no manifest.
type UIDMap struct {
	UID     TagUID       `json:"uid"`
	Folder  string       `json:"folder"`
	Title   string       `json:"title"`
	Series  string       `json:"series"`
	Episode string       `json:"episode"`
	Files   []UIDMapFile `json:"files"`
}

// UploadVerification is the outcome of comparing an SD folder against
// the expected album contents.
type UploadVerification struct {
	Complete       bool        `json:"complete"`
	Folder         string      `json:"folder"`
	TotalTracks    int         `json:"total_tracks"`
	VerifiedTracks int         `json:"verified_tracks"`
	MissingTracks  []int       `json:"missing_tracks"`
	SizeMismatch   []int       `json:"size_mismatch"`
	Metadata       *SDManifest `json:"metadata,omitempty"`
	Error          string      `json:"error,omitempty"`
}
