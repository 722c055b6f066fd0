package ports

import (
	"context"

	"toniebridge/internal/domain"
)

// SDCard is the file-explorer and RFID surface of an SD-capable reader.
// All paths are absolute SD card paths; ip addresses the reader.
type SDCard interface {
	EnsureDir(ctx context.Context, ip, dirPath string)
	DeleteFile(ctx context.Context, ip, filePath string) error
	FileSize(ctx context.Context, ip, filePath string) (int64, bool)
	VerifyUpload(ctx context.Context, ip, folderPath, uidMapPath string) domain.UploadVerification
	SetRFIDMapping(ctx context.Context, ip, tagID, folderPath string, playMode int) error
	PushCacheProgress(ctx context.Context, ip string, percent int) error
	CurrentTagID(ctx context.Context, ip string) (string, error)
	PlaySD(ctx context.Context, ip, folderPath string) error
}

// SDUploader transfers files onto reader SD cards with throttling,
// retries and live status records.
type SDUploader interface {
	Upload(ctx context.Context, job domain.UploadJob) error
	Cancel(ip string)
	Busy(ip string) bool
	Statuses() []domain.UploadStatus
}
