package espuino

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"log/slog"

	"golang.org/x/time/rate"

	"toniebridge/internal/domain"
	"toniebridge/internal/metrics"
)

const (
	uploadChunk       = 64 * 1024
	uploadMaxRetries  = 3
	uploadStallWindow = 10 * time.Second
	cancelWindow      = 15 * time.Second
	statusLinger      = 5 * time.Second
)

// ErrCancelled is returned when an upload was aborted by the user.
var ErrCancelled = errors.New("upload cancelled")

var errStalled = errors.New("upload stalled: no progress for 10s")

// Job is the uploader's unit of work, shared with the orchestration
// layer.
type Job = domain.UploadJob

// Uploader pushes files onto reader SD cards. SD writes on the readers
// are slow and the firmware's web server is fragile, so transfers are
// throttled, watched for stalls and retried with backoff. Status
// records are kept for the UI while a transfer runs.
type Uploader struct {
	client  *Client
	logger  *slog.Logger
	maxKBPS func() int

	mu       sync.Mutex
	statuses map[string]domain.UploadStatus
	cancels  map[string]time.Time

	retryDelay func(attempt int) time.Duration
}

func NewUploader(client *Client, logger *slog.Logger, maxKBPS func() int) *Uploader {
	return &Uploader{
		client:   client,
		logger:   logger,
		maxKBPS:  maxKBPS,
		statuses: make(map[string]domain.UploadStatus),
		cancels:  make(map[string]time.Time),
		retryDelay: func(attempt int) time.Duration {
			return 5 * time.Second << (attempt - 1) // 5s, 10s, 20s
		},
	}
}

// Cancel flags all transfers to the given reader for cancellation. The
// flag expires on its own so a later mirror is not silently killed by a
// stale cancel.
func (u *Uploader) Cancel(ip string) {
	u.mu.Lock()
	u.cancels[ip] = time.Now()
	u.mu.Unlock()
	u.logger.Info("upload cancel requested", slog.String("ip", ip))
}

func (u *Uploader) cancelRequested(ip string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	at, ok := u.cancels[ip]
	if !ok {
		return false
	}
	if time.Since(at) > cancelWindow {
		delete(u.cancels, ip)
		return false
	}
	return true
}

// Statuses returns a snapshot of all tracked transfers.
func (u *Uploader) Statuses() []domain.UploadStatus {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]domain.UploadStatus, 0, len(u.statuses))
	for _, s := range u.statuses {
		out = append(out, s)
	}
	return out
}

// Busy reports whether any transfer to the given reader is running.
func (u *Uploader) Busy(ip string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, s := range u.statuses {
		if s.ReaderIP == ip && (s.Phase == domain.UploadActive || s.Phase == domain.UploadRetrying) {
			return true
		}
	}
	return false
}

func statusKey(ip, dest string) string { return ip + "|" + dest }

func (u *Uploader) setStatus(job Job, phase domain.UploadPhase, bytes, total int64, startedAt time.Time, errMsg string) {
	now := time.Now()
	title := job.Title
	if title == "" {
		title = path.Base(job.DestPath)
	}
	status := domain.UploadStatus{
		ID:            statusKey(job.IP, job.DestPath),
		ReaderIP:      job.IP,
		SourcePath:    job.SourcePath,
		DestPath:      job.DestPath,
		Title:         title,
		TrackIndex:    job.TrackIndex,
		TotalTracks:   job.TotalTracks,
		Aux:           job.Aux,
		Phase:         phase,
		BytesUploaded: bytes,
		TotalBytes:    total,
		Error:         errMsg,
		StartedAt:     startedAt,
		UpdatedAt:     now,
	}
	if total > 0 {
		status.Progress = float64(bytes) / float64(total) * 100
	}
	if elapsed := now.Sub(startedAt).Seconds(); elapsed > 0 && bytes > 0 {
		status.RateBytesSec = float64(bytes) / elapsed
		if status.RateBytesSec > 0 {
			status.ETASeconds = float64(total-bytes) / status.RateBytesSec
		}
	}
	u.mu.Lock()
	u.statuses[status.ID] = status
	u.mu.Unlock()
}

func (u *Uploader) clearStatusSoon(ip, dest string) {
	key := statusKey(ip, dest)
	time.AfterFunc(statusLinger, func() {
		u.mu.Lock()
		delete(u.statuses, key)
		u.mu.Unlock()
	})
}

// uploadTimeout scales with file size. Reader SD writes run at roughly
// 300-500 KB/s, so allow 90 seconds per MB with a 3 minute floor.
func uploadTimeout(size int64) time.Duration {
	secs := size / (1024 * 1024) * 90
	if secs < 180 {
		secs = 180
	}
	return time.Duration(secs) * time.Second
}

func contentTypeFor(dest string) string {
	if strings.EqualFold(path.Ext(dest), ".json") {
		return "application/json"
	}
	return "audio/mpeg"
}

// Upload transfers one file, retrying with backoff on failure. It
// returns ErrCancelled when the user aborted, or the last transfer
// error after all attempts.
func (u *Uploader) Upload(ctx context.Context, job Job) error {
	info, err := os.Stat(job.SourcePath)
	if err != nil {
		u.logger.Error("upload source missing", slog.String("path", job.SourcePath))
		return fmt.Errorf("upload source: %w", err)
	}
	size := info.Size()
	startedAt := time.Now()

	if u.cancelRequested(job.IP) {
		u.setStatus(job, domain.UploadFailed, 0, size, startedAt, "Cancelled by user")
		u.clearStatusSoon(job.IP, job.DestPath)
		return ErrCancelled
	}
	u.setStatus(job, domain.UploadActive, 0, size, startedAt, "")

	destDir := path.Dir(job.DestPath)
	if destDir == "." {
		destDir = "/"
	}
	u.client.EnsureDir(ctx, job.IP, destDir)

	var lastErr error
	for attempt := 0; attempt < uploadMaxRetries; attempt++ {
		if u.cancelRequested(job.IP) {
			u.setStatus(job, domain.UploadFailed, 0, size, startedAt, "Cancelled by user")
			u.clearStatusSoon(job.IP, job.DestPath)
			return ErrCancelled
		}
		if attempt > 0 {
			delay := u.retryDelay(attempt)
			u.logger.Info("retrying upload",
				slog.String("ip", job.IP),
				slog.String("dest", job.DestPath),
				slog.Int("attempt", attempt+1),
				slog.Duration("delay", delay))
			u.setStatus(job, domain.UploadRetrying, 0, size, startedAt, "")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := u.attempt(ctx, job, destDir, size, startedAt)
		if err == nil {
			u.logger.Info("upload complete",
				slog.String("ip", job.IP),
				slog.String("dest", job.DestPath),
				slog.Int64("bytes", size),
				slog.Duration("elapsed", time.Since(startedAt)))
			u.setStatus(job, domain.UploadComplete, size, size, startedAt, "")
			u.clearStatusSoon(job.IP, job.DestPath)
			metrics.UploadBytesTotal.Add(float64(size))
			return nil
		}
		if errors.Is(err, ErrCancelled) || errors.Is(err, errStalled) {
			u.setStatus(job, domain.UploadFailed, 0, size, startedAt, err.Error())
			u.clearStatusSoon(job.IP, job.DestPath)
			return err
		}
		lastErr = err
		u.logger.Warn("upload attempt failed",
			slog.String("ip", job.IP),
			slog.String("dest", job.DestPath),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
	}

	msg := "unknown error"
	if lastErr != nil {
		msg = lastErr.Error()
		if len(msg) > 100 {
			msg = msg[:100]
		}
	}
	u.setStatus(job, domain.UploadFailed, 0, size, startedAt, msg)
	u.clearStatusSoon(job.IP, job.DestPath)
	metrics.UploadFailuresTotal.Inc()
	return fmt.Errorf("upload to %s failed after %d attempts: %w", job.IP, uploadMaxRetries, lastErr)
}

func (u *Uploader) attempt(ctx context.Context, job Job, destDir string, size int64, startedAt time.Time) error {
	attemptCtx, cancel := context.WithTimeout(ctx, uploadTimeout(size))
	defer cancel()

	kbps := job.MaxKBPS
	if kbps < 0 {
		kbps = u.maxKBPS()
	}
	var limiter *rate.Limiter
	if kbps > 0 {
		limiter = rate.NewLimiter(rate.Limit(kbps*1024), uploadChunk)
	}

	f, err := os.Open(job.SourcePath)
	if err != nil {
		return err
	}
	defer f.Close()

	progress := newProgressTracker()
	reader := &throttledReader{
		ctx:     attemptCtx,
		src:     f,
		limiter: limiter,
		total:   size,
		onProgress: func(read int64) {
			u.setStatus(job, domain.UploadActive, read, size, startedAt, "")
			progress.touch()
			if u.cancelRequested(job.IP) {
				cancel()
			}
		},
	}

	// Watchdog kills the request when progress stops or the user
	// cancels mid-transfer.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-watchDone:
				return
			case <-attemptCtx.Done():
				return
			case <-ticker.C:
				if u.cancelRequested(job.IP) || progress.stalled(uploadStallWindow) {
					cancel()
					return
				}
			}
		}
	}()

	// The firmware is sensitive to chunked transfer framing, so the
	// multipart body is streamed through a pipe with fixed-size reads.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition",
			fmt.Sprintf(`form-data; name="file"; filename="%s"`, path.Base(job.DestPath)))
		header.Set("Content-Type", contentTypeFor(job.DestPath))
		part, err := mw.CreatePart(header)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, reader); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	uploadURL := fmt.Sprintf("http://%s/explorer?path=%s", job.IP, url.QueryEscape(destDir))
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, uploadURL, pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := u.client.http.Do(req)
	if err != nil {
		if attemptCtx.Err() != nil {
			if u.cancelRequested(job.IP) {
				return ErrCancelled
			}
			if progress.stalled(uploadStallWindow) {
				return errStalled
			}
			return fmt.Errorf("upload timeout: %w", attemptCtx.Err())
		}
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reader returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// progressTracker remembers when bytes last moved, for stall detection.
type progressTracker struct {
	mu   sync.Mutex
	last time.Time
}

func newProgressTracker() *progressTracker {
	return &progressTracker{last: time.Now()}
}

func (p *progressTracker) touch() {
	p.mu.Lock()
	p.last = time.Now()
	p.mu.Unlock()
}

func (p *progressTracker) stalled(window time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.last) > window
}

// throttledReader limits throughput to what the reader's SD card can
// absorb and reports progress at most every 100ms.
type throttledReader struct {
	ctx        context.Context
	src        io.Reader
	limiter    *rate.Limiter
	total      int64
	onProgress func(read int64)

	read   int64
	lastCB time.Time
}

func (r *throttledReader) Read(p []byte) (int, error) {
	if len(p) > uploadChunk {
		p = p[:uploadChunk]
	}
	n, err := r.src.Read(p)
	if n > 0 {
		r.read += int64(n)
		if r.limiter != nil {
			if werr := r.limiter.WaitN(r.ctx, n); werr != nil {
				return n, werr
			}
		}
		if now := time.Now(); now.Sub(r.lastCB) > 100*time.Millisecond || r.read >= r.total {
			if r.onProgress != nil {
				r.onProgress(r.read)
			}
			r.lastCB = now
		}
	}
	return n, err
}
