package cast

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/vishen/go-chromecast/application"
	castproto "github.com/vishen/go-chromecast/cast"

	"toniebridge/internal/domain"
)

const (
	defaultPort = 8009

	// After this many consecutive connection failures a device is
	// disabled until restart, so a dead cast target cannot hold up tag
	// scans with repeated connect timeouts.
	maxConnectFailures = 3
)

// Resolver maps a cast device id (UUID from discovery) to its network
// address.
type Resolver func(id string) (addr string, port int, ok bool)

// mediaApp is the slice of go-chromecast's application API the client
// uses, narrowed for testing.
type mediaApp interface {
	Load(filenameOrURL string, startTime int, contentType string, transcode, detach, forceDetach bool) error
	Pause() error
	Unpause() error
	StopMedia() error
	SeekToTime(value float32) error
	Next() error
	Previous() error
	SetVolume(value float32) error
	Update() error
	Status() (*castproto.Application, *castproto.Media, *castproto.Volume)
	Close(stopMedia bool) error
}

func dialApplication(addr string, port int) (mediaApp, error) {
	app := application.NewApplication(
		application.WithDebug(false),
		application.WithCacheDisabled(true),
	)
	if err := app.Start(addr, port); err != nil {
		return nil, err
	}
	return app, nil
}

// Client drives Chromecast devices. Connections are cached per device
// because establishing one takes seconds.
type Client struct {
	logger  *slog.Logger
	resolve Resolver
	dial    func(addr string, port int) (mediaApp, error)

	mu       sync.Mutex
	apps     map[string]mediaApp
	failures map[string]int
	disabled map[string]bool
	sessions map[string]*session
}

func New(logger *slog.Logger, resolve Resolver) *Client {
	return &Client{
		logger:   logger,
		resolve:  resolve,
		dial:     dialApplication,
		apps:     make(map[string]mediaApp),
		failures: make(map[string]int),
		disabled: make(map[string]bool),
		sessions: make(map[string]*session),
	}
}

// mimeFromURL guesses the content type the cast receiver should expect.
func mimeFromURL(rawURL string) string {
	clean := rawURL
	if i := strings.IndexByte(clean, '?'); i >= 0 {
		clean = clean[:i]
	}
	switch strings.ToLower(path.Ext(clean)) {
	case ".ogg":
		return "audio/ogg"
	case ".m4a", ".aac":
		return "audio/mp4"
	default:
		return "audio/mpeg"
	}
}

func (c *Client) address(id string) (string, int, error) {
	if net.ParseIP(id) != nil {
		return id, defaultPort, nil
	}
	if c.resolve != nil {
		if addr, port, ok := c.resolve(id); ok {
			if port == 0 {
				port = defaultPort
			}
			return addr, port, nil
		}
	}
	return "", 0, fmt.Errorf("cast device %s has no known address: %w", id, domain.ErrDeviceOffline)
}

// app returns a cached or fresh connection. Devices past the failure
// limit are refused outright.
func (c *Client) app(id string) (mediaApp, error) {
	c.mu.Lock()
	if c.disabled[id] {
		c.mu.Unlock()
		return nil, fmt.Errorf("cast device %s disabled after repeated failures: %w", id, domain.ErrDeviceOffline)
	}
	if app, ok := c.apps[id]; ok {
		c.mu.Unlock()
		return app, nil
	}
	c.mu.Unlock()

	addr, port, err := c.address(id)
	if err != nil {
		return nil, err
	}
	app, err := c.dial(addr, port)
	if err != nil {
		c.fail(id)
		return nil, fmt.Errorf("connect cast device %s: %w", id, err)
	}
	c.mu.Lock()
	c.apps[id] = app
	c.failures[id] = 0
	c.mu.Unlock()
	return app, nil
}

func (c *Client) fail(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[id]++
	if c.failures[id] >= maxConnectFailures && !c.disabled[id] {
		c.disabled[id] = true
		c.logger.Warn("cast device disabled until restart",
			slog.String("id", id),
			slog.Int("failures", c.failures[id]))
	}
}

// drop evicts a cached connection after an error so the next call
// reconnects.
func (c *Client) drop(id string) {
	c.mu.Lock()
	app, ok := c.apps[id]
	delete(c.apps, id)
	c.mu.Unlock()
	if ok {
		app.Close(false)
	}
}

// session feeds queued track URLs to a device one at a time. The cast
// receiver has no usable queue API through this client, so the session
// waits for the current item to go idle before loading the next.
type session struct {
	cancel context.CancelFunc
	queue  chan string
}

func (c *Client) stopSession(id string) {
	c.mu.Lock()
	s, ok := c.sessions[id]
	delete(c.sessions, id)
	c.mu.Unlock()
	if ok {
		s.cancel()
	}
}

func (c *Client) startSession(id string, app mediaApp) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{cancel: cancel, queue: make(chan string, 64)}
	c.mu.Lock()
	c.sessions[id] = s
	c.mu.Unlock()
	go c.runSession(ctx, id, app, s.queue)
	return s
}

func (c *Client) runSession(ctx context.Context, id string, app mediaApp, queue <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case url := <-queue:
			if err := c.waitIdle(ctx, app); err != nil {
				return
			}
			if err := app.Load(url, 0, mimeFromURL(url), false, true, false); err != nil {
				c.logger.Warn("cast queue advance failed",
					slog.String("id", id),
					slog.String("error", err.Error()))
				c.drop(id)
				return
			}
		}
	}
}

func (c *Client) waitIdle(ctx context.Context, app mediaApp) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := app.Update(); err != nil {
				return err
			}
			_, media, _ := app.Status()
			if media == nil || media.PlayerState == "IDLE" {
				return nil
			}
		}
	}
}

func (c *Client) Play(ctx context.Context, id, url, title string, startPosition float64) error {
	c.stopSession(id)
	app, err := c.app(id)
	if err != nil {
		return err
	}
	if err := app.Load(url, int(startPosition), mimeFromURL(url), false, true, false); err != nil {
		c.drop(id)
		return fmt.Errorf("cast load: %w", err)
	}
	c.logger.Info("cast playback started",
		slog.String("id", id),
		slog.String("title", title))
	return nil
}

// PlayAlbum starts the first track immediately and feeds the rest
// through a session.
func (c *Client) PlayAlbum(ctx context.Context, id string, urls []string, title string) error {
	if len(urls) == 0 {
		return domain.ErrNotFound
	}
	c.stopSession(id)
	app, err := c.app(id)
	if err != nil {
		return err
	}
	if err := app.Load(urls[0], 0, mimeFromURL(urls[0]), false, true, false); err != nil {
		c.drop(id)
		return fmt.Errorf("cast load: %w", err)
	}
	if len(urls) > 1 {
		s := c.startSession(id, app)
		for _, u := range urls[1:] {
			s.queue <- u
		}
	}
	c.logger.Info("cast album started",
		slog.String("id", id),
		slog.String("title", title),
		slog.Int("tracks", len(urls)))
	return nil
}

// Enqueue adds one track behind whatever is playing, starting a session
// when none is running yet.
func (c *Client) Enqueue(ctx context.Context, id, url string) error {
	app, err := c.app(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	s := c.sessions[id]
	c.mu.Unlock()
	if s == nil {
		s = c.startSession(id, app)
	}
	select {
	case s.queue <- url:
		return nil
	default:
		return fmt.Errorf("cast queue for %s is full", id)
	}
}

func (c *Client) Pause(ctx context.Context, id string) error {
	app, err := c.app(id)
	if err != nil {
		return err
	}
	return app.Pause()
}

func (c *Client) Resume(ctx context.Context, id string) error {
	app, err := c.app(id)
	if err != nil {
		return err
	}
	return app.Unpause()
}

// Stop ends playback. Without a cached connection there is nothing to
// stop, and connecting just for that would defeat the failure guard.
func (c *Client) Stop(ctx context.Context, id string) error {
	c.stopSession(id)
	c.mu.Lock()
	app, ok := c.apps[id]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if err := app.StopMedia(); err != nil {
		c.drop(id)
		return err
	}
	return nil
}

func (c *Client) Seek(ctx context.Context, id string, position float64) error {
	app, err := c.app(id)
	if err != nil {
		return err
	}
	return app.SeekToTime(float32(position))
}

func (c *Client) Next(ctx context.Context, id string) error {
	app, err := c.app(id)
	if err != nil {
		return err
	}
	return app.Next()
}

func (c *Client) Previous(ctx context.Context, id string) error {
	app, err := c.app(id)
	if err != nil {
		return err
	}
	return app.Previous()
}

// VolumeStep changes the device volume by 5% per delta unit.
func (c *Client) VolumeStep(ctx context.Context, id string, delta int) error {
	app, err := c.app(id)
	if err != nil {
		return err
	}
	if err := app.Update(); err != nil {
		c.drop(id)
		return err
	}
	level := float32(0.5)
	if _, _, vol := app.Status(); vol != nil {
		level = vol.Level
	}
	level += float32(delta) * 0.05
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	return app.SetVolume(level)
}

var playerStates = map[string]domain.TransportStatus{
	"PLAYING":   domain.TransportPlaying,
	"PAUSED":    domain.TransportPaused,
	"IDLE":      domain.TransportStopped,
	"BUFFERING": domain.TransportTransitioning,
}

func (c *Client) TransportState(ctx context.Context, id string) (domain.TransportState, error) {
	app, err := c.app(id)
	if err != nil {
		return domain.TransportState{}, err
	}
	if err := app.Update(); err != nil {
		c.drop(id)
		return domain.TransportState{}, err
	}
	_, media, _ := app.Status()
	if media == nil {
		return domain.TransportState{Status: domain.TransportStopped}, nil
	}
	status, ok := playerStates[media.PlayerState]
	if !ok {
		status = domain.TransportUnknown
	}
	return domain.TransportState{
		Status:   status,
		Position: float64(media.CurrentTime),
		Duration: float64(media.Media.Duration),
	}, nil
}
