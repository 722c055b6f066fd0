package airplay

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"toniebridge/internal/domain"
)

// Classic AirPlay receivers answer HTTP on port 7000.
const defaultPort = 7000

// Client drives AirPlay receivers over the plain HTTP protocol. The
// device id is the receiver's IP address. Receivers have no queue, so
// album playback streams the concatenated album file instead; callers
// pass that URL in.
type Client struct {
	http   *http.Client
	logger *slog.Logger
	port   int
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithPort overrides the receiver port, for tests.
func WithPort(port int) Option {
	return func(c *Client) { c.port = port }
}

func New(logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: logger,
		port:   defaultPort,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) endpoint(id, path string) string {
	return fmt.Sprintf("http://%s:%d%s", id, c.port, path)
}

func (c *Client) post(ctx context.Context, id, path, contentType, body string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(id, path), strings.NewReader(body))
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("airplay %s: %w", path, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("airplay %s returned %d", path, resp.StatusCode)
	}
	return nil
}

// Play hands the receiver a URL to fetch. Resume positions go through
// a scrub once playback is underway.
func (c *Client) Play(ctx context.Context, id, url, title string, startPosition float64) error {
	body := "Content-Location: " + url + "\nStart-Position: 0\n"
	if err := c.post(ctx, id, "/play", "text/parameters", body); err != nil {
		return err
	}
	c.logger.Info("airplay playback started",
		slog.String("ip", id),
		slog.String("title", title))
	if startPosition > 0 {
		if err := c.Seek(ctx, id, startPosition); err != nil {
			c.logger.Warn("airplay resume scrub failed",
				slog.String("ip", id),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// PlayAlbum plays only the first URL; callers pass the concatenated
// album stream here.
func (c *Client) PlayAlbum(ctx context.Context, id string, urls []string, title string) error {
	if len(urls) == 0 {
		return domain.ErrNotFound
	}
	return c.Play(ctx, id, urls[0], title, 0)
}

func (c *Client) Enqueue(ctx context.Context, id, url string) error {
	return domain.ErrUnsupported
}

func (c *Client) Pause(ctx context.Context, id string) error {
	return c.post(ctx, id, "/rate?value=0.000000", "", "")
}

func (c *Client) Resume(ctx context.Context, id string) error {
	return c.post(ctx, id, "/rate?value=1.000000", "", "")
}

func (c *Client) Stop(ctx context.Context, id string) error {
	return c.post(ctx, id, "/stop", "", "")
}

func (c *Client) Seek(ctx context.Context, id string, position float64) error {
	return c.post(ctx, id, fmt.Sprintf("/scrub?position=%.3f", position), "", "")
}

func (c *Client) Next(ctx context.Context, id string) error {
	return domain.ErrUnsupported
}

func (c *Client) Previous(ctx context.Context, id string) error {
	return domain.ErrUnsupported
}

func (c *Client) VolumeStep(ctx context.Context, id string, delta int) error {
	return domain.ErrUnsupported
}

// TransportState reads /playback-info, an XML plist with duration,
// position and rate entries.
func (c *Client) TransportState(ctx context.Context, id string) (domain.TransportState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(id, "/playback-info"), nil)
	if err != nil {
		return domain.TransportState{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.TransportState{}, fmt.Errorf("airplay playback-info: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return domain.TransportState{Status: domain.TransportStopped}, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return domain.TransportState{}, err
	}
	values := plistNumbers(body)
	state := domain.TransportState{
		Position: values["position"],
		Duration: values["duration"],
	}
	switch {
	case len(values) == 0:
		state.Status = domain.TransportStopped
	case values["rate"] > 0:
		state.Status = domain.TransportPlaying
	default:
		state.Status = domain.TransportPaused
	}
	return state, nil
}

// plistNumbers extracts key/number pairs from an XML plist, ignoring
// nested structure. Good enough for the flat playback-info document.
func plistNumbers(body []byte) map[string]float64 {
	values := make(map[string]float64)
	dec := xml.NewDecoder(bytes.NewReader(body))
	var key string
	for {
		tok, err := dec.Token()
		if err != nil {
			return values
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "key":
			var k string
			if err := dec.DecodeElement(&k, &start); err != nil {
				return values
			}
			key = k
		case "real", "integer":
			var v float64
			if err := dec.DecodeElement(&v, &start); err != nil {
				continue
			}
			if key != "" {
				values[key] = v
				key = ""
			}
		}
	}
}
