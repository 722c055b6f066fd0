package sonos

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"toniebridge/internal/domain"
)

// Sonos speakers expose UPnP AVTransport on port 1400.
const (
	controlPort       = 1400
	avTransportPath   = "/MediaRenderer/AVTransport/Control"
	avTransportURN    = "urn:schemas-upnp-org:service:AVTransport:1"
	renderingCtrlPath = "/MediaRenderer/RenderingControl/Control"
	renderingCtrlURN  = "urn:schemas-upnp-org:service:RenderingControl:1"
	defaultSoapLimit  = 64 * 1024
)

// Resolver maps a speaker UID (RINCON_...) to its IP address, typically
// backed by the device registry.
type Resolver func(uid string) (string, bool)

// Client drives Sonos speakers over their SOAP AVTransport service.
// Device ids are speaker UIDs; plain IP addresses are accepted too
// because readers acting as remotes pass those through.
type Client struct {
	http    *http.Client
	logger  *slog.Logger
	resolve Resolver
	port    int
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithPort overrides the speaker control port, for tests.
func WithPort(port int) Option {
	return func(c *Client) { c.port = port }
}

func New(logger *slog.Logger, resolve Resolver, opts ...Option) *Client {
	c := &Client{
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
		resolve: resolve,
		port:    controlPort,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// speakerIP resolves the device id to an address. Anything that looks
// like an IP is passed through unchanged.
func (c *Client) speakerIP(id string) (string, error) {
	if id != "" && strings.Contains(id, ".") && !strings.HasPrefix(id, "RINCON") {
		return id, nil
	}
	if c.resolve != nil {
		if ip, ok := c.resolve(id); ok {
			return ip, nil
		}
	}
	return "", fmt.Errorf("sonos %s has no known address: %w", id, domain.ErrDeviceOffline)
}

func xmlEscape(s string) string {
	var b bytes.Buffer
	xml.EscapeText(&b, []byte(s))
	return b.String()
}

// didlMetadata builds the minimal DIDL-Lite blob Sonos expects next to
// a transport URI.
func didlMetadata(title string) string {
	return `<DIDL-Lite xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/"` +
		` xmlns:dc="http://purl.org/dc/elements/1.1/"` +
		` xmlns:upnp="urn:schemas-upnp-org:metadata-1-0/upnp/">` +
		`<item id="-1" parentID="-1" restricted="true">` +
		`<dc:title>` + xmlEscape(title) + `</dc:title>` +
		`<upnp:class>object.item.audioItem.musicTrack</upnp:class>` +
		`</item></DIDL-Lite>`
}

// soapCall performs one AVTransport action and returns the raw response
// envelope.
func (c *Client) soapCall(ctx context.Context, ip, action, arguments string) ([]byte, error) {
	return c.soap(ctx, ip, avTransportURN, avTransportPath, action, arguments)
}

func (c *Client) soap(ctx context.Context, ip, urn, path, action, arguments string) ([]byte, error) {
	envelope := `<?xml version="1.0" encoding="utf-8"?>` +
		`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"` +
		` s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">` +
		`<s:Body><u:` + action + ` xmlns:u="` + urn + `">` +
		`<InstanceID>0</InstanceID>` + arguments +
		`</u:` + action + `></s:Body></s:Envelope>`

	endpoint := fmt.Sprintf("http://%s:%d%s", ip, c.port, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(envelope))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPACTION", fmt.Sprintf(`"%s#%s"`, urn, action))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sonos %s: %w", action, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, defaultSoapLimit))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sonos %s returned %d: %s", action, resp.StatusCode, firstLine(body))
	}
	return body, nil
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// xmlTagValue walks the document and returns the text of the first
// element with the given local name.
func xmlTagValue(body []byte, tag string) string {
	dec := xml.NewDecoder(bytes.NewReader(body))
	for {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != tag {
			continue
		}
		var value string
		if err := dec.DecodeElement(&value, &start); err != nil {
			return ""
		}
		return value
	}
}

// formatClock renders seconds as the H:MM:SS form Sonos expects.
func formatClock(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int(seconds)
	return fmt.Sprintf("%d:%02d:%02d", total/3600, total%3600/60, total%60)
}

// parseClock converts Sonos time strings ("0:02:35") to seconds.
// "NOT_IMPLEMENTED" and empty values become 0.
func parseClock(s string) float64 {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return 0
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	sec, err3 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0
	}
	return float64(h*3600+m*60) + sec
}

func (c *Client) setTransportURI(ctx context.Context, ip, uri, title string) error {
	args := `<CurrentURI>` + xmlEscape(uri) + `</CurrentURI>` +
		`<CurrentURIMetaData>` + xmlEscape(didlMetadata(title)) + `</CurrentURIMetaData>`
	_, err := c.soapCall(ctx, ip, "SetAVTransportURI", args)
	return err
}

func (c *Client) play(ctx context.Context, ip string) error {
	_, err := c.soapCall(ctx, ip, "Play", `<Speed>1</Speed>`)
	return err
}

// Play starts single-URL playback, seeking first when a resume position
// is given.
func (c *Client) Play(ctx context.Context, id, url, title string, startPosition float64) error {
	ip, err := c.speakerIP(id)
	if err != nil {
		return err
	}
	if err := c.setTransportURI(ctx, ip, url, title); err != nil {
		return err
	}
	if startPosition > 0 {
		if err := c.seek(ctx, ip, startPosition); err != nil {
			c.logger.Warn("sonos resume seek failed",
				slog.String("ip", ip),
				slog.String("error", err.Error()))
		}
	}
	return c.play(ctx, ip)
}

// PlayAlbum replaces the speaker queue with the given track URLs and
// plays it from the top, so the speaker advances tracks on its own.
func (c *Client) PlayAlbum(ctx context.Context, id string, urls []string, title string) error {
	ip, err := c.speakerIP(id)
	if err != nil {
		return err
	}
	if len(urls) == 0 {
		return domain.ErrNotFound
	}
	if _, err := c.soapCall(ctx, ip, "RemoveAllTracksFromQueue", ""); err != nil {
		return err
	}
	for i, u := range urls {
		trackTitle := fmt.Sprintf("%s - Track %d", title, i+1)
		if err := c.enqueue(ctx, ip, u, trackTitle); err != nil {
			return err
		}
	}
	uid, err := c.localUID(ctx, ip, id)
	if err != nil {
		return err
	}
	if err := c.setTransportURI(ctx, ip, "x-rincon-queue:"+uid+"#0", title); err != nil {
		return err
	}
	if _, err := c.soapCall(ctx, ip, "Seek", `<Unit>TRACK_NR</Unit><Target>1</Target>`); err != nil {
		return err
	}
	return c.play(ctx, ip)
}

func (c *Client) enqueue(ctx context.Context, ip, url, title string) error {
	args := `<EnqueuedURI>` + xmlEscape(url) + `</EnqueuedURI>` +
		`<EnqueuedURIMetaData>` + xmlEscape(didlMetadata(title)) + `</EnqueuedURIMetaData>` +
		`<DesiredFirstTrackNumberEnqueued>0</DesiredFirstTrackNumberEnqueued>` +
		`<EnqueueAsNext>0</EnqueueAsNext>`
	_, err := c.soapCall(ctx, ip, "AddURIToQueue", args)
	return err
}

// Enqueue appends one track to the speaker queue, used while remaining
// album tracks are still being encoded.
func (c *Client) Enqueue(ctx context.Context, id, url string) error {
	ip, err := c.speakerIP(id)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, ip, url, "Track")
}

// localUID fetches the speaker's RINCON uid, needed to address its own
// queue. When the caller already passed a uid it is used directly.
func (c *Client) localUID(ctx context.Context, ip, id string) (string, error) {
	if strings.HasPrefix(id, "RINCON") {
		return id, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://%s:%d/status/zp", ip, c.port), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("sonos zone info: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, defaultSoapLimit))
	if err != nil {
		return "", err
	}
	uid := xmlTagValue(body, "LocalUID")
	if uid == "" {
		return "", fmt.Errorf("sonos zone info for %s has no uid", ip)
	}
	return uid, nil
}

func (c *Client) Pause(ctx context.Context, id string) error {
	ip, err := c.speakerIP(id)
	if err != nil {
		return err
	}
	_, err = c.soapCall(ctx, ip, "Pause", "")
	return err
}

func (c *Client) Resume(ctx context.Context, id string) error {
	ip, err := c.speakerIP(id)
	if err != nil {
		return err
	}
	return c.play(ctx, ip)
}

func (c *Client) Stop(ctx context.Context, id string) error {
	ip, err := c.speakerIP(id)
	if err != nil {
		return err
	}
	_, err = c.soapCall(ctx, ip, "Stop", "")
	return err
}

func (c *Client) seek(ctx context.Context, ip string, position float64) error {
	args := `<Unit>REL_TIME</Unit><Target>` + formatClock(position) + `</Target>`
	_, err := c.soapCall(ctx, ip, "Seek", args)
	return err
}

func (c *Client) Seek(ctx context.Context, id string, position float64) error {
	ip, err := c.speakerIP(id)
	if err != nil {
		return err
	}
	return c.seek(ctx, ip, position)
}

func (c *Client) Next(ctx context.Context, id string) error {
	ip, err := c.speakerIP(id)
	if err != nil {
		return err
	}
	_, err = c.soapCall(ctx, ip, "Next", "")
	return err
}

func (c *Client) Previous(ctx context.Context, id string) error {
	ip, err := c.speakerIP(id)
	if err != nil {
		return err
	}
	_, err = c.soapCall(ctx, ip, "Previous", "")
	return err
}

// VolumeStep nudges the speaker volume by delta percent.
func (c *Client) VolumeStep(ctx context.Context, id string, delta int) error {
	ip, err := c.speakerIP(id)
	if err != nil {
		return err
	}
	args := fmt.Sprintf(`<Channel>Master</Channel><Adjustment>%d</Adjustment>`, delta)
	_, err = c.soap(ctx, ip, renderingCtrlURN, renderingCtrlPath, "SetRelativeVolume", args)
	return err
}

var transportStates = map[string]domain.TransportStatus{
	"PLAYING":          domain.TransportPlaying,
	"PAUSED_PLAYBACK":  domain.TransportPaused,
	"STOPPED":          domain.TransportStopped,
	"TRANSITIONING":    domain.TransportTransitioning,
	"NO_MEDIA_PRESENT": domain.TransportStopped,
}

// TransportState reads the speaker's play state and position.
func (c *Client) TransportState(ctx context.Context, id string) (domain.TransportState, error) {
	ip, err := c.speakerIP(id)
	if err != nil {
		return domain.TransportState{}, err
	}
	info, err := c.soapCall(ctx, ip, "GetTransportInfo", "")
	if err != nil {
		return domain.TransportState{}, err
	}
	status, ok := transportStates[xmlTagValue(info, "CurrentTransportState")]
	if !ok {
		status = domain.TransportUnknown
	}
	state := domain.TransportState{Status: status}

	position, err := c.soapCall(ctx, ip, "GetPositionInfo", "")
	if err != nil {
		return state, nil
	}
	state.Position = parseClock(xmlTagValue(position, "RelTime"))
	state.Duration = parseClock(xmlTagValue(position, "TrackDuration"))
	return state, nil
}
