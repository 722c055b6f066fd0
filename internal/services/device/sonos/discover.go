package sonos

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"toniebridge/internal/domain"
)

const (
	ssdpAddr   = "239.255.255.250:1900"
	ssdpTarget = "urn:schemas-upnp-org:device:ZonePlayer:1"
)

// Discoverer finds Sonos speakers with an SSDP M-SEARCH and reads each
// speaker's room name from its device description.
type Discoverer struct {
	http    *http.Client
	logger  *slog.Logger
	timeout time.Duration
}

func NewDiscoverer(logger *slog.Logger) *Discoverer {
	return &Discoverer{
		http:    &http.Client{Timeout: 5 * time.Second},
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

func (d *Discoverer) Discover(ctx context.Context) ([]domain.DeviceInfo, error) {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("ssdp listen: %w", err)
	}
	defer conn.Close()

	dst, err := net.ResolveUDPAddr("udp4", ssdpAddr)
	if err != nil {
		return nil, err
	}
	search := "M-SEARCH * HTTP/1.1\r\n" +
		"HOST: " + ssdpAddr + "\r\n" +
		`MAN: "ssdp:discover"` + "\r\n" +
		"MX: 1\r\n" +
		"ST: " + ssdpTarget + "\r\n\r\n"
	if _, err := conn.WriteTo([]byte(search), dst); err != nil {
		return nil, fmt.Errorf("ssdp search: %w", err)
	}

	deadline := time.Now().Add(d.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetReadDeadline(deadline)

	seen := make(map[string]bool)
	var devices []domain.DeviceInfo
	buf := make([]byte, 4096)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			break // deadline reached
		}
		location, usn := parseSSDPResponse(buf[:n])
		if location == "" || !strings.Contains(usn, "RINCON") {
			continue
		}
		uid := uidFromUSN(usn)
		if uid == "" || seen[uid] {
			continue
		}
		seen[uid] = true

		host := from.String()
		if u, err := url.Parse(location); err == nil && u.Hostname() != "" {
			host = u.Hostname()
		} else if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		name := d.roomName(ctx, location)
		if name == "" {
			name = "Sonos " + host
		}
		devices = append(devices, domain.DeviceInfo{
			Kind:    domain.DeviceSonos,
			ID:      uid,
			Name:    name,
			Address: host,
			Online:  true,
		})
	}
	d.logger.Info("sonos discovery finished", slog.Int("found", len(devices)))
	return devices, nil
}

// parseSSDPResponse pulls LOCATION and USN out of an SSDP reply, which
// is framed like an HTTP response.
func parseSSDPResponse(raw []byte) (location, usn string) {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), nil)
	if err != nil {
		return "", ""
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.Header.Get("Location"), resp.Header.Get("USN")
}

// uidFromUSN extracts the RINCON uid from a USN header such as
// "uuid:RINCON_000E58A0123401400::urn:schemas-upnp-org:device:ZonePlayer:1".
func uidFromUSN(usn string) string {
	s := strings.TrimPrefix(usn, "uuid:")
	if i := strings.Index(s, "::"); i >= 0 {
		s = s[:i]
	}
	if !strings.HasPrefix(s, "RINCON") {
		return ""
	}
	return s
}

// roomName fetches the speaker's device description and returns its
// configured room.
func (d *Discoverer) roomName(ctx context.Context, location string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return ""
	}
	resp, err := d.http.Do(req)
	if err != nil {
		d.logger.Debug("sonos description fetch failed",
			slog.String("location", location),
			slog.String("error", err.Error()))
		return ""
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256*1024))
	if err != nil {
		return ""
	}
	if room := xmlTagValue(body, "roomName"); room != "" {
		return room
	}
	return xmlTagValue(body, "friendlyName")
}
