package device

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/mdns"

	"toniebridge/internal/domain"
)

// MDNSDiscoverer finds one device family via multicast DNS.
type MDNSDiscoverer struct {
	kind    domain.DeviceKind
	service string
	logger  *slog.Logger
	timeout time.Duration
	query   func(*mdns.QueryParam) error
	convert func(*mdns.ServiceEntry) (domain.DeviceInfo, bool)
}

// NewCastDiscoverer looks for Chromecast receivers. Their TXT records
// carry the device UUID (id) and friendly name (fn).
func NewCastDiscoverer(logger *slog.Logger) *MDNSDiscoverer {
	return &MDNSDiscoverer{
		kind:    domain.DeviceCast,
		service: "_googlecast._tcp",
		logger:  logger,
		timeout: 5 * time.Second,
		query:   mdns.Query,
		convert: castEntry,
	}
}

// NewAirPlayDiscoverer looks for AirPlay receivers.
func NewAirPlayDiscoverer(logger *slog.Logger) *MDNSDiscoverer {
	return &MDNSDiscoverer{
		kind:    domain.DeviceAirPlay,
		service: "_airplay._tcp",
		logger:  logger,
		timeout: 5 * time.Second,
		query:   mdns.Query,
		convert: airplayEntry,
	}
}

func (d *MDNSDiscoverer) Discover(ctx context.Context) ([]domain.DeviceInfo, error) {
	entries := make(chan *mdns.ServiceEntry, 32)
	collected := make(chan []domain.DeviceInfo, 1)
	go func() {
		var devices []domain.DeviceInfo
		seen := make(map[string]bool)
		for e := range entries {
			info, ok := d.convert(e)
			if !ok || seen[info.ID] {
				continue
			}
			seen[info.ID] = true
			info.Online = true
			devices = append(devices, info)
		}
		collected <- devices
	}()

	params := mdns.DefaultParams(d.service)
	params.Entries = entries
	params.Timeout = d.timeout
	params.DisableIPv6 = true
	err := d.query(params)
	close(entries)
	devices := <-collected
	if err != nil {
		return devices, err
	}
	d.logger.Info("mdns discovery finished",
		slog.String("service", d.service),
		slog.Int("found", len(devices)))
	return devices, nil
}

// txtField finds "key=value" in an mDNS TXT record set.
func txtField(fields []string, key string) string {
	prefix := key + "="
	for _, f := range fields {
		if strings.HasPrefix(f, prefix) {
			return f[len(prefix):]
		}
	}
	return ""
}

// instanceName strips the service suffix from an mDNS entry name, e.g.
// "Living Room._airplay._tcp.local." becomes "Living Room".
func instanceName(name string) string {
	if i := strings.Index(name, "._"); i >= 0 {
		name = name[:i]
	}
	return strings.ReplaceAll(name, "\\ ", " ")
}

func castEntry(e *mdns.ServiceEntry) (domain.DeviceInfo, bool) {
	if e.AddrV4 == nil {
		return domain.DeviceInfo{}, false
	}
	id := txtField(e.InfoFields, "id")
	if id == "" {
		id = e.AddrV4.String()
	}
	name := txtField(e.InfoFields, "fn")
	if name == "" {
		name = instanceName(e.Name)
	}
	return domain.DeviceInfo{
		Kind:    domain.DeviceCast,
		ID:      id,
		Name:    name,
		Address: e.AddrV4.String(),
		Port:    e.Port,
	}, true
}

func airplayEntry(e *mdns.ServiceEntry) (domain.DeviceInfo, bool) {
	if e.AddrV4 == nil {
		return domain.DeviceInfo{}, false
	}
	addr := e.AddrV4.String()
	return domain.DeviceInfo{
		Kind: domain.DeviceAirPlay,
		// AirPlay control runs over plain HTTP on the receiver, so
		// the address doubles as the id.
		ID:      addr,
		Name:    instanceName(e.Name),
		Address: addr,
		Port:    e.Port,
	}, true
}
