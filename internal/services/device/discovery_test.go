package device

import (
	"context"
	"net"
	"testing"

	"github.com/hashicorp/mdns"

	"toniebridge/internal/domain"
)

func TestCastEntryPrefersTXTRecords(t *testing.T) {
	info, ok := castEntry(&mdns.ServiceEntry{
		Name:       "Chromecast-Audio-abc._googlecast._tcp.local.",
		AddrV4:     net.IPv4(10, 0, 0, 5),
		Port:       8009,
		InfoFields: []string{"id=aabbccdd", "fn=Kinderzimmer", "md=Chromecast"},
	})
	if !ok {
		t.Fatalf("entry rejected")
	}
	if info.ID != "aabbccdd" || info.Name != "Kinderzimmer" {
		t.Fatalf("info = %+v", info)
	}
	if info.Address != "10.0.0.5" || info.Port != 8009 {
		t.Fatalf("address = %s:%d", info.Address, info.Port)
	}
}

func TestCastEntryFallsBackToInstanceName(t *testing.T) {
	info, ok := castEntry(&mdns.ServiceEntry{
		Name:   "Living\\ Room._googlecast._tcp.local.",
		AddrV4: net.IPv4(10, 0, 0, 6),
		Port:   8009,
	})
	if !ok || info.ID != "10.0.0.6" || info.Name != "Living Room" {
		t.Fatalf("info = %+v", info)
	}
}

func TestAirPlayEntryUsesAddressAsID(t *testing.T) {
	info, ok := airplayEntry(&mdns.ServiceEntry{
		Name:   "Wohnzimmer._airplay._tcp.local.",
		AddrV4: net.IPv4(10, 0, 0, 7),
		Port:   7000,
	})
	if !ok || info.ID != "10.0.0.7" || info.Address != "10.0.0.7" {
		t.Fatalf("info = %+v", info)
	}
	if info.Name != "Wohnzimmer" || info.Kind != domain.DeviceAirPlay {
		t.Fatalf("info = %+v", info)
	}
}

func TestEntryWithoutAddressSkipped(t *testing.T) {
	if _, ok := castEntry(&mdns.ServiceEntry{Name: "x._googlecast._tcp.local."}); ok {
		t.Fatalf("addressless cast entry accepted")
	}
	if _, ok := airplayEntry(&mdns.ServiceEntry{Name: "x._airplay._tcp.local."}); ok {
		t.Fatalf("addressless airplay entry accepted")
	}
}

func TestTxtField(t *testing.T) {
	fields := []string{"id=abc", "fn=Name With Spaces", "ve=05"}
	if got := txtField(fields, "fn"); got != "Name With Spaces" {
		t.Fatalf("fn = %q", got)
	}
	if got := txtField(fields, "missing"); got != "" {
		t.Fatalf("missing = %q", got)
	}
}

func TestDiscoverDeduplicatesEntries(t *testing.T) {
	d := NewCastDiscoverer(testLogger())
	d.query = func(params *mdns.QueryParam) error {
		entry := &mdns.ServiceEntry{
			Name:       "TV._googlecast._tcp.local.",
			AddrV4:     net.IPv4(10, 0, 0, 8),
			Port:       8009,
			InfoFields: []string{"id=uuid-1", "fn=TV"},
		}
		params.Entries <- entry
		params.Entries <- entry
		return nil
	}

	devices, err := d.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(devices) != 1 || devices[0].ID != "uuid-1" || !devices[0].Online {
		t.Fatalf("devices = %+v", devices)
	}
}
