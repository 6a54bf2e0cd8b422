package identity

import (
	"context"
	"errors"
	"testing"

	psnet "github.com/shirou/gopsutil/v3/net"
)

func staticLister(ifaces ...psnet.InterfaceStat) Lister {
	return func(context.Context) (psnet.InterfaceStatList, error) {
		return ifaces, nil
	}
}

func iface(name, mac string, flags []string, addrs ...string) psnet.InterfaceStat {
	s := psnet.InterfaceStat{Name: name, HardwareAddr: mac, Flags: flags}
	for _, a := range addrs {
		s.Addrs = append(s.Addrs, psnet.InterfaceAddr{Addr: a})
	}
	return s
}

var up = []string{"up", "broadcast", "multicast"}

func TestResolvePrefersInterfaceWithIPv4(t *testing.T) {
	r := NewResolver(staticLister(
		iface("lo", "", []string{"up", "loopback"}, "127.0.0.1/8"),
		iface("eth0", "AA:BB:CC:00:00:01", up, "fe80::1/64"),
		iface("eth1", "AA:BB:CC:00:00:02", up, "192.168.1.20/24"),
		iface("docker0", "02:42:ac:11:00:02", up, "172.17.0.1/16"),
	))

	mac, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if mac != "aa:bb:cc:00:00:02" {
		t.Fatalf("mac = %q, want eth1's", mac)
	}
}

func TestResolveTieBreaksByName(t *testing.T) {
	r := NewResolver(staticLister(
		iface("wlan0", "00:11:22:33:44:66", up, "10.0.0.6/24"),
		iface("enp3s0", "00:11:22:33:44:55", up, "10.0.0.5/24"),
	))
	for i := 0; i < 3; i++ {
		mac, err := r.Resolve(context.Background())
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if mac != "00:11:22:33:44:55" {
			t.Fatalf("mac = %q, want enp3s0's", mac)
		}
	}
}

func TestResolveSkipsDownVirtualAndZero(t *testing.T) {
	r := NewResolver(staticLister(
		iface("eth0", "00:11:22:33:44:55", []string{"broadcast"}, "10.0.0.5/24"),
		iface("veth12ab", "0a:58:0a:f4:00:01", up, "10.244.0.1/24"),
		iface("wg0", "aa:aa:aa:aa:aa:aa", up, "10.8.0.2/24"),
		iface("eth1", "00:00:00:00:00:00", up, "10.0.0.6/24"),
	))
	_, err := r.Resolve(context.Background())
	if !errors.Is(err, ErrIdentityUnavailable) {
		t.Fatalf("expected ErrIdentityUnavailable, got %v", err)
	}
}

func TestResolveListerError(t *testing.T) {
	r := NewResolver(func(context.Context) (psnet.InterfaceStatList, error) {
		return nil, errors.New("permission denied")
	})
	if _, err := r.Resolve(context.Background()); !errors.Is(err, ErrIdentityUnavailable) {
		t.Fatalf("expected ErrIdentityUnavailable, got %v", err)
	}
}

func TestResolveFallsBackToInterfaceWithoutAddress(t *testing.T) {
	r := NewResolver(staticLister(iface("eth0", "00:11:22:33:44:55", up)))
	mac, err := r.Resolve(context.Background())
	if err != nil || mac != "00:11:22:33:44:55" {
		t.Fatalf("Resolve = %q, %v", mac, err)
	}
}
