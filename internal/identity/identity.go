// Package identity derives the hardware identity the server uses to look
// up a host's configuration: the MAC address of its primary interface.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/playdeck/agent/internal/logging"
)

var log = logging.L("identity")

// ErrIdentityUnavailable means no interface qualified as primary.
var ErrIdentityUnavailable = errors.New("hardware identity unavailable")

// Lister returns the host's network interfaces.
type Lister func(ctx context.Context) (psnet.InterfaceStatList, error)

var virtualPrefixes = []string{
	"docker", "veth", "br-", "virbr", "vmnet", "vboxnet", "lo",
	"tun", "tap", "wg", "ppp", "utun", "zt", "tailscale",
}

type Resolver struct {
	list Lister
}

// NewResolver uses list, or gopsutil when list is nil.
func NewResolver(list Lister) *Resolver {
	if list == nil {
		list = psnet.InterfacesWithContext
	}
	return &Resolver{list: list}
}

type candidate struct {
	name string
	mac  string
	ipv4 bool
}

// Resolve returns the lower-case, colon-separated MAC of the primary
// interface. The choice is stable across calls on an unchanged host.
func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	ifaces, err := r.list(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: list interfaces: %w", ErrIdentityUnavailable, err)
	}

	var cands []candidate
	for _, iface := range ifaces {
		c, ok := qualify(iface)
		if !ok {
			continue
		}
		cands = append(cands, c)
	}
	if len(cands) == 0 {
		return "", fmt.Errorf("%w: no physical interface with a hardware address", ErrIdentityUnavailable)
	}

	sort.Slice(cands, func(i, j int) bool {
		if cands[i].ipv4 != cands[j].ipv4 {
			return cands[i].ipv4
		}
		return cands[i].name < cands[j].name
	})

	log.Debug("resolved primary interface", "interface", cands[0].name, "mac", cands[0].mac)
	return cands[0].mac, nil
}

func qualify(iface psnet.InterfaceStat) (candidate, bool) {
	if !hasFlag(iface.Flags, "up") || hasFlag(iface.Flags, "loopback") {
		return candidate{}, false
	}
	if isVirtual(iface.Name) {
		return candidate{}, false
	}
	hw, err := net.ParseMAC(iface.HardwareAddr)
	if err != nil || len(hw) != 6 || isZero(hw) {
		return candidate{}, false
	}

	c := candidate{name: iface.Name, mac: strings.ToLower(hw.String())}
	for _, a := range iface.Addrs {
		ip, _, err := net.ParseCIDR(a.Addr)
		if err != nil {
			ip = net.ParseIP(a.Addr)
		}
		if ip != nil && ip.To4() != nil && !ip.IsLoopback() && !ip.IsLinkLocalUnicast() {
			c.ipv4 = true
			break
		}
	}
	return c, true
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, want) {
			return true
		}
	}
	return false
}

func isVirtual(name string) bool {
	n := strings.ToLower(name)
	for _, p := range virtualPrefixes {
		if strings.HasPrefix(n, p) {
			return true
		}
	}
	return false
}

func isZero(hw net.HardwareAddr) bool {
	for _, b := range hw {
		if b != 0 {
			return false
		}
	}
	return true
}
