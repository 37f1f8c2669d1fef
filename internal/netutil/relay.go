package netutil

import (
	"net"
	"strings"
)

// Interface name fragments used by VPN and tunnel adapters.
var tunnelNames = []string{"tun", "tap", "wg", "ppp", "warp", "utun", "tailscale"}

var cgnatBlock = mustCIDR("100.64.0.0/10")

// Interface is the part of a network interface the relay heuristic looks at.
type Interface struct {
	Name     string
	Up       bool
	Loopback bool
	Addrs    []net.IP
}

// ShouldForceRelay reports whether this host is likely behind a VPN or CGNAT,
// where direct peer-to-peer paths usually fail and TURN relay is needed.
// The returned string names the interface that triggered the decision.
func ShouldForceRelay() (bool, string) {
	ifaces, err := SystemInterfaces()
	if err != nil {
		return false, ""
	}
	return Restricted(ifaces)
}

// Restricted applies the relay heuristic to ifaces.
func Restricted(ifaces []Interface) (bool, string) {
	for _, iface := range ifaces {
		if !iface.Up || iface.Loopback {
			continue
		}

		name := strings.ToLower(iface.Name)
		for _, frag := range tunnelNames {
			if strings.Contains(name, frag) {
				return true, iface.Name
			}
		}

		for _, ip := range iface.Addrs {
			if cgnatBlock.Contains(ip) {
				return true, iface.Name
			}
		}
	}
	return false, ""
}

// SystemInterfaces lists the host's interfaces with their addresses.
func SystemInterfaces() ([]Interface, error) {
	sys, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	out := make([]Interface, 0, len(sys))
	for _, iface := range sys {
		item := Interface{
			Name:     iface.Name,
			Up:       iface.Flags&net.FlagUp != 0,
			Loopback: iface.Flags&net.FlagLoopback != 0,
		}
		addrs, err := iface.Addrs()
		if err == nil {
			for _, addr := range addrs {
				switch v := addr.(type) {
				case *net.IPNet:
					item.Addrs = append(item.Addrs, v.IP)
				case *net.IPAddr:
					item.Addrs = append(item.Addrs, v.IP)
				}
			}
		}
		out = append(out, item)
	}
	return out, nil
}

func mustCIDR(s string) *net.IPNet {
	_, block, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return block
}
