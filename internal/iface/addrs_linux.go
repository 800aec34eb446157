//go:build linux
// +build linux

package iface

import (
	"github.com/vishvananda/netlink"
)

// netlinkAddrLister enumerates bound addresses via netlink.
type netlinkAddrLister struct{}

func newAddrLister() AddrLister {
	return &netlinkAddrLister{}
}

// Addrs returns the CIDR addresses bound to the named link.
func (l *netlinkAddrLister) Addrs(name string) ([]string, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, err
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a.IPNet != nil {
			out = append(out, a.IPNet.String())
		}
	}
	return out, nil
}
