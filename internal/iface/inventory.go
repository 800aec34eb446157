// Package iface discovers network interfaces and derives VLAN linkage.
// The primary path shells out to ip(8); when that tool is unavailable it
// falls back to parsing /proc/net/dev, which yields names only.
package iface

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"grimm.is/floe/internal/command"
	"grimm.is/floe/internal/logging"
)

// Interface describes a discovered link.
type Interface struct {
	Name            string    `json:"name"`
	Index           int       `json:"index"`
	Type            string    `json:"type"` // "ethernet", "vlan", "loopback", "unknown"
	State           string    `json:"state"`
	MTU             int       `json:"mtu"`
	MAC             string    `json:"mac,omitempty"`
	Addrs           []string  `json:"addrs,omitempty"`
	VLANID          int       `json:"vlan_id,omitempty"`
	ParentInterface string    `json:"parent_interface,omitempty"`
	Degraded        bool      `json:"degraded,omitempty"` // true when only the name is known
	DiscoveredAt    time.Time `json:"discovered_at,omitempty"`
}

var vlanName = regexp.MustCompile(`^(.+)\.(\d+)$`)

// DeriveVLAN splits a "parent.vlanid" interface name. ok is false for any
// name that does not follow the convention.
func DeriveVLAN(name string) (parent string, id int, ok bool) {
	m := vlanName.FindStringSubmatch(name)
	if m == nil {
		return "", 0, false
	}
	id, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, false
	}
	return m[1], id, true
}

// AddrLister enumerates addresses bound to a link. The linux
// implementation uses netlink; elsewhere it reports nothing.
type AddrLister interface {
	Addrs(name string) ([]string, error)
}

// Inventory discovers interfaces through the command runner.
type Inventory struct {
	runner      command.Runner
	addrs       AddrLister
	logger      *logging.Logger
	procNetPath string
}

// Option configures an Inventory.
type Option func(*Inventory)

// WithAddrLister overrides the address source (tests, non-netlink hosts).
func WithAddrLister(l AddrLister) Option {
	return func(inv *Inventory) { inv.addrs = l }
}

// WithProcNetPath overrides the fallback pseudo-file path (tests).
func WithProcNetPath(path string) Option {
	return func(inv *Inventory) { inv.procNetPath = path }
}

// NewInventory creates an interface inventory.
func NewInventory(runner command.Runner, logger *logging.Logger, opts ...Option) *Inventory {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	inv := &Inventory{
		runner:      runner,
		addrs:       newAddrLister(),
		logger:      logger.WithComponent("iface"),
		procNetPath: "/proc/net/dev",
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// List enumerates interfaces. A failing ip(8) invocation degrades to the
// pseudo-file fallback with a warning; only a failing fallback is an error.
func (inv *Inventory) List(ctx context.Context) ([]Interface, error) {
	res, err := inv.runner.Output(ctx, []string{"ip", "-o", "link", "show"})
	if err != nil {
		inv.logger.Warn("link-listing tool unavailable, falling back to pseudo-file",
			"error", err, "path", inv.procNetPath)
		return inv.listDegraded()
	}

	ifaces := parseIPLinkOutput(res.Stdout)
	for i := range ifaces {
		ifaces[i].DiscoveredAt = time.Now()
		if inv.addrs == nil {
			continue
		}
		addrs, err := inv.addrs.Addrs(ifaces[i].Name)
		if err != nil {
			inv.logger.Debug("address enrichment failed", "interface", ifaces[i].Name, "error", err)
			continue
		}
		ifaces[i].Addrs = addrs
	}
	return ifaces, nil
}

// Get returns a single interface by name, or nil when absent.
func (inv *Inventory) Get(ctx context.Context, name string) (*Interface, error) {
	ifaces, err := inv.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		if ifaces[i].Name == name {
			return &ifaces[i], nil
		}
	}
	return nil, nil
}

func (inv *Inventory) listDegraded() ([]Interface, error) {
	data, err := os.ReadFile(inv.procNetPath)
	if err != nil {
		return nil, fmt.Errorf("interface discovery failed: %w", err)
	}
	return parseProcNetDev(string(data)), nil
}

// parseIPLinkOutput parses `ip -o link show` one-line records, e.g.
//
//	2: eth0: <BROADCAST,MULTICAST,UP,LOWER_UP> mtu 1500 ... link/ether aa:bb:cc:dd:ee:ff brd ...
//	3: eth0.100@eth0: <BROADCAST,...> mtu 1500 ...
func parseIPLinkOutput(out string) []Interface {
	var ifaces []Interface
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ": ", 3)
		if len(parts) < 3 {
			continue
		}

		idx, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			continue
		}

		name := parts[1]
		if at := strings.Index(name, "@"); at >= 0 {
			name = name[:at]
		}

		ifc := Interface{Name: name, Index: idx, Type: "unknown", State: "unknown"}

		fields := strings.Fields(parts[2])
		for i := 0; i < len(fields); i++ {
			switch fields[i] {
			case "mtu":
				if i+1 < len(fields) {
					ifc.MTU, _ = strconv.Atoi(fields[i+1])
				}
			case "state":
				if i+1 < len(fields) {
					ifc.State = strings.ToLower(fields[i+1])
				}
			case "link/ether":
				ifc.Type = "ethernet"
				if i+1 < len(fields) {
					ifc.MAC = fields[i+1]
				}
			case "link/loopback":
				ifc.Type = "loopback"
			}
		}

		if parent, id, ok := DeriveVLAN(name); ok {
			ifc.Type = "vlan"
			ifc.VLANID = id
			ifc.ParentInterface = parent
		}

		ifaces = append(ifaces, ifc)
	}
	return ifaces
}

// parseProcNetDev extracts interface names from /proc/net/dev. Metadata is
// unavailable on this path; entries are marked degraded.
func parseProcNetDev(data string) []Interface {
	var ifaces []Interface
	lines := strings.Split(data, "\n")
	for i, line := range lines {
		if i < 2 {
			continue // two header lines
		}
		colon := strings.Index(line, ":")
		if colon < 0 {
			continue
		}
		name := strings.TrimSpace(line[:colon])
		if name == "" {
			continue
		}
		ifc := Interface{Name: name, Type: "unknown", State: "unknown", Degraded: true, DiscoveredAt: time.Now()}
		if parent, id, ok := DeriveVLAN(name); ok {
			ifc.Type = "vlan"
			ifc.VLANID = id
			ifc.ParentInterface = parent
		}
		ifaces = append(ifaces, ifc)
	}
	return ifaces
}
