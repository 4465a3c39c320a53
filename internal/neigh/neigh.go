// Package neigh resolves the Ethernet addresses an RDMA engine needs: the
// local MAC behind a source IP and the peer MAC from the kernel ARP table.
package neigh

import (
	"errors"
	"fmt"
	"net"

	"github.com/prometheus/procfs"
	"github.com/rs/zerolog/log"
	"github.com/yuuki/rnread/internal/rdma"
)

var (
	// ErrNoInterface is returned when no interface carries the source address
	ErrNoInterface = errors.New("no interface with address")
	// ErrNoARPEntry is returned when the peer is missing from the ARP table
	ErrNoARPEntry = errors.New("no complete ARP entry")
)

// Link is a network interface with its addresses
type Link struct {
	Name         string
	HardwareAddr net.HardwareAddr
	Addrs        []net.Addr
}

// Resolver looks up MAC addresses
type Resolver struct {
	// ProcPath is the proc filesystem mount point holding net/arp
	ProcPath string
	// Links lists the host's interfaces
	Links func() ([]Link, error)
}

// NewResolver returns a resolver backed by the running kernel
func NewResolver() *Resolver {
	return &Resolver{ProcPath: procfs.DefaultMountPoint, Links: systemLinks}
}

func systemLinks() ([]Link, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	links := make([]Link, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			log.Debug().Err(err).Str("interface", iface.Name).Msg("Skipping interface without addresses")
			continue
		}
		links = append(links, Link{Name: iface.Name, HardwareAddr: iface.HardwareAddr, Addrs: addrs})
	}
	return links, nil
}

func toMAC(hw net.HardwareAddr) (rdma.MAC, error) {
	var m rdma.MAC
	if len(hw) != len(m) {
		return m, fmt.Errorf("hardware address %s is not EUI-48", hw)
	}
	copy(m[:], hw)
	return m, nil
}

// LocalMAC returns the MAC of the interface that owns ip. Loopback
// addresses resolve to the zero MAC.
func (r *Resolver) LocalMAC(ip net.IP) (rdma.MAC, error) {
	if ip.IsLoopback() {
		return rdma.MAC{}, nil
	}
	links, err := r.Links()
	if err != nil {
		return rdma.MAC{}, fmt.Errorf("failed to list interfaces: %w", err)
	}
	for _, l := range links {
		for _, a := range l.Addrs {
			var addr net.IP
			switch v := a.(type) {
			case *net.IPNet:
				addr = v.IP
			case *net.IPAddr:
				addr = v.IP
			}
			if addr.Equal(ip) {
				log.Debug().Str("interface", l.Name).Str("ip", ip.String()).Str("mac", l.HardwareAddr.String()).Msg("Resolved source MAC")
				return toMAC(l.HardwareAddr)
			}
		}
	}
	return rdma.MAC{}, fmt.Errorf("%w %s", ErrNoInterface, ip)
}

// PeerMAC returns the MAC of ip from the ARP table. Loopback addresses
// resolve to the zero MAC.
func (r *Resolver) PeerMAC(ip net.IP) (rdma.MAC, error) {
	if ip.IsLoopback() {
		return rdma.MAC{}, nil
	}
	fs, err := procfs.NewFS(r.ProcPath)
	if err != nil {
		return rdma.MAC{}, fmt.Errorf("failed to open %s: %w", r.ProcPath, err)
	}
	entries, err := fs.GatherARPEntries()
	if err != nil {
		return rdma.MAC{}, fmt.Errorf("failed to read ARP table: %w", err)
	}
	for _, e := range entries {
		if !e.IPAddr.Equal(ip) || !e.IsComplete() {
			continue
		}
		log.Debug().Str("device", e.Device).Str("ip", ip.String()).Str("mac", e.HWAddr.String()).Msg("Resolved peer MAC")
		return toMAC(e.HWAddr)
	}
	return rdma.MAC{}, fmt.Errorf("%w for %s (try: ping -c 1 %s)", ErrNoARPEntry, ip, ip)
}
