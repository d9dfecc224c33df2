package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

// NetworkLink is one veth pair wired between the host bridge and a sandbox
// network namespace. It is torn down exactly once, during teardown,
// regardless of how the sandbox exited.
type NetworkLink struct {
	HostVeth    string
	SandboxVeth string
	Bridge      string
	HostAddr    *net.IPNet
	SandboxAddr *net.IPNet

	// bridgeCreated records whether this run created the bridge; a
	// pre-existing bridge is left alone during teardown.
	bridgeCreated bool
	deleted       bool
}

// sandboxIfaceName is what the veth peer is renamed to inside the sandbox.
const sandboxIfaceName = "eth0"

// deriveAddresses computes the host and sandbox addresses from the subnet:
// the host side takes the first usable address, the sandbox side the second.
// Both carry the subnet's mask.
func deriveAddresses(subnet string) (host, sandbox *net.IPNet, err error) {
	_, network, err := net.ParseCIDR(subnet)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid subnet %q: %w", subnet, err)
	}
	if network.IP.To4() == nil {
		return nil, nil, fmt.Errorf("subnet %q is not IPv4: only IPv4 subnets are supported", subnet)
	}
	ones, bits := network.Mask.Size()
	if bits-ones < 2 {
		return nil, nil, fmt.Errorf("subnet %q too small: need at least two usable addresses", subnet)
	}
	hostIP := nextIP(network.IP, 1)
	sandboxIP := nextIP(network.IP, 2)
	return &net.IPNet{IP: hostIP, Mask: network.Mask},
		&net.IPNet{IP: sandboxIP, Mask: network.Mask}, nil
}

// nextIP returns ip + offset. Only IPv4 subnets are supported.
func nextIP(ip net.IP, offset int) net.IP {
	v4 := ip.To4()
	out := make(net.IP, len(v4))
	copy(out, v4)
	for i := len(out) - 1; i >= 0 && offset > 0; i-- {
		sum := int(out[i]) + offset
		out[i] = byte(sum % 256)
		offset = sum / 256
	}
	return out
}

// wireNetwork creates the veth pair, attaches the host end to the bridge
// (creating the bridge if absent), and moves the sandbox end into the
// child's network namespace via its PID handle. The sandbox-side address is
// assigned by the child once it is told to proceed, since the address must
// be configured from inside the namespace.
func wireNetwork(ctx context.Context, spec *SandboxSpec, pid int) (*NetworkLink, error) {
	logger := Logger(ctx).With("component", "network")

	hostAddr, sandboxAddr, err := deriveAddresses(spec.Network.Subnet)
	if err != nil {
		return nil, networkError("addresses", err)
	}

	link := &NetworkLink{
		Bridge:      spec.Network.BridgeName,
		HostAddr:    hostAddr,
		SandboxAddr: sandboxAddr,
	}

	br, created, err := ensureBridge(spec.Network.BridgeName, hostAddr)
	if err != nil {
		return nil, err
	}
	link.bridgeCreated = created

	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return nil, networkError("veth_name", err)
	}
	link.HostVeth = fmt.Sprintf("%s%x", vethPrefix, suffix)
	link.SandboxVeth = fmt.Sprintf("%s%x", peerPrefix, suffix)

	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: link.HostVeth, MTU: 1500},
		PeerName:  link.SandboxVeth,
	}
	if err := netlink.LinkAdd(veth); err != nil {
		unwireNetwork(ctx, link)
		return nil, networkError("veth_create", err)
	}

	hostSide, err := netlink.LinkByName(link.HostVeth)
	if err != nil {
		unwireNetwork(ctx, link)
		return nil, networkError("veth_lookup", err)
	}
	if err := netlink.LinkSetMaster(hostSide, br); err != nil {
		unwireNetwork(ctx, link)
		return nil, networkError("bridge_attach", err)
	}
	if err := netlink.LinkSetUp(hostSide); err != nil {
		unwireNetwork(ctx, link)
		return nil, networkError("veth_up", err)
	}

	// The sandbox end must be inside the target namespace before an address
	// can be assigned to it, so the move happens here and the addressing in
	// the child.
	peer, err := netlink.LinkByName(link.SandboxVeth)
	if err != nil {
		unwireNetwork(ctx, link)
		return nil, networkError("peer_lookup", err)
	}
	nsHandle, err := netns.GetFromPid(pid)
	if err != nil {
		unwireNetwork(ctx, link)
		return nil, networkError("namespace_handle", fmt.Errorf("namespace of pid %d: %w", pid, err))
	}
	defer nsHandle.Close()
	if err := netlink.LinkSetNsFd(peer, int(nsHandle)); err != nil {
		unwireNetwork(ctx, link)
		return nil, networkError("peer_move", err)
	}

	logger.Info("Network wired", "bridge", link.Bridge, "veth", link.HostVeth,
		"host_addr", hostAddr.String(), "sandbox_addr", sandboxAddr.String())
	return link, nil
}

// ensureBridge finds or creates the named bridge, assigns the host address
// and brings it up. Returns whether this call created it.
func ensureBridge(name string, addr *net.IPNet) (netlink.Link, bool, error) {
	created := false
	br, err := netlink.LinkByName(name)
	if err != nil {
		bridge := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: name}}
		if err := netlink.LinkAdd(bridge); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, false, networkError("bridge_create", err)
		}
		created = true
		if br, err = netlink.LinkByName(name); err != nil {
			return nil, false, networkError("bridge_lookup", err)
		}
	}

	if err := netlink.AddrAdd(br, &netlink.Addr{IPNet: addr}); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, created, networkError("bridge_addr", err)
	}
	if err := netlink.LinkSetUp(br); err != nil {
		return nil, created, networkError("bridge_up", err)
	}
	return br, created, nil
}

// unwireNetwork deletes the veth pair; deleting the host end is enough, the
// kernel removes the peer with it. A bridge created by this run is removed
// too. The operation is idempotent and treats "already gone" as success.
func unwireNetwork(ctx context.Context, link *NetworkLink) error {
	if link == nil || link.deleted {
		return nil
	}
	link.deleted = true
	logger := Logger(ctx).With("component", "network")

	if link.HostVeth != "" {
		if l, err := netlink.LinkByName(link.HostVeth); err == nil {
			if err := netlink.LinkDel(l); err != nil {
				return networkError("veth_delete", err)
			}
			logger.Debug("Deleted veth pair", "host", link.HostVeth)
		}
	}

	if link.bridgeCreated {
		if br, err := netlink.LinkByName(link.Bridge); err == nil {
			if err := netlink.LinkDel(br); err != nil {
				return networkError("bridge_delete", err)
			}
			logger.Debug("Deleted bridge", "bridge", link.Bridge)
		}
	}
	return nil
}

// sweepStaleLinks removes leftover veth interfaces from previous runs that
// did not get to tear themselves down.
func sweepStaleLinks(ctx context.Context) error {
	logger := Logger(ctx).With("component", "network")
	links, err := netlink.LinkList()
	if err != nil {
		return fmt.Errorf("failed to list links: %w", err)
	}
	for _, link := range links {
		if strings.HasPrefix(link.Attrs().Name, vethPrefix) {
			logger.Debug("Removing stale veth", "name", link.Attrs().Name)
			if err := netlink.LinkDel(link); err != nil {
				logger.Warn("Failed to delete stale link", "name", link.Attrs().Name, "error", err)
			}
		}
	}
	return nil
}

// --- Child-side bring-up ---

// setupSandboxNetwork runs inside the sandbox's network namespace after the
// parent has moved the veth peer in. It brings up loopback, renames the peer
// to eth0, assigns the sandbox address and installs the default route via
// the host side of the subnet.
func setupSandboxNetwork(ctx context.Context, spec *SandboxSpec) error {
	logger := Logger(ctx).With("component", "sandbox-network")

	if lo, err := netlink.LinkByName("lo"); err == nil {
		if err := netlink.LinkSetUp(lo); err != nil {
			logger.Warn("Failed to bring up loopback", "error", err)
		}
	}

	hostAddr, sandboxAddr, err := deriveAddresses(spec.Network.Subnet)
	if err != nil {
		return networkError("addresses", err)
	}

	peer, err := findSandboxPeer()
	if err != nil {
		return networkError("peer_find", err)
	}
	if err := netlink.LinkSetName(peer, sandboxIfaceName); err != nil {
		return networkError("peer_rename", err)
	}
	eth0, err := netlink.LinkByName(sandboxIfaceName)
	if err != nil {
		return networkError("peer_lookup", err)
	}

	if err := netlink.AddrAdd(eth0, &netlink.Addr{IPNet: sandboxAddr}); err != nil {
		return networkError("addr_add", err)
	}
	if err := netlink.LinkSetUp(eth0); err != nil {
		return networkError("link_up", err)
	}

	route := &netlink.Route{Gw: hostAddr.IP}
	if err := netlink.RouteAdd(route); err != nil && !errors.Is(err, os.ErrExist) {
		logger.Warn("Failed to add default route", "gateway", hostAddr.IP, "error", err)
	}

	logger.Debug("Sandbox network up", "iface", sandboxIfaceName, "addr", sandboxAddr.String())
	return nil
}

// findSandboxPeer locates the moved veth end inside the namespace. The
// parent signals proceed only after the move, but the interface can take a
// moment to register, so a short retry is kept.
func findSandboxPeer() (netlink.Link, error) {
	var lastErr error
	for attempt := 0; attempt < 10; attempt++ {
		links, err := netlink.LinkList()
		if err != nil {
			return nil, err
		}
		for _, link := range links {
			if strings.HasPrefix(link.Attrs().Name, peerPrefix) {
				return link, nil
			}
		}
		lastErr = fmt.Errorf("no interface with prefix %q in namespace", peerPrefix)
		time.Sleep(10 * time.Millisecond)
	}
	return nil, lastErr
}
