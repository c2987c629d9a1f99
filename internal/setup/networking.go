package setup

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	"github.com/cochaviz/kiln/internal/faults"
)

// Bridge describes the host bridge install instances attach to.
type Bridge struct {
	Name        string
	GatewayCIDR string
	// Namespace creates the bridge inside this named network namespace
	// instead of the host's. It is created when missing.
	Namespace string
}

// DefaultBridge is used when the configuration names no bridge.
var DefaultBridge = Bridge{
	Name:        "kilnbr0",
	GatewayCIDR: "192.168.150.1/24",
}

// ifnamsiz is the kernel limit on interface names, terminator included.
const ifnamsiz = 16

// Validate checks the bridge description without touching the host.
func (b Bridge) Validate() error {
	var errs []error
	switch {
	case b.Name == "":
		errs = append(errs, faults.Validation("bridge name is required"))
	case len(b.Name) >= ifnamsiz:
		errs = append(errs, faults.Validationf("bridge name %q is longer than %d characters", b.Name, ifnamsiz-1))
	}
	if _, err := netlink.ParseAddr(b.GatewayCIDR); err != nil {
		errs = append(errs, faults.Validationf("bridge gateway %q is not an address in CIDR form", b.GatewayCIDR))
	}
	return errors.Join(errs...)
}

// SetupBridge creates the bridge if needed, assigns the gateway address and
// brings it up. On the host namespace it also enables IPv4 forwarding so
// guests reach install mirrors. It is safe to run repeatedly.
func SetupBridge(ctx context.Context, b Bridge) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if err := requireRoot(); err != nil {
		return err
	}
	gateway, err := netlink.ParseAddr(b.GatewayCIDR)
	if err != nil {
		return fmt.Errorf("parse bridge gateway: %w", err)
	}
	logger := getLogger().With("bridge", b.Name)

	handle, closeHandle, err := handleFor(b.Namespace)
	if err != nil {
		return err
	}
	defer closeHandle()

	logger.Info("ensuring bridge", "namespace", b.Namespace)
	link, err := ensureBridgeLink(handle, b.Name)
	if err != nil {
		return err
	}
	if err := ensureAddress(handle, link, gateway); err != nil {
		return err
	}
	if err := handle.LinkSetUp(link); err != nil {
		return fmt.Errorf("bring %s up: %w", b.Name, err)
	}
	logger.Info("bridge up", "gateway", b.GatewayCIDR)

	if b.Namespace != "" {
		return ctx.Err()
	}
	logger.Info("enabling ipv4 forwarding")
	return writeSysctl("/proc/sys/net/ipv4/ip_forward", "1")
}

// TeardownBridge deletes the bridge. A missing bridge is not an error.
func TeardownBridge(_ context.Context, b Bridge) error {
	if err := requireRoot(); err != nil {
		return err
	}
	handle, closeHandle, err := handleFor(b.Namespace)
	if err != nil {
		return err
	}
	defer closeHandle()

	link, err := handle.LinkByName(b.Name)
	if isLinkNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup bridge %s: %w", b.Name, err)
	}
	if err := handle.LinkDel(link); err != nil {
		return fmt.Errorf("delete bridge %s: %w", b.Name, err)
	}
	getLogger().Info("bridge deleted", "bridge", b.Name)
	return nil
}

func requireRoot() error {
	if unix.Geteuid() != 0 {
		return faults.Validation("host setup must run as root")
	}
	return nil
}

// handleFor returns a netlink handle on the named namespace, or on the host
// namespace when name is empty.
func handleFor(name string) (*netlink.Handle, func(), error) {
	if name == "" {
		handle, err := netlink.NewHandle()
		if err != nil {
			return nil, nil, fmt.Errorf("host netlink handle: %w", err)
		}
		return handle, handle.Close, nil
	}

	ns, err := netns.GetFromName(name)
	if err != nil {
		if !errors.Is(err, syscall.ENOENT) {
			return nil, nil, fmt.Errorf("get netns %s: %w", name, err)
		}
		if ns, err = netns.NewNamed(name); err != nil {
			return nil, nil, fmt.Errorf("create netns %s: %w", name, err)
		}
		getLogger().Info("created network namespace", "namespace", name)
	}
	handle, err := netlink.NewHandleAt(ns)
	if err != nil {
		_ = ns.Close()
		return nil, nil, fmt.Errorf("handle for ns %s: %w", name, err)
	}
	return handle, func() {
		handle.Close()
		_ = ns.Close()
	}, nil
}

func ensureBridgeLink(handle *netlink.Handle, name string) (netlink.Link, error) {
	link, err := handle.LinkByName(name)
	if err == nil {
		if link.Type() != "bridge" {
			return nil, faults.Validationf("link %s exists but is a %s, not a bridge", name, link.Type())
		}
		return link, nil
	}
	if !isLinkNotFound(err) {
		return nil, fmt.Errorf("get bridge %s: %w", name, err)
	}

	br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: name}}
	if err := handle.LinkAdd(br); err != nil && !errors.Is(err, syscall.EEXIST) {
		return nil, fmt.Errorf("create bridge %s: %w", name, err)
	}
	getLogger().Info("created bridge", "bridge", name)
	link, err = handle.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("get bridge %s: %w", name, err)
	}
	return link, nil
}

func ensureAddress(handle *netlink.Handle, link netlink.Link, addr *netlink.Addr) error {
	existing, err := handle.AddrList(link, unix.AF_INET)
	if err != nil {
		return fmt.Errorf("list addresses: %w", err)
	}
	for _, a := range existing {
		if hasAddress(a, addr) {
			return nil
		}
	}
	if err := handle.AddrAdd(link, addr); err != nil && !errors.Is(err, syscall.EEXIST) {
		return fmt.Errorf("add %s to %s: %w", addr, link.Attrs().Name, err)
	}
	return nil
}

func hasAddress(have netlink.Addr, want *netlink.Addr) bool {
	if have.IPNet == nil || want.IPNet == nil {
		return false
	}
	return have.IP.Equal(want.IP) && masksEqual(have.Mask, want.Mask)
}

func masksEqual(a, b net.IPMask) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func writeSysctl(path, value string) error {
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func isLinkNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOENT) {
		return true
	}
	var notFound netlink.LinkNotFoundError
	return errors.As(err, &notFound)
}
