// Package tun wires a per-PDU-session TUN interface using netlink,
// adapted from the teacher's gnbsim_netlink.go for the per-PSI channels
// the NAS/session boundary reads and writes (spec §4.F, §5).
package tun

import (
	"fmt"
	"net"
	"os"

	"github.com/vishvananda/netlink"
)

// Device is one PSI's TUN channel.
type Device struct {
	PSI  uint32
	Name string
	link *netlink.Tuntap
	file *os.File
}

// Create brings up a TUN interface named name and returns a handle to
// it for PSI psi. Routing is configured by the caller via AddAddress.
func Create(psi uint32, name string) (*Device, error) {
	tun := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		Mode:      netlink.TUNTAP_MODE_TUN,
		Flags:     netlink.TUNTAP_DEFAULTS | netlink.TUNTAP_NO_PI,
		Queues:    1,
	}
	if err := netlink.LinkAdd(tun); err != nil {
		return nil, fmt.Errorf("tun: add device %s: %w", name, err)
	}
	if err := netlink.LinkSetUp(tun); err != nil {
		return nil, fmt.Errorf("tun: up device %s: %w", name, err)
	}

	var file *os.File
	if len(tun.Fds) > 0 {
		file = tun.Fds[0]
	}
	return &Device{PSI: psi, Name: name, link: tun, file: file}, nil
}

// AddAddress assigns ip/masklen to the device, mirroring the teacher's
// addIPv4Address idempotency check.
func (d *Device) AddAddress(ip net.IP, masklen int) error {
	link, err := netlink.LinkByName(d.Name)
	if err != nil {
		return err
	}

	addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return err
	}

	want := &net.IPNet{IP: ip, Mask: net.CIDRMask(masklen, 32)}
	for _, a := range addrs {
		if a.Label == d.Name && a.IPNet.String() == want.String() {
			return nil // already set
		}
	}

	return netlink.AddrAdd(link, &netlink.Addr{IPNet: want})
}

// Read reads one packet written by the kernel into the TUN device.
func (d *Device) Read(buf []byte) (int, error) {
	if d.file == nil {
		return 0, fmt.Errorf("tun: device %s has no backing fd", d.Name)
	}
	return d.file.Read(buf)
}

// Write writes one packet down to the TUN device.
func (d *Device) Write(buf []byte) (int, error) {
	if d.file == nil {
		return 0, fmt.Errorf("tun: device %s has no backing fd", d.Name)
	}
	return d.file.Write(buf)
}

// Fd exposes the backing descriptor, or ^uintptr(0) when the device
// has none.
func (d *Device) Fd() uintptr {
	if d.file == nil {
		return ^uintptr(0)
	}
	return d.file.Fd()
}

// Close tears the device down.
func (d *Device) Close() error {
	if d.file != nil {
		_ = d.file.Close()
	}
	if d.link != nil {
		return netlink.LinkDel(d.link)
	}
	return nil
}
