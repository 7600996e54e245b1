package rls

import (
	"fmt"
	"net"
)

// UDPSender implements Sender over a pair of IPv4/IPv6 UDP sockets,
// picking the one matching the target's address family, per spec §4.C.
type UDPSender struct {
	Conn4 net.PacketConn
	Conn6 net.PacketConn
}

func (s UDPSender) SendTo(addr net.Addr, buf []byte) error {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("rls: sender: unsupported address type %T", addr)
	}

	var conn net.PacketConn
	switch {
	case udpAddr.IP.To4() != nil:
		conn = s.Conn4
	case udpAddr.IP.To16() != nil:
		conn = s.Conn6
	default:
		return fmt.Errorf("rls: sender: address %s is neither IPv4 nor IPv6", addr)
	}
	if conn == nil {
		return fmt.Errorf("rls: sender: no socket open for address family of %s", addr)
	}
	_, err := conn.WriteTo(buf, udpAddr)
	return err
}
