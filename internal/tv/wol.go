package tv

import (
	"bytes"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// DefaultBroadcast is where magic packets go unless configured otherwise
const DefaultBroadcast = "255.255.255.255:9"

// MagicPacket builds a Wake-on-LAN packet: six 0xFF bytes followed by the
// hardware address sixteen times.
func MagicPacket(mac string) ([]byte, error) {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return nil, fmt.Errorf("invalid MAC address %q: %w", mac, err)
	}
	if len(hw) != 6 {
		return nil, fmt.Errorf("invalid MAC address %q: want 6 bytes, got %d", mac, len(hw))
	}

	packet := bytes.Repeat([]byte{0xff}, 6)
	packet = append(packet, bytes.Repeat(hw, 16)...)
	return packet, nil
}

// SendMagicPacket broadcasts a Wake-on-LAN packet for mac to addr.
func SendMagicPacket(mac, addr string) error {
	packet, err := MagicPacket(mac)
	if err != nil {
		return err
	}
	if addr == "" {
		addr = DefaultBroadcast
	}

	dialer := net.Dialer{Control: allowBroadcast}
	conn, err := dialer.Dial("udp4", addr)
	if err != nil {
		return fmt.Errorf("wake-on-lan dial %s: %w", addr, err)
	}
	defer conn.Close()

	if _, err := conn.Write(packet); err != nil {
		return fmt.Errorf("wake-on-lan send: %w", err)
	}
	return nil
}

// allowBroadcast sets SO_BROADCAST, without which the kernel refuses
// datagrams to a broadcast address
func allowBroadcast(network, address string, raw syscall.RawConn) error {
	var sockErr error
	err := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
