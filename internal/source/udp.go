package source

import (
	"fmt"
	"io"
	"log/slog"
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// udpReadBufferSize holds the largest UDP datagram a sender may emit:
// an RTP header plus 128 packets of 204-byte framed payload.
const udpReadBufferSize = 12 + 128*204

// UDPConfig describes a UDP or RTP listening point.
type UDPConfig struct {
	// Address is the "host:port" to bind. A multicast group address
	// triggers a group join.
	Address string

	// InterfaceAddress optionally selects the local interface for
	// multicast joins by its IP address.
	InterfaceAddress string

	// ReceiveBufferSize sets the socket receive buffer in bytes; zero
	// keeps the system default.
	ReceiveBufferSize int

	// Log is the logger for socket setup. Nil means slog.Default().
	Log *slog.Logger
}

// ListenUDP binds a UDP socket and returns a stream of the datagram
// payloads. RTP framing is detected per datagram and stripped, so the
// same listening point accepts both raw and RTP-encapsulated senders.
func ListenUDP(cfg UDPConfig) (io.ReadCloser, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "udp-source")

	addr, err := net.ResolveUDPAddr("udp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("source: resolve %q: %w", cfg.Address, err)
	}

	var conn *net.UDPConn
	if addr.IP != nil && addr.IP.IsMulticast() {
		// Bind the wildcard on the group port so the join below controls
		// delivery; binding the group address directly is not portable.
		conn, err = net.ListenUDP("udp", &net.UDPAddr{Port: addr.Port})
		if err != nil {
			return nil, fmt.Errorf("source: listen: %w", err)
		}
		if err := joinGroup(conn, addr, cfg.InterfaceAddress); err != nil {
			conn.Close()
			return nil, err
		}
		log.Debug("joined multicast group", "group", addr.IP.String(), "port", addr.Port)
	} else {
		conn, err = net.ListenUDP("udp", addr)
		if err != nil {
			return nil, fmt.Errorf("source: listen %s: %w", addr, err)
		}
	}

	if cfg.ReceiveBufferSize > 0 {
		if err := conn.SetReadBuffer(cfg.ReceiveBufferSize); err != nil {
			conn.Close()
			return nil, fmt.Errorf("source: set receive buffer: %w", err)
		}
	}

	log.Info("listening", "addr", conn.LocalAddr().String())
	return &udpReader{conn: conn, buf: make([]byte, udpReadBufferSize)}, nil
}

type udpReader struct {
	conn *net.UDPConn
	buf  []byte
	rem  []byte
}

func (r *udpReader) Read(p []byte) (int, error) {
	for len(r.rem) == 0 {
		n, _, err := r.conn.ReadFromUDP(r.buf)
		if err != nil {
			return 0, err
		}
		r.rem = stripRTP(r.buf[:n])
	}
	n := copy(p, r.rem)
	r.rem = r.rem[n:]
	return n, nil
}

func (r *udpReader) Close() error {
	return r.conn.Close()
}

// stripRTP returns the transport payload of a datagram, removing the
// RTP header when the datagram carries RTP version 2 with the MP2T
// payload type. Anything else passes through untouched.
func stripRTP(b []byte) []byte {
	const (
		headerSize    = 12
		version       = 2
		payloadType   = 33
		csrcEntrySize = 4
		extensionFlag = 0x10
		extHeaderSize = 4
	)
	if len(b) < headerSize || b[0]>>6 != version || b[1]&0x7F != payloadType {
		return b
	}
	off := headerSize + int(b[0]&0x0F)*csrcEntrySize
	if b[0]&extensionFlag != 0 {
		if len(b) < off+extHeaderSize {
			return b
		}
		extWords := int(b[off+2])<<8 | int(b[off+3])
		off += extHeaderSize + extWords*4
	}
	if off >= len(b) {
		return b
	}
	return b[off:]
}

// joinGroup subscribes the socket to the multicast group, optionally on
// a specific interface.
func joinGroup(conn *net.UDPConn, group *net.UDPAddr, ifAddress string) error {
	var ifi *net.Interface
	if ifAddress != "" {
		found, err := interfaceByIP(ifAddress)
		if err != nil {
			return err
		}
		ifi = found
	}
	if group.IP.To4() != nil {
		if err := ipv4.NewPacketConn(conn).JoinGroup(ifi, &net.UDPAddr{IP: group.IP}); err != nil {
			return fmt.Errorf("source: join group %s: %w", group.IP, err)
		}
		return nil
	}
	if err := ipv6.NewPacketConn(conn).JoinGroup(ifi, &net.UDPAddr{IP: group.IP}); err != nil {
		return fmt.Errorf("source: join group %s: %w", group.IP, err)
	}
	return nil
}

// interfaceByIP finds the network interface owning the given local IP.
func interfaceByIP(address string) (*net.Interface, error) {
	ip := net.ParseIP(address)
	if ip == nil {
		return nil, fmt.Errorf("source: invalid interface address %q", address)
	}
	ifis, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("source: list interfaces: %w", err)
	}
	for i := range ifis {
		addrs, err := ifis[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok && ipn.IP.Equal(ip) {
				return &ifis[i], nil
			}
		}
	}
	return nil, fmt.Errorf("source: no interface has address %s", ip)
}
