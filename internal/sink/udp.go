// Package sink provides the concrete datagram sinks: raw UDP sockets,
// SRT connections, and QUIC datagram channels. Every sink writes one
// framed burst per call and reports failure for the datagram as a whole.
package sink

import (
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// UDPConfig carries the socket options of a UDP sink.
type UDPConfig struct {
	// Destination is the unicast or multicast "host:port" to send to.
	Destination string

	// LocalAddress optionally pins the local interface address.
	LocalAddress string

	// LocalPort optionally fixes the local source port; zero picks a
	// random port.
	LocalPort int

	// TTL sets the unicast or multicast time-to-live; zero keeps the
	// system default.
	TTL int

	// TOS sets the type-of-service / traffic class; negative keeps the
	// system default.
	TOS int

	// DisableMulticastLoop stops outgoing multicast from looping back to
	// local listeners (effective on Unix systems).
	DisableMulticastLoop bool

	// ForceLocalMulticastOutgoing forces outgoing multicast onto the
	// LocalAddress interface even without a matching route.
	ForceLocalMulticastOutgoing bool

	// SendBufferSize sets the socket send buffer in bytes; zero keeps the
	// system default.
	SendBufferSize int

	// Log is the logger for socket setup. Nil means slog.Default().
	Log *slog.Logger
}

// UDP sends each datagram to a fixed destination over a connected UDP
// socket.
type UDP struct {
	conn *net.UDPConn
	log  *slog.Logger
}

// DialUDP opens a UDP sink per cfg. Socket option failures are fatal: a
// session that cannot honor its configuration must not start.
func DialUDP(cfg UDPConfig) (*UDP, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "udp-sink")

	raddr, err := net.ResolveUDPAddr("udp", cfg.Destination)
	if err != nil {
		return nil, fmt.Errorf("sink: resolve %q: %w", cfg.Destination, err)
	}

	var laddr *net.UDPAddr
	if cfg.LocalAddress != "" || cfg.LocalPort != 0 {
		laddr = &net.UDPAddr{Port: cfg.LocalPort}
		if cfg.LocalAddress != "" {
			ip := net.ParseIP(cfg.LocalAddress)
			if ip == nil {
				return nil, fmt.Errorf("sink: invalid local address %q", cfg.LocalAddress)
			}
			laddr.IP = ip
		}
	}

	conn, err := net.DialUDP("udp", laddr, raddr)
	if err != nil {
		return nil, fmt.Errorf("sink: dial %s: %w", raddr, err)
	}

	if cfg.SendBufferSize > 0 {
		if err := conn.SetWriteBuffer(cfg.SendBufferSize); err != nil {
			conn.Close()
			return nil, fmt.Errorf("sink: set send buffer: %w", err)
		}
	}

	if err := applySocketOptions(conn, raddr, cfg); err != nil {
		conn.Close()
		return nil, err
	}

	log.Debug("UDP sink ready", "destination", raddr.String(), "multicast", raddr.IP.IsMulticast())
	return &UDP{conn: conn, log: log}, nil
}

// SendDatagram writes one framed burst as a single UDP datagram.
func (u *UDP) SendDatagram(b []byte) error {
	if _, err := u.conn.Write(b); err != nil {
		return fmt.Errorf("sink: UDP send: %w", err)
	}
	return nil
}

// Close releases the socket.
func (u *UDP) Close() error {
	return u.conn.Close()
}

// applySocketOptions sets TTL, TOS, and multicast options on the connected
// socket, using the IPv4 or IPv6 option level matching the destination.
func applySocketOptions(conn *net.UDPConn, raddr *net.UDPAddr, cfg UDPConfig) error {
	multicast := raddr.IP.IsMulticast()

	if raddr.IP.To4() != nil {
		p := ipv4.NewPacketConn(conn)
		if cfg.TTL > 0 {
			err := p.SetTTL(cfg.TTL)
			if err == nil && multicast {
				err = p.SetMulticastTTL(cfg.TTL)
			}
			if err != nil {
				return fmt.Errorf("sink: set TTL: %w", err)
			}
		}
		if cfg.TOS >= 0 {
			if err := p.SetTOS(cfg.TOS); err != nil {
				return fmt.Errorf("sink: set TOS: %w", err)
			}
		}
		if multicast {
			if cfg.DisableMulticastLoop {
				if err := p.SetMulticastLoopback(false); err != nil {
					return fmt.Errorf("sink: disable multicast loopback: %w", err)
				}
			}
			if cfg.ForceLocalMulticastOutgoing && cfg.LocalAddress != "" {
				ifi, err := interfaceByIP(cfg.LocalAddress)
				if err != nil {
					return err
				}
				if err := p.SetMulticastInterface(ifi); err != nil {
					return fmt.Errorf("sink: set outgoing multicast interface: %w", err)
				}
			}
		}
		return nil
	}

	p := ipv6.NewPacketConn(conn)
	if cfg.TTL > 0 {
		err := p.SetHopLimit(cfg.TTL)
		if err == nil && multicast {
			err = p.SetMulticastHopLimit(cfg.TTL)
		}
		if err != nil {
			return fmt.Errorf("sink: set hop limit: %w", err)
		}
	}
	if cfg.TOS >= 0 {
		if err := p.SetTrafficClass(cfg.TOS); err != nil {
			return fmt.Errorf("sink: set traffic class: %w", err)
		}
	}
	if multicast {
		if cfg.DisableMulticastLoop {
			if err := p.SetMulticastLoopback(false); err != nil {
				return fmt.Errorf("sink: disable multicast loopback: %w", err)
			}
		}
		if cfg.ForceLocalMulticastOutgoing && cfg.LocalAddress != "" {
			ifi, err := interfaceByIP(cfg.LocalAddress)
			if err != nil {
				return err
			}
			if err := p.SetMulticastInterface(ifi); err != nil {
				return fmt.Errorf("sink: set outgoing multicast interface: %w", err)
			}
		}
	}
	return nil
}

// interfaceByIP finds the network interface owning the given local IP.
func interfaceByIP(address string) (*net.Interface, error) {
	ip := net.ParseIP(address)
	if ip == nil {
		return nil, fmt.Errorf("sink: invalid local address %q", address)
	}
	ifis, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("sink: list interfaces: %w", err)
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
	return nil, fmt.Errorf("sink: no interface has address %s", ip)
}
