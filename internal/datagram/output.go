// Package datagram batches transport packets into bursts, optionally
// frames them with an RTP header and per-packet Reed-Solomon placeholder
// trailers, and hands each framed burst to a Sink as one atomic datagram.
package datagram

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tsforge/tsburst/internal/mpegts"
)

const (
	// DefaultPacketBurst is the default number of TS packets per datagram:
	// 7 * 188 = 1316 bytes, the largest multiple that fits a standard
	// Ethernet MTU.
	DefaultPacketBurst = 7

	// MaxPacketBurst is the maximum number of TS packets per datagram.
	MaxPacketBurst = 128

	// RTPHeaderSize is the size of the fixed RTP header we emit (no CSRC,
	// no extension).
	RTPHeaderSize = 12

	// RTPPayloadTypeMP2T is the standard RTP payload type for MPEG2-TS.
	RTPPayloadTypeMP2T = 33
)

// Sink consumes framed datagrams. Implementations are one atomic write per
// call: a failure fails the whole datagram, there is no partial retry at
// this layer.
type Sink interface {
	SendDatagram(b []byte) error
	Close() error
}

// Config carries the session-constant options of an Output.
type Config struct {
	// PacketBurst is the maximum number of TS packets per datagram.
	// Zero selects DefaultPacketBurst.
	PacketBurst int

	// EnforceBurst makes PacketBurst an exact size rather than a maximum:
	// packets accumulate in a residual buffer until a full burst is
	// available. Only the final flush at Close may be shorter.
	EnforceBurst bool

	// RTP enables RTP framing of each datagram.
	RTP bool

	// PayloadType is the RTP payload type (0-127). Zero selects
	// RTPPayloadTypeMP2T.
	PayloadType uint8

	// FixedSequence uses StartSequence as the initial RTP sequence number
	// instead of a random value.
	FixedSequence bool
	StartSequence uint16

	// FixedSSRC uses SSRC as the RTP synchronization source identifier
	// instead of a random value.
	FixedSSRC bool
	SSRC      uint32

	// PCRPID overrides RTP clock reference PID auto-detection.
	// mpegts.PIDNull (or zero value via DefaultConfig) means auto-detect.
	PCRPID uint16

	// RS204 appends a zeroed 16-byte Reed-Solomon placeholder trailer
	// after each packet (204-byte packet framing).
	RS204 bool

	// Log is the logger for resynchronization and lifecycle events.
	// Nil means slog.Default().
	Log *slog.Logger
}

// DefaultConfig returns a Config with the standard defaults: 7-packet
// bursts, no RTP, auto-detected PCR PID.
func DefaultConfig() Config {
	return Config{
		PacketBurst: DefaultPacketBurst,
		PayloadType: RTPPayloadTypeMP2T,
		PCRPID:      mpegts.PIDNull,
	}
}

// ErrNotOpen is returned by Send and Close on a closed or never-opened
// Output.
var ErrNotOpen = errors.New("datagram: output is not open")

// Output frames transport packets into datagrams and writes them to a
// Sink. It is not safe for concurrent use: the pipeline's output stage is
// the single caller.
type Output struct {
	cfg  Config
	log  *slog.Logger
	sink Sink
	open bool

	residual []mpegts.Packet // partial burst retained across Send calls

	sequence    uint16
	ssrc        uint32
	clock       clockSync
	packetCount uint64 // total packets framed so far this session
}

// NewOutput creates an Output writing framed datagrams to sink. The sink
// remains owned by the caller; Close does not close it.
func NewOutput(cfg Config, sink Sink) *Output {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Output{
		cfg:  cfg,
		log:  log.With("component", "datagram-output"),
		sink: sink,
	}
}

// Open validates the configuration and initializes the per-session state.
func (o *Output) Open() error {
	if o.open {
		return errors.New("datagram: output is already open")
	}
	if o.cfg.PacketBurst == 0 {
		o.cfg.PacketBurst = DefaultPacketBurst
	}
	if o.cfg.PacketBurst < 0 || o.cfg.PacketBurst > MaxPacketBurst {
		return fmt.Errorf("datagram: packet burst %d out of range 1-%d", o.cfg.PacketBurst, MaxPacketBurst)
	}
	if o.cfg.PayloadType > 127 {
		return fmt.Errorf("datagram: RTP payload type %d out of range 0-127", o.cfg.PayloadType)
	}

	if o.cfg.EnforceBurst {
		o.residual = make([]mpegts.Packet, 0, o.cfg.PacketBurst)
	}

	if o.cfg.RTP {
		if o.cfg.FixedSequence {
			o.sequence = o.cfg.StartSequence
		} else if err := randInt(&o.sequence); err != nil {
			return fmt.Errorf("datagram: sequence number generation: %w", err)
		}
		if o.cfg.FixedSSRC {
			o.ssrc = o.cfg.SSRC
		} else if err := randInt(&o.ssrc); err != nil {
			return fmt.Errorf("datagram: SSRC generation: %w", err)
		}
	}

	o.clock = newClockSync(o.cfg.PCRPID)
	o.packetCount = 0
	o.open = true
	return nil
}

// MaxPayloadSize returns the size in bytes of the largest datagram this
// Output can emit.
func (o *Output) MaxPayloadSize() int {
	burst := o.cfg.PacketBurst
	if burst == 0 {
		burst = DefaultPacketBurst
	}
	size := burst * o.packetWireSize()
	if o.cfg.RTP {
		size += RTPHeaderSize
	}
	return size
}

// Send frames pkts into one or more datagrams, grouped by the configured
// burst size. bitrate is the caller's current estimate in bits per second
// and drives RTP clock extrapolation; zero means unknown.
//
// With EnforceBurst, packets beyond the last full burst are copied into
// the residual buffer and emitted on a later call (or at Close). Packets
// are never reordered and a burst never splits a packet.
func (o *Output) Send(pkts []mpegts.Packet, bitrate uint64) error {
	if !o.open {
		return ErrNotOpen
	}

	burst := o.cfg.PacketBurst
	minBurst := 1
	if o.cfg.EnforceBurst {
		minBurst = burst
	}

	// Top up a partial residual burst first.
	if len(o.residual) > 0 {
		n := min(len(pkts), burst-len(o.residual))
		o.residual = append(o.residual, pkts[:n]...)
		pkts = pkts[n:]
		if len(o.residual) == burst {
			if err := o.sendBurst(o.residual, bitrate); err != nil {
				return err
			}
			o.residual = o.residual[:0]
		}
	}

	for len(pkts) >= minBurst {
		n := min(len(pkts), burst)
		if err := o.sendBurst(pkts[:n], bitrate); err != nil {
			return err
		}
		pkts = pkts[n:]
	}

	// Retain the tail for the next call under the exact-burst policy.
	if len(pkts) > 0 {
		o.residual = append(o.residual, pkts...)
	}
	return nil
}

// Close flushes any residual partial burst, using bitrate for the final
// clock extrapolation, and marks the session closed. It does not close
// the Sink.
func (o *Output) Close(bitrate uint64) error {
	if !o.open {
		return ErrNotOpen
	}
	var err error
	if len(o.residual) > 0 {
		err = o.sendBurst(o.residual, bitrate)
		o.residual = o.residual[:0]
	}
	o.open = false
	return err
}

// packetWireSize is the per-packet size on the wire.
func (o *Output) packetWireSize() int {
	if o.cfg.RS204 {
		return mpegts.PacketRSSize
	}
	return mpegts.PacketSize
}

// sendBurst frames one contiguous burst into a single datagram and writes
// it to the sink.
func (o *Output) sendBurst(pkts []mpegts.Packet, bitrate uint64) error {
	unit := o.packetWireSize()
	size := len(pkts) * unit
	offset := 0
	if o.cfg.RTP {
		size += RTPHeaderSize
		offset = RTPHeaderSize
	}
	buf := make([]byte, size)

	if o.cfg.RTP {
		buf[0] = 0x80 // version 2, no padding, no extension, no CSRC
		buf[1] = o.cfg.PayloadType & 0x7F
		binary.BigEndian.PutUint16(buf[2:], o.sequence)
		o.sequence++
		binary.BigEndian.PutUint32(buf[4:], o.clock.timestamp(pkts, o.packetCount, bitrate, o.log))
		binary.BigEndian.PutUint32(buf[8:], o.ssrc)
	}

	// RS trailers stay zero: the buffer is zero-initialized and the
	// placeholder is reserved for external FEC computation.
	for i := range pkts {
		copy(buf[offset+i*unit:], pkts[i][:])
	}

	o.packetCount += uint64(len(pkts))
	return o.sink.SendDatagram(buf)
}

// randInt fills v (uint16 or uint32) from the system CSPRNG.
func randInt[T uint16 | uint32](v *T) error {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return err
	}
	*v = T(binary.BigEndian.Uint32(b[:]))
	return nil
}
