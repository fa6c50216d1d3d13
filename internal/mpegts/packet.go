// Package mpegts provides the fixed-size transport packet type and the
// low-level accessors the output pipeline needs: PID extraction, PCR
// decoding in the 27 MHz system clock domain, byte-stream packet framing
// with resynchronization, and PCR-based bitrate estimation.
package mpegts

import "fmt"

const (
	// PacketSize is the size of an MPEG-TS transport packet in bytes.
	PacketSize = 188

	// PacketSizeBits is the size of a transport packet in bits, used for
	// bitrate-based clock extrapolation.
	PacketSizeBits = 8 * PacketSize

	// RSTrailerSize is the size of the Reed-Solomon outer FEC trailer
	// appended to each packet in 204-byte framing.
	RSTrailerSize = 16

	// PacketRSSize is the size of a transport packet plus its RS trailer.
	PacketRSSize = PacketSize + RSTrailerSize

	// SyncByte is the first byte of every transport packet.
	SyncByte = 0x47

	// SystemClockFreq is the MPEG system clock frequency in Hz. PCR values
	// count ticks of this clock.
	SystemClockFreq = 27_000_000

	// PIDNull is the null/stuffing PID. It doubles as the "undetermined
	// PID" marker for PCR PID auto-detection.
	PIDNull uint16 = 0x1FFF

	// PIDMax is the number of distinct PID values (PIDs are 13 bits).
	PIDMax = 0x2000

	// pcrExtension divides the 27 MHz clock into the 90 kHz base and the
	// 0..299 extension.
	pcrExtension = 300
)

// Packet is one 188-byte MPEG-TS transport packet. It is a value type:
// copying a Packet copies the full packet, and a []Packet slice is a
// contiguous run of packet bytes.
type Packet [PacketSize]byte

// Null is a null/stuffing packet, usable as a template for synthetic
// packets.
var Null = Packet{0: SyncByte, 1: 0x1F, 2: 0xFF, 3: 0x10}

// HasValidSync reports whether the packet starts with the TS sync byte.
func (p *Packet) HasValidSync() bool {
	return p[0] == SyncByte
}

// PID returns the 13-bit packet identifier.
func (p *Packet) PID() uint16 {
	return uint16(p[1]&0x1F)<<8 | uint16(p[2])
}

// SetPID overwrites the 13-bit packet identifier.
func (p *Packet) SetPID(pid uint16) {
	p[1] = (p[1] & 0xE0) | byte(pid>>8)&0x1F
	p[2] = byte(pid)
}

// HasAdaptationField reports whether the adaptation field control bits
// announce an adaptation field.
func (p *Packet) HasAdaptationField() bool {
	return p[3]&0x20 != 0
}

// HasPayload reports whether the adaptation field control bits announce a
// payload.
func (p *Packet) HasPayload() bool {
	return p[3]&0x10 != 0
}

// adaptationFieldLen returns the adaptation field length byte, or -1 when
// there is no adaptation field.
func (p *Packet) adaptationFieldLen() int {
	if !p.HasAdaptationField() {
		return -1
	}
	return int(p[4])
}

// HasPCR reports whether the packet carries a PCR in its adaptation field.
func (p *Packet) HasPCR() bool {
	// A PCR needs the flags byte plus six PCR bytes in the adaptation field.
	return p.adaptationFieldLen() >= 7 && p[5]&0x10 != 0
}

// PCR returns the 42-bit program clock reference in 27 MHz ticks
// (33-bit base * 300 + 9-bit extension). The result is meaningless if
// HasPCR is false.
func (p *Packet) PCR() uint64 {
	base := uint64(p[6])<<25 |
		uint64(p[7])<<17 |
		uint64(p[8])<<9 |
		uint64(p[9])<<1 |
		uint64(p[10]>>7)
	ext := uint64(p[10]&0x01)<<8 | uint64(p[11])
	return base*pcrExtension + ext
}

// SetPCR stores a PCR value in the packet, creating an adaptation field
// covering the rest of the packet if none is present. The packet becomes
// adaptation-field-only in that case.
func (p *Packet) SetPCR(pcr uint64) {
	if p.adaptationFieldLen() < 7 {
		// Turn the packet into a stuffed adaptation-field-only packet with
		// room for the PCR.
		p[3] = (p[3] &^ 0x10) | 0x20
		p[4] = PacketSize - 5
		p[5] = 0
		for i := 6; i < PacketSize; i++ {
			p[i] = 0xFF
		}
	}
	p[5] |= 0x10
	base := pcr / pcrExtension
	ext := pcr % pcrExtension
	p[6] = byte(base >> 25)
	p[7] = byte(base >> 17)
	p[8] = byte(base >> 9)
	p[9] = byte(base >> 1)
	p[10] = byte(base&1)<<7 | 0x7E | byte(ext>>8)
	p[11] = byte(ext)
}

// IsNull reports whether the packet is a null/stuffing packet.
func (p *Packet) IsNull() bool {
	return p.PID() == PIDNull
}

// FromBytes copies one packet out of buf, validating size and sync byte.
func FromBytes(buf []byte) (Packet, error) {
	var p Packet
	if len(buf) != PacketSize {
		return p, fmt.Errorf("mpegts: packet size %d, expected %d", len(buf), PacketSize)
	}
	if buf[0] != SyncByte {
		return p, fmt.Errorf("mpegts: invalid sync byte 0x%02X", buf[0])
	}
	copy(p[:], buf)
	return p, nil
}
