package mpegts

import (
	"bufio"
	"io"
)

// Reader frames an arbitrary byte stream into aligned 188-byte transport
// packets. When alignment is lost (a read position that does not start
// with the sync byte), it scans forward to the next sync byte and counts
// the bytes it had to discard.
type Reader struct {
	br      *bufio.Reader
	skipped int64
}

// NewReader creates a packet reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64*PacketSize)}
}

// SkippedBytes returns the total number of bytes discarded while
// resynchronizing on the sync byte.
func (r *Reader) SkippedBytes() int64 {
	return r.skipped
}

// ReadPacket returns the next aligned transport packet. It returns io.EOF
// at a clean end of stream and io.ErrUnexpectedEOF if the stream ends in
// the middle of a packet.
func (r *Reader) ReadPacket() (Packet, error) {
	var p Packet
	for {
		b, err := r.br.ReadByte()
		if err != nil {
			return p, err
		}
		if b == SyncByte {
			break
		}
		r.skipped++
	}
	p[0] = SyncByte
	if _, err := io.ReadFull(r.br, p[1:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return p, err
	}
	return p, nil
}

// ReadPackets fills dst with up to len(dst) packets and returns how many
// were read. A short count with a nil error never occurs: the error is
// io.EOF only when zero packets were read.
func (r *Reader) ReadPackets(dst []Packet) (int, error) {
	for i := range dst {
		p, err := r.ReadPacket()
		if err != nil {
			if i > 0 && (err == io.EOF || err == io.ErrUnexpectedEOF) {
				return i, nil
			}
			return i, err
		}
		dst[i] = p
	}
	return len(dst), nil
}
