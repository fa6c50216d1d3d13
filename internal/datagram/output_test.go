package datagram

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tsforge/tsburst/internal/mpegts"
)

// captureSink records every datagram it receives.
type captureSink struct {
	datagrams [][]byte
	err       error
	closed    bool
}

func (s *captureSink) SendDatagram(b []byte) error {
	if s.err != nil {
		return s.err
	}
	s.datagrams = append(s.datagrams, b)
	return nil
}

func (s *captureSink) Close() error {
	s.closed = true
	return nil
}

func nullPackets(n int) []mpegts.Packet {
	pkts := make([]mpegts.Packet, n)
	for i := range pkts {
		pkts[i] = mpegts.Null
	}
	return pkts
}

func openOutput(t *testing.T, cfg Config, sink Sink) *Output {
	t.Helper()
	o := NewOutput(cfg, sink)
	if err := o.Open(); err != nil {
		t.Fatal(err)
	}
	return o
}

func TestSendSplitsIntoBursts(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	cfg := DefaultConfig()
	cfg.PacketBurst = 7
	o := openOutput(t, cfg, sink)

	// 17 packets, max-burst policy: 7 + 7 + 3, nothing retained.
	if err := o.Send(nullPackets(17), 0); err != nil {
		t.Fatal(err)
	}
	sizes := []int{7, 7, 3}
	if len(sink.datagrams) != len(sizes) {
		t.Fatalf("got %d datagrams, want %d", len(sink.datagrams), len(sizes))
	}
	for i, n := range sizes {
		if got := len(sink.datagrams[i]); got != n*mpegts.PacketSize {
			t.Errorf("datagram %d size = %d, want %d", i, got, n*mpegts.PacketSize)
		}
	}
}

func TestEnforceBurstAccumulates(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	cfg := DefaultConfig()
	cfg.PacketBurst = 7
	cfg.EnforceBurst = true
	o := openOutput(t, cfg, sink)

	// 4 + 4 + 8 packets: bursts flush only at exact multiples of 7.
	for _, n := range []int{4, 4, 8} {
		if err := o.Send(nullPackets(n), 0); err != nil {
			t.Fatal(err)
		}
	}
	if len(sink.datagrams) != 2 {
		t.Fatalf("got %d datagrams, want 2", len(sink.datagrams))
	}
	for i, d := range sink.datagrams {
		if len(d) != 7*mpegts.PacketSize {
			t.Errorf("datagram %d size = %d, want exactly 7 packets", i, len(d))
		}
	}

	// 16 sent, 14 flushed: Close flushes the 2-packet residual.
	if err := o.Close(0); err != nil {
		t.Fatal(err)
	}
	if len(sink.datagrams) != 3 {
		t.Fatalf("got %d datagrams after close, want 3", len(sink.datagrams))
	}
	if got := len(sink.datagrams[2]); got != 2*mpegts.PacketSize {
		t.Errorf("final flush size = %d, want 2 packets", got)
	}
}

func TestRTPHeaderFields(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	cfg := DefaultConfig()
	cfg.PacketBurst = 1
	cfg.RTP = true
	cfg.FixedSequence = true
	cfg.StartSequence = 1000
	cfg.FixedSSRC = true
	cfg.SSRC = 0xDEADBEEF
	o := openOutput(t, cfg, sink)

	for i := 0; i < 3; i++ {
		if err := o.Send(nullPackets(1), 10_000_000); err != nil {
			t.Fatal(err)
		}
	}

	if len(sink.datagrams) != 3 {
		t.Fatalf("got %d datagrams, want 3", len(sink.datagrams))
	}
	for i, d := range sink.datagrams {
		if len(d) != RTPHeaderSize+mpegts.PacketSize {
			t.Fatalf("datagram %d size = %d", i, len(d))
		}
		if d[0] != 0x80 {
			t.Errorf("datagram %d version byte = 0x%02X, want 0x80", i, d[0])
		}
		if d[1] != RTPPayloadTypeMP2T {
			t.Errorf("datagram %d payload type = %d, want %d", i, d[1], RTPPayloadTypeMP2T)
		}
		if seq := binary.BigEndian.Uint16(d[2:]); seq != uint16(1000+i) {
			t.Errorf("datagram %d sequence = %d, want %d", i, seq, 1000+i)
		}
		if ssrc := binary.BigEndian.Uint32(d[8:]); ssrc != 0xDEADBEEF {
			t.Errorf("datagram %d SSRC = 0x%08X, want 0xDEADBEEF", i, ssrc)
		}
		if d[12] != mpegts.SyncByte {
			t.Errorf("datagram %d payload does not start at a packet boundary", i)
		}
	}
}

func TestRTPSequenceWraps(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	cfg := DefaultConfig()
	cfg.PacketBurst = 1
	cfg.RTP = true
	cfg.FixedSequence = true
	cfg.StartSequence = 0xFFFF
	o := openOutput(t, cfg, sink)

	o.Send(nullPackets(1), 0)
	o.Send(nullPackets(1), 0)
	if seq := binary.BigEndian.Uint16(sink.datagrams[1][2:]); seq != 0 {
		t.Errorf("sequence after 0xFFFF = %d, want 0", seq)
	}
}

func TestRS204Trailers(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	cfg := DefaultConfig()
	cfg.PacketBurst = 2
	cfg.RS204 = true
	o := openOutput(t, cfg, sink)

	if err := o.Send(nullPackets(2), 0); err != nil {
		t.Fatal(err)
	}
	d := sink.datagrams[0]
	if len(d) != 2*mpegts.PacketRSSize {
		t.Fatalf("datagram size = %d, want %d", len(d), 2*mpegts.PacketRSSize)
	}
	for pkt := 0; pkt < 2; pkt++ {
		base := pkt * mpegts.PacketRSSize
		if d[base] != mpegts.SyncByte {
			t.Errorf("packet %d not at expected offset", pkt)
		}
		for i := 0; i < mpegts.RSTrailerSize; i++ {
			if d[base+mpegts.PacketSize+i] != 0 {
				t.Fatalf("packet %d trailer byte %d = 0x%02X, want zero", pkt, i, d[base+mpegts.PacketSize+i])
			}
		}
	}
}

func TestRandomSequenceAndSSRC(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.RTP = true
	o := openOutput(t, cfg, &captureSink{})
	o2 := openOutput(t, cfg, &captureSink{})
	// Random SSRCs colliding across two sessions is possible but
	// vanishingly unlikely together with colliding sequence numbers.
	if o.ssrc == o2.ssrc && o.sequence == o2.sequence {
		t.Error("two sessions drew identical random sequence and SSRC")
	}
}

func TestSendOnClosedOutput(t *testing.T) {
	t.Parallel()
	o := openOutput(t, DefaultConfig(), &captureSink{})
	if err := o.Close(0); err != nil {
		t.Fatal(err)
	}
	if err := o.Send(nullPackets(1), 0); !errors.Is(err, ErrNotOpen) {
		t.Errorf("err = %v, want ErrNotOpen", err)
	}
}

func TestOpenValidation(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.PacketBurst = MaxPacketBurst + 1
	if err := NewOutput(cfg, &captureSink{}).Open(); err == nil {
		t.Error("expected error for oversized burst")
	}

	cfg = DefaultConfig()
	cfg.PayloadType = 200
	if err := NewOutput(cfg, &captureSink{}).Open(); err == nil {
		t.Error("expected error for out-of-range payload type")
	}
}

func TestSinkErrorPropagates(t *testing.T) {
	t.Parallel()
	sinkErr := errors.New("wire fell out")
	sink := &captureSink{err: sinkErr}
	o := openOutput(t, DefaultConfig(), sink)
	if err := o.Send(nullPackets(7), 0); !errors.Is(err, sinkErr) {
		t.Errorf("err = %v, want sink error", err)
	}
}

func TestMaxPayloadSize(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.PacketBurst = 7
	o := NewOutput(cfg, &captureSink{})
	if got := o.MaxPayloadSize(); got != 7*mpegts.PacketSize {
		t.Errorf("MaxPayloadSize = %d, want %d", got, 7*mpegts.PacketSize)
	}

	cfg.RTP = true
	cfg.RS204 = true
	o = NewOutput(cfg, &captureSink{})
	want := RTPHeaderSize + 7*mpegts.PacketRSSize
	if got := o.MaxPayloadSize(); got != want {
		t.Errorf("MaxPayloadSize = %d, want %d", got, want)
	}
}
