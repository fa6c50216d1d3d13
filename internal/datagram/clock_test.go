package datagram

import (
	"log/slog"
	"testing"

	"github.com/tsforge/tsburst/internal/mpegts"
)

// burstWithPCR builds an n-packet burst with a PCR on pid at index pcrAt.
// pcrAt < 0 means no PCR.
func burstWithPCR(n int, pid uint16, pcrAt int, pcr uint64) []mpegts.Packet {
	pkts := make([]mpegts.Packet, n)
	for i := range pkts {
		pkts[i] = mpegts.Null
		if i == pcrAt {
			pkts[i].SetPID(pid)
			pkts[i].SetPCR(pcr)
		}
	}
	return pkts
}

func TestClockExtrapolation(t *testing.T) {
	t.Parallel()
	c := newClockSync(mpegts.PIDNull)
	log := slog.Default()

	// No PCR, known bitrate: pure extrapolation from packet count.
	const bitrate = 10_000_000
	ts0 := c.timestamp(burstWithPCR(7, 0, -1, 0), 0, bitrate, log)
	if ts0 != 0 {
		t.Errorf("first timestamp = %d, want 0", ts0)
	}

	ts1 := c.timestamp(burstWithPCR(7, 0, -1, 0), 7, bitrate, log)
	wantTicks := uint64(7) * mpegts.PacketSizeBits * mpegts.SystemClockFreq / bitrate
	if want := uint32(wantTicks / pcrTicksPerRTPTick); ts1 != want {
		t.Errorf("second timestamp = %d, want %d", ts1, want)
	}
}

func TestClockFreezesWithoutBitrate(t *testing.T) {
	t.Parallel()
	c := newClockSync(mpegts.PIDNull)
	log := slog.Default()

	ts0 := c.timestamp(burstWithPCR(7, 0, -1, 0), 0, 0, log)
	ts1 := c.timestamp(burstWithPCR(7, 0, -1, 0), 7, 0, log)
	if ts0 != ts1 {
		t.Errorf("clock advanced with zero bitrate: %d -> %d", ts0, ts1)
	}
}

func TestClockFirstPCRResync(t *testing.T) {
	t.Parallel()
	c := newClockSync(mpegts.PIDNull)
	log := slog.Default()

	// The first PCR must not jump the clock; it only anchors the offset.
	ts := c.timestamp(burstWithPCR(7, 0x100, 0, 500_000_000), 0, 10_000_000, log)
	if ts != 0 {
		t.Errorf("timestamp = %d, want 0 (first PCR keeps extrapolated clock)", ts)
	}
	if c.pcrPID != 0x100 {
		t.Errorf("pcrPID = 0x%04X, want 0x100 (auto-detected)", c.pcrPID)
	}

	// A forward PCR now corrects the clock through the anchored offset.
	const bitrate = 10_000_000
	step := uint64(7) * mpegts.PacketSizeBits * mpegts.SystemClockFreq / bitrate
	ts2 := c.timestamp(burstWithPCR(7, 0x100, 0, 500_000_000+2*step), 7, bitrate, log)
	if want := uint32(2 * step / pcrTicksPerRTPTick); ts2 != want {
		t.Errorf("corrected timestamp = %d, want %d", ts2, want)
	}
}

func TestClockMonotonicity(t *testing.T) {
	t.Parallel()
	c := newClockSync(mpegts.PIDNull)
	log := slog.Default()

	// Arbitrary mix of bursts: PCRs that loop back, stall, and jump
	// forward, with varying bitrates. The committed clock must never
	// decrease.
	type step struct {
		pcrAt   int
		pcr     uint64
		bitrate uint64
	}
	steps := []step{
		{0, 1_000_000, 10_000_000},
		{3, 1_500_000, 10_000_000},
		{-1, 0, 12_000_000},
		{0, 200, 12_000_000}, // loopback
		{0, 400, 0},          // forward, bitrate unknown
		{6, 900_000, 8_000_000},
		{0, 900_001, 8_000_000}, // nearly stalled reference
		{-1, 0, 0},
	}

	var prev uint64
	var startPacket uint64
	for i, s := range steps {
		c.timestamp(burstWithPCR(7, 0x40, s.pcrAt, s.pcr), startPacket, s.bitrate, log)
		if c.lastClock < prev {
			t.Fatalf("step %d: committed clock went backward: %d -> %d", i, prev, c.lastClock)
		}
		prev = c.lastClock
		startPacket += 7
	}
}

func TestClockBackwardCorrectionDamped(t *testing.T) {
	t.Parallel()
	c := newClockSync(mpegts.PIDNull)
	log := slog.Default()
	const bitrate = 10_000_000

	// Anchor with a first PCR, then advance one burst without a PCR so
	// the committed clock is ahead of the reference.
	c.timestamp(burstWithPCR(7, 0x40, 0, 10_000_000), 0, bitrate, log)
	c.timestamp(burstWithPCR(7, 0, -1, 0), 7, bitrate, log)
	committed := c.lastClock

	// Next PCR is forward of the previous sample but, after offset
	// adjustment, behind the committed clock: the correction must land
	// strictly between the previous committed value and the raw
	// extrapolated candidate.
	step := uint64(7) * mpegts.PacketSizeBits * mpegts.SystemClockFreq / bitrate
	c.timestamp(burstWithPCR(7, 0x40, 0, 10_000_001), 14, bitrate, log)

	if c.lastClock <= committed {
		t.Errorf("damped clock %d not above previous committed %d", c.lastClock, committed)
	}
	if candidate := committed + step; c.lastClock >= candidate {
		t.Errorf("damped clock %d not below extrapolated candidate %d", c.lastClock, candidate)
	}
	if want := committed + step/4; c.lastClock != want {
		t.Errorf("damped clock = %d, want quarter step %d", c.lastClock, want)
	}
}

func TestClockPCRBackProjection(t *testing.T) {
	t.Parallel()
	c := newClockSync(mpegts.PIDNull)
	const bitrate = 10_000_000

	// PCR in packet 3 of the burst: the sample must be projected back to
	// index 0.
	pcr, ok := c.findPCR(burstWithPCR(7, 0x40, 3, 5_000_000), bitrate)
	if !ok {
		t.Fatal("PCR not found")
	}
	want := uint64(5_000_000) - 3*mpegts.PacketSizeBits*mpegts.SystemClockFreq/bitrate
	if pcr != want {
		t.Errorf("back-projected PCR = %d, want %d", pcr, want)
	}

	// Unknown bitrate: no back-projection.
	c2 := newClockSync(mpegts.PIDNull)
	pcr, ok = c2.findPCR(burstWithPCR(7, 0x40, 3, 5_000_000), 0)
	if !ok || pcr != 5_000_000 {
		t.Errorf("PCR = %d, %v, want 5000000, true", pcr, ok)
	}
}

func TestClockIgnoresForeignPIDs(t *testing.T) {
	t.Parallel()
	c := newClockSync(0x100)

	if _, ok := c.findPCR(burstWithPCR(7, 0x200, 0, 42), 0); ok {
		t.Error("PCR on a foreign PID must be ignored with an explicit reference PID")
	}
	if c.pcrPID != 0x100 {
		t.Error("explicit reference PID must not be re-latched")
	}
}
