package datagram

import (
	"log/slog"

	"github.com/tsforge/tsburst/internal/mpegts"
)

// RTPClockRate is the RTP clock rate for MPEG2-TS payloads, in Hz.
const RTPClockRate = 90_000

// pcrTicksPerRTPTick converts the 27 MHz PCR domain to the 90 kHz RTP
// domain.
const pcrTicksPerRTPTick = mpegts.SystemClockFreq / RTPClockRate

// clockSync maintains the RTP output clock for one session.
//
// RTP timestamps cannot follow the wall clock because the caller is likely
// to burst its output, so the output clock is extrapolated from the packet
// count and the current bitrate, then periodically corrected against PCRs
// from one reference PID. PCRs are sparse and may loop back, so the clock
// never steps backward: a correction that would do so instead advances by
// a quarter of the extrapolated step.
//
// All internal state is in 27 MHz PCR ticks; the rescale to RTP ticks
// happens only at emission in timestamp().
type clockSync struct {
	pcrPID uint16 // reference PID, PIDNull until latched

	lastPCR    uint64 // last PCR sample seen on the reference PID
	hasLastPCR bool
	lastClock  uint64 // committed output clock after the previous burst
	lastPacket uint64 // global packet index at the previous commit
	offset     uint64 // PCR minus output clock, wrapping
}

func newClockSync(pcrPID uint16) clockSync {
	return clockSync{pcrPID: pcrPID}
}

// findPCR scans a burst for the first PCR on the reference PID, latching
// the PID if it is still undetermined. When the PCR is not in the first
// packet and the bitrate is known, the value is back-projected to what it
// would have been at the first packet of the burst.
func (c *clockSync) findPCR(pkts []mpegts.Packet, bitrate uint64) (uint64, bool) {
	for i := range pkts {
		p := &pkts[i]
		if !p.HasPCR() {
			continue
		}
		pid := p.PID()
		if c.pcrPID == mpegts.PIDNull {
			c.pcrPID = pid
		}
		if pid != c.pcrPID {
			continue
		}
		pcr := p.PCR()
		if i > 0 && bitrate > 0 {
			pcr -= uint64(i) * mpegts.PacketSizeBits * mpegts.SystemClockFreq / bitrate
		}
		return pcr, true
	}
	return 0, false
}

// timestamp computes the RTP timestamp for a burst whose first packet has
// global index startPacket, commits the new clock state, and returns the
// timestamp in 32-bit RTP ticks.
func (c *clockSync) timestamp(pkts []mpegts.Packet, startPacket, bitrate uint64, log *slog.Logger) uint32 {
	// Extrapolate from the previous burst using the current bitrate. With
	// an unknown bitrate the clock holds its last value.
	clock := c.lastClock
	if bitrate > 0 {
		clock += (startPacket - c.lastPacket) * mpegts.PacketSizeBits * mpegts.SystemClockFreq / bitrate
	}

	if pcr, ok := c.findPCR(pkts, bitrate); ok {
		if !c.hasLastPCR || pcr < c.lastPCR {
			// First PCR of the session, or the PCR jumped back (loop,
			// re-tune). Keep the extrapolated clock this one time and
			// re-anchor the offset.
			c.offset = pcr - clock
			log.Debug("RTP timestamps resynchronized with PCR",
				"pcr_pid", c.pcrPID, "pcr_offset", int64(c.offset))
		} else {
			adjusted := pcr - c.offset
			if adjusted <= c.lastClock {
				// The correction would step the clock backward. Advance
				// more slowly instead, by 25% of the extrapolated step.
				log.Debug("PCR correction would step RTP clock backward",
					"behind_rtp_ticks", (c.lastClock-adjusted)/pcrTicksPerRTPTick)
				adjusted = c.lastClock + (clock-c.lastClock)/4
			}
			clock = adjusted
		}
		c.lastPCR = pcr
		c.hasLastPCR = true
	}

	c.lastClock = clock
	c.lastPacket = startPacket
	return uint32(clock / pcrTicksPerRTPTick)
}
