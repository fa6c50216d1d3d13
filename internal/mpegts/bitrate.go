package mpegts

import "math/bits"

// BitrateEstimator derives the transport stream bitrate from the PCR
// samples of one PID. The bitrate is the number of packet bits emitted
// between the first and the most recent PCR, divided by the elapsed
// system clock time those PCRs span.
//
// A PCR that steps backward (stream loop, re-tune, counter wrap) resets
// the measurement window; the estimator then needs two new samples before
// reporting a bitrate again.
type BitrateEstimator struct {
	pcrPID uint16 // PIDNull until latched / auto-detected

	firstPCR    uint64
	firstPacket uint64
	lastPCR     uint64
	lastPacket  uint64
	samples     int

	packetCount uint64
}

// NewBitrateEstimator creates an estimator tied to pcrPID. Pass PIDNull to
// auto-detect the PCR PID from the first PCR seen.
func NewBitrateEstimator(pcrPID uint16) *BitrateEstimator {
	return &BitrateEstimator{pcrPID: pcrPID}
}

// Feed accounts for one transport packet, in stream order.
func (e *BitrateEstimator) Feed(p *Packet) {
	index := e.packetCount
	e.packetCount++

	if !p.HasPCR() {
		return
	}
	pid := p.PID()
	if e.pcrPID == PIDNull {
		e.pcrPID = pid
	}
	if pid != e.pcrPID {
		return
	}

	pcr := p.PCR()
	if e.samples > 0 && pcr <= e.lastPCR {
		// Discontinuity: restart the window at this sample.
		e.samples = 0
	}
	if e.samples == 0 {
		e.firstPCR = pcr
		e.firstPacket = index
	}
	e.lastPCR = pcr
	e.lastPacket = index
	e.samples++
}

// Bitrate returns the estimated bitrate in bits per second, or 0 when
// fewer than two usable PCR samples have been seen.
func (e *BitrateEstimator) Bitrate() uint64 {
	if e.samples < 2 || e.lastPCR == e.firstPCR {
		return 0
	}
	packets := e.lastPacket - e.firstPacket
	ticks := e.lastPCR - e.firstPCR
	// 128-bit intermediate: the bit count times 27 MHz overflows 64 bits
	// after a few hours of stream.
	hi, lo := bits.Mul64(packets*PacketSizeBits, SystemClockFreq)
	rate, _ := bits.Div64(hi, lo, ticks)
	return rate
}

// PCRPID returns the PID used for PCR samples, or PIDNull when not yet
// detected.
func (e *BitrateEstimator) PCRPID() uint16 {
	return e.pcrPID
}
