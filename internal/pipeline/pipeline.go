// Package pipeline drives transport stream packets from a source into
// an output stage, maintaining the current bitrate along the way. The
// send path is single-threaded: one goroutine reads, paces, and sends,
// checking for cancellation between bursts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/bits"
	"time"

	"github.com/tsforge/tsburst/internal/mpegts"
)

// defaultBurstSize is how many packets are read and sent together.
const defaultBurstSize = 7

// Output consumes bursts of packets together with the bitrate in force
// when they were read. Both the datagram and modulator output stages
// satisfy it.
type Output interface {
	Send(pkts []mpegts.Packet, bitrate uint64) error
}

// Config carries the pipeline tuning knobs.
type Config struct {
	// FixedBitrate, when non-zero, overrides PCR-derived estimation and
	// is reported to the output as-is, in bits per second.
	FixedBitrate uint64

	// PCRPID restricts bitrate estimation to one PID, PID 0 included.
	// mpegts.PIDNull means the first PID carrying a PCR is latched.
	PCRPID uint16

	// BurstSize is the number of packets per read and send; zero uses 7.
	BurstSize int

	// Pace throttles sends to the current bitrate against the wall
	// clock. Meant for file sources; network sources arrive paced.
	Pace bool

	// Log is the pipeline logger. Nil means slog.Default().
	Log *slog.Logger
}

// Pipeline reads packets from a byte stream and forwards them to an
// output stage in bursts.
type Pipeline struct {
	log    *slog.Logger
	cfg    Config
	reader *mpegts.Reader
	out    Output
	est    *mpegts.BitrateEstimator

	bitrate     uint64
	packetsSent uint64
	startTime   time.Time
}

// New creates a Pipeline reading from input and sending to out.
func New(cfg Config, input io.Reader, out Output) *Pipeline {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = defaultBurstSize
	}
	return &Pipeline{
		log:    log.With("component", "pipeline"),
		cfg:    cfg,
		reader: mpegts.NewReader(input),
		out:    out,
		est:    mpegts.NewBitrateEstimator(cfg.PCRPID),
	}
}

// Bitrate returns the bitrate in force after the last burst, in bits
// per second. Valid once Run has returned; the caller passes it to the
// output stage's flush.
func (p *Pipeline) Bitrate() uint64 {
	return p.bitrate
}

// Run reads, paces, and sends bursts until the source is exhausted or
// the context is cancelled. Source exhaustion and cancellation are
// normal terminations; send failures are returned as-is.
func (p *Pipeline) Run(ctx context.Context) error {
	p.startTime = time.Now()
	buf := make([]mpegts.Packet, p.cfg.BurstSize)

	for {
		if ctx.Err() != nil {
			p.logSummary("cancelled")
			return nil
		}

		n, err := p.reader.ReadPackets(buf)
		if n > 0 {
			for i := range buf[:n] {
				p.est.Feed(&buf[i])
			}
			p.bitrate = p.cfg.FixedBitrate
			if p.bitrate == 0 {
				p.bitrate = p.est.Bitrate()
			}

			if p.cfg.Pace && p.bitrate > 0 {
				if err := p.waitForSlot(ctx); err != nil {
					p.logSummary("cancelled")
					return nil
				}
			}

			if err := p.out.Send(buf[:n], p.bitrate); err != nil {
				return fmt.Errorf("pipeline: send: %w", err)
			}
			p.packetsSent += uint64(n)
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				p.logSummary("source exhausted")
				return nil
			}
			// Cancellation unblocks network reads by closing the source;
			// the resulting read error is a normal stop.
			if ctx.Err() != nil {
				p.logSummary("cancelled")
				return nil
			}
			return fmt.Errorf("pipeline: read: %w", err)
		}
	}
}

// waitForSlot sleeps until the wall clock catches up with the byte
// budget implied by the current bitrate.
func (p *Pipeline) waitForSlot(ctx context.Context) error {
	// 128-bit intermediate: bits sent times a nanosecond second overflows
	// 64 bits after roughly twenty minutes of stream.
	hi, lo := bits.Mul64(p.packetsSent*mpegts.PacketSizeBits, uint64(time.Second))
	ns, _ := bits.Div64(hi, lo, p.bitrate)
	due := p.startTime.Add(time.Duration(ns))
	delay := time.Until(due)
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) logSummary(reason string) {
	p.log.Info("pipeline stopped", "reason", reason,
		"packets", p.packetsSent, "bitrate", p.bitrate,
		"skipped_bytes", p.reader.SkippedBytes(),
		"uptime_ms", time.Since(p.startTime).Milliseconds())
}
