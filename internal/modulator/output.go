package modulator

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tsforge/tsburst/internal/mpegts"
)

const (
	// DefaultFifoSize is assumed when the hardware cannot report its FIFO
	// capacity.
	DefaultFifoSize = 8 * 1024 * 1024

	// maxIOSize bounds a single Write to the channel.
	maxIOSize = 6 * 1024 * 1024

	// DefaultPreloadPercentage of the FIFO is preloaded before the
	// transmitter is released, unless a delay-based target is configured.
	DefaultPreloadPercentage = 80

	// defaultMaintainThreshold is the drop threshold above the preload
	// target when the target is percentage-based: 107 packets, a little
	// over 20 KiB, which works well in practice.
	defaultMaintainThreshold = 107 * mpegts.PacketSize

	// maintainThresholdMs is the drop threshold in milliseconds of stream
	// time when the preload target is delay-based.
	maintainThresholdMs = 10

	// DefaultPollInterval is the sleep between FIFO load polls while
	// waiting for the hardware to drain.
	DefaultPollInterval = time.Millisecond
)

// Config carries the session-constant options of an Output.
type Config struct {
	// IsModulator marks channels that transmit in real time; they are
	// always preloaded before the transmitter is released.
	IsModulator bool

	// FifoSize overrides the hardware FIFO capacity in bytes. Zero keeps
	// the device's current size.
	FifoSize int

	// PreloadFifo requests FIFO preloading even on non-modulator channels.
	PreloadFifo bool

	// PreloadPercentage sizes the preload target as a percentage of the
	// FIFO capacity (1-100). Zero selects DefaultPreloadPercentage.
	PreloadPercentage int

	// PreloadDelayMs sizes the preload target as a wanted delay from real
	// time in milliseconds (100-100000); it takes precedence over
	// PreloadPercentage once a bitrate is known and is recomputed on
	// bitrate changes.
	PreloadDelayMs int

	// MaintainPreload pauses transmission and refills the FIFO whenever
	// it fully drains, keeping the configured delay from real time.
	MaintainPreload bool

	// DropToMaintainPreload drops packets that would grow the FIFO beyond
	// the preload target plus a threshold, so a burst of late input does
	// not push the output ever further behind real time.
	DropToMaintainPreload bool

	// CarrierOnly transmits a carrier without TS data: all packets are
	// silently discarded while the session stays up.
	CarrierOnly bool

	// MuteOnStop mutes the RF output when the session stops, on hardware
	// that supports muting.
	MuteOnStop bool

	// PollInterval is the sleep between FIFO load polls while the FIFO is
	// too full to accept the pending write. Zero selects
	// DefaultPollInterval.
	PollInterval time.Duration

	// PollTimeout bounds how long one Send call may wait for FIFO space.
	// Zero means wait forever, matching the real-time semantics where
	// stalling is preferable to dropping.
	PollTimeout time.Duration

	// Log is the logger for pacing events. Nil means slog.Default().
	Log *slog.Logger
}

// ErrNotStarted is returned by Send on a stopped or never-started Output.
var ErrNotStarted = errors.New("modulator: output is not started")

// ErrPollTimeout is returned by Send when PollTimeout elapses while
// waiting for FIFO space.
var ErrPollTimeout = errors.New("modulator: timed out waiting for FIFO space")

// Output drives one hardware channel through the preload/steady/drop
// pacing state machine. Exactly one goroutine may call Send; the only
// blocking point is the FIFO space poll.
type Output struct {
	cfg Config
	log *slog.Logger
	ch  Channel

	started       bool
	starting      bool // preloading: transmitter held, filling the FIFO
	preloaded     bool // session did a preload (enables maintain behavior)
	dropToPreload bool // dropping down to the preload target after overshoot

	fifoSize          int
	preloadSize       int
	maintainThreshold int
	curBitrate        uint64

	wbuf []byte // scratch for packet-to-byte copies
}

// NewOutput creates an Output pacing writes into ch. The channel is owned
// by the Output once Start succeeds; Stop closes it.
func NewOutput(cfg Config, ch Channel) *Output {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Output{
		cfg: cfg,
		log: log.With("component", "modulator-output"),
		ch:  ch,
	}
}

// Start configures the FIFO, computes the preload target, and holds the
// transmitter when preloading is wanted. Any hardware configuration
// failure is fatal to the session.
func (o *Output) Start(bitrate uint64) error {
	if o.started {
		return errors.New("modulator: output is already started")
	}
	if o.cfg.PreloadPercentage < 0 || o.cfg.PreloadPercentage > 100 {
		return fmt.Errorf("modulator: preload percentage %d out of range 1-100", o.cfg.PreloadPercentage)
	}

	maxSize, err := o.ch.MaxFifoSize()
	if err != nil || maxSize == 0 {
		o.log.Warn("max FIFO size not supported, using default", "bytes", DefaultFifoSize)
		maxSize = DefaultFifoSize
	}

	if o.cfg.FifoSize > 0 {
		size := min(o.cfg.FifoSize, maxSize) &^ 0x0F
		if err := o.ch.SetFifoSize(size); err != nil {
			return fmt.Errorf("modulator: set FIFO size %d: %w", size, err)
		}
	}

	o.fifoSize, err = o.ch.FifoSize()
	if err != nil || o.fifoSize == 0 {
		o.log.Warn("FIFO size query failed, using default capacity", "bytes", DefaultFifoSize, "error", err)
		o.fifoSize = DefaultFifoSize
	}
	o.log.Debug("output FIFO configured", "size", o.fifoSize, "max", maxSize)

	o.curBitrate = bitrate
	if !o.recomputePreloadFromDelay() {
		pct := o.cfg.PreloadPercentage
		if pct == 0 {
			pct = DefaultPreloadPercentage
		}
		o.preloadSize = roundDownPacket(o.fifoSize * pct / 100)
		if o.cfg.MaintainPreload && o.cfg.DropToMaintainPreload {
			o.maintainThreshold = defaultMaintainThreshold
			if o.preloadSize+o.maintainThreshold > o.fifoSize {
				adjusted := roundDownPacket(o.fifoSize - o.maintainThreshold)
				o.log.Info("reducing preload size to leave room for the drop threshold",
					"preload", o.preloadSize, "adjusted", adjusted, "threshold", o.maintainThreshold)
				o.preloadSize = adjusted
			}
		}
	}

	// Modulators always preload: releasing the transmitter against an
	// empty FIFO underflows immediately on thread scheduling jitter.
	o.starting = o.cfg.IsModulator || o.cfg.PreloadFifo
	o.preloaded = o.starting
	ctl := TxSend
	if o.starting {
		ctl = TxHold
	}
	if err := o.ch.SetTxControl(ctl); err != nil {
		return fmt.Errorf("modulator: set tx control: %w", err)
	}

	o.dropToPreload = false
	o.started = true
	return nil
}

// Stop mutes the output when configured, releases the hardware channel,
// and ends the session. A stopped Output cannot be restarted.
func (o *Output) Stop() error {
	if !o.started {
		return nil
	}
	if o.cfg.MuteOnStop {
		if err := o.ch.SetRfMode(RfMuted); err != nil {
			o.log.Error("muting modulator output", "error", err)
		}
	}
	o.started = false
	return o.ch.Close()
}

// Send writes pkts to the FIFO under the pacing policy. bitrate is the
// caller's current estimate in bits per second; a change recomputes a
// delay-based preload target. Send blocks while the FIFO is too full,
// polling at the configured interval; packets are only ever discarded
// under the explicit drop-to-maintain policy.
func (o *Output) Send(pkts []mpegts.Packet, bitrate uint64) error {
	if !o.started {
		return ErrNotStarted
	}
	if o.cfg.CarrierOnly {
		return nil
	}

	if bitrate != 0 && bitrate != o.curBitrate {
		o.curBitrate = bitrate
		o.log.Debug("new output bitrate", "bps", bitrate)
		if o.recomputePreloadFromDelay() {
			o.log.Info("preload FIFO size adjusted for new bitrate",
				"delay_ms", o.cfg.PreloadDelayMs, "preload", o.preloadSize,
				"threshold", o.maintainThreshold)
		}
	}

	remain := len(pkts) * mpegts.PacketSize
	offset := 0
	var waitStart time.Time

	for remain > 0 {
		maxIO := maxIOSize

		if o.starting {
			load, err := o.ch.FifoLoad()
			if err != nil {
				return fmt.Errorf("modulator: FIFO load query: %w", err)
			}
			if load < o.preloadSize-mpegts.PacketSize {
				// Keep filling, but never past the preload target in one
				// write.
				maxIO = o.preloadSize - load
			} else {
				o.log.Info("FIFO preloaded, starting transmission", "load", load)
				if err := o.ch.SetTxControl(TxSend); err != nil {
					return fmt.Errorf("modulator: release transmitter: %w", err)
				}
				o.starting = false
			}
		}

		cursize := roundDownPacket(min(remain, maxIO))

		for !o.starting {
			load, err := o.ch.FifoLoad()
			if err != nil {
				return fmt.Errorf("modulator: FIFO load query: %w", err)
			}

			if o.preloaded && o.cfg.MaintainPreload {
				if load == 0 {
					// The FIFO fully drained: upstream stalled. Pause and
					// refill rather than let the hardware underrun.
					if err := o.ch.SetTxControl(TxHold); err != nil {
						return fmt.Errorf("modulator: hold transmitter: %w", err)
					}
					o.starting = true
					o.log.Info("FIFO drained, pausing transmission to rebuild preload")
					break
				}
				if o.cfg.DropToMaintainPreload {
					var done bool
					cursize, remain, done = o.maybeDrop(load, cursize, remain)
					if done {
						return nil
					}
				}
			}

			if load+cursize > o.fifoSize {
				// Wait for the FIFO to partially drain. A short sleep
				// between polls keeps writes close to their due time
				// without busy-spinning; the hardware API is synchronous,
				// so this is the session's only blocking point.
				if o.cfg.PollTimeout > 0 {
					if waitStart.IsZero() {
						waitStart = time.Now()
					} else if time.Since(waitStart) >= o.cfg.PollTimeout {
						return fmt.Errorf("%w after %s", ErrPollTimeout, o.cfg.PollTimeout)
					}
				}
				time.Sleep(o.cfg.PollInterval)
				continue
			}

			waitStart = time.Time{}
			break
		}

		if err := o.write(pkts, offset, cursize); err != nil {
			return fmt.Errorf("modulator: transmission error: %w", err)
		}

		if !o.starting {
			o.logUnderflows()
		}

		offset += cursize
		remain -= cursize
	}

	return nil
}

// maybeDrop applies the drop-to-maintain-preload policy to one pending
// write. It returns the possibly truncated write size, the updated
// remaining byte count, and whether the whole remainder was discarded.
func (o *Output) maybeDrop(load, cursize, remain int) (int, int, bool) {
	limit := o.preloadSize + o.maintainThreshold
	if o.dropToPreload {
		limit = o.preloadSize
	}

	if load+cursize > limit {
		if !o.dropToPreload {
			o.dropToPreload = true
			o.log.Info("FIFO overshoot, dropping packets back to the preload target",
				"preload", o.preloadSize, "threshold", o.maintainThreshold)
		}

		// Aim for the preload target itself, not target plus threshold.
		excess := load + cursize - o.preloadSize
		if excess >= cursize {
			o.log.Info("dropping all remaining packets to maintain preload",
				"bytes", remain, "load", load, "preload", o.preloadSize)
			return cursize, remain, true
		}

		newCursize := roundDownPacket(cursize - excess)
		o.log.Info("dropping packets to maintain preload",
			"bytes", remain-newCursize, "load", load, "preload", o.preloadSize)
		// Deliver what fits and discard the rest of this Send call.
		return newCursize, newCursize, false
	}

	if o.dropToPreload && load+cursize <= o.preloadSize {
		o.log.Info("FIFO back at the preload target, drop mode cleared",
			"load", load, "write", cursize, "preload", o.preloadSize)
		o.dropToPreload = false
	}
	return cursize, remain, false
}

// write copies size bytes of pkts starting at byte offset into the scratch
// buffer and hands them to the channel as one write.
func (o *Output) write(pkts []mpegts.Packet, offset, size int) error {
	if size == 0 {
		return nil
	}
	if cap(o.wbuf) < size {
		o.wbuf = make([]byte, size)
	}
	buf := o.wbuf[:size]
	first := offset / mpegts.PacketSize
	n := size / mpegts.PacketSize
	for i := 0; i < n; i++ {
		copy(buf[i*mpegts.PacketSize:], pkts[first+i][:])
	}
	return o.ch.Write(buf)
}

// logUnderflows reports and clears latched transmit underflow flags.
// Underflows are a transient condition: the affected bytes already left
// the transmitter, so the session continues.
func (o *Output) logUnderflows() {
	_, latched, err := o.ch.Flags()
	if err != nil || latched == 0 {
		return
	}
	if latched&FlagCPUUnderflow != 0 {
		o.log.Warn("CPU underflow on output channel")
	}
	if latched&FlagDMAUnderflow != 0 {
		o.log.Warn("DMA underflow on output channel")
	}
	if latched&FlagFifoUnderflow != 0 {
		o.log.Warn("FIFO underflow on output channel")
	}
	if err := o.ch.ClearFlags(latched); err != nil {
		o.log.Warn("clearing latched flags", "error", err)
	}
}

// recomputePreloadFromDelay derives the preload target from the configured
// delay and the current bitrate. It reports whether a delay-based target
// was set.
func (o *Output) recomputePreloadFromDelay() bool {
	if o.cfg.PreloadDelayMs == 0 || o.curBitrate == 0 {
		return false
	}

	// bytes = bitrate[b/s] * delay[ms] / (8 bits/byte * 1000 ms/s)
	preload := roundDownPacket(int(o.curBitrate * uint64(o.cfg.PreloadDelayMs) / 8000))

	o.maintainThreshold = 0
	if o.cfg.MaintainPreload && o.cfg.DropToMaintainPreload {
		o.maintainThreshold = roundDownPacket(int(o.curBitrate * maintainThresholdMs / 8000))
	}

	if preload+o.maintainThreshold > o.fifoSize {
		o.preloadSize = roundDownPacket(o.fifoSize - o.maintainThreshold)
		o.log.Info("preload delay exceeds FIFO capacity, clamping",
			"delay_ms", o.cfg.PreloadDelayMs, "wanted", preload,
			"bitrate", o.curBitrate, "fifo", o.fifoSize, "preload", o.preloadSize)
	} else {
		o.preloadSize = preload
	}
	return true
}

func roundDownPacket(n int) int {
	if n < 0 {
		return 0
	}
	return n - n%mpegts.PacketSize
}
