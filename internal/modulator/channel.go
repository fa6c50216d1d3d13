// Package modulator paces transport packets into a bounded hardware
// transmit FIFO: preload before releasing the transmitter, maintain a
// target fill level, and optionally drop packets under sustained overload
// so the output does not drift ever further behind real time.
package modulator

// TxControl selects the transmitter state of a hardware channel.
type TxControl int

// Transmitter states.
const (
	// TxHold buffers written packets in the FIFO without transmitting.
	TxHold TxControl = iota
	// TxSend releases the FIFO to the transmitter.
	TxSend
)

// RfMode selects the RF output mode of a modulator channel.
type RfMode int

// RF output modes.
const (
	RfNormal RfMode = iota
	RfMuted
)

// Latched error flags reported by Flags. The bits mirror the transmit
// underflow conditions hardware can signal.
const (
	FlagCPUUnderflow  = 1 << 0
	FlagDMAUnderflow  = 1 << 1
	FlagFifoUnderflow = 1 << 2
)

// Channel is the opaque vendor hardware transmit channel. Implementations
// wrap a device SDK; the pacing state machine only ever talks to this
// interface. All methods are synchronous and not safe for concurrent use,
// matching the single-writer session model.
type Channel interface {
	// Write appends packet bytes to the transmit FIFO. The caller
	// guarantees the FIFO has room for the whole buffer.
	Write(b []byte) error

	// FifoLoad returns the number of bytes currently in the FIFO.
	FifoLoad() (int, error)

	// FifoSize returns the configured FIFO capacity in bytes.
	FifoSize() (int, error)

	// MaxFifoSize returns the largest capacity the FIFO can be configured
	// to, or 0 when the hardware cannot report it.
	MaxFifoSize() (int, error)

	// SetFifoSize reconfigures the FIFO capacity.
	SetFifoSize(size int) error

	// SetTxControl holds or releases the transmitter.
	SetTxControl(ctl TxControl) error

	// Flags returns the current status flags and the latched error flags
	// accumulated since the last ClearFlags.
	Flags() (status, latched int, err error)

	// ClearFlags clears the given latched error flags.
	ClearFlags(latched int) error

	// SetRfMode switches the RF output mode; modulators that cannot mute
	// return an error, which callers treat as non-fatal.
	SetRfMode(mode RfMode) error

	// Close detaches the channel and releases the hardware.
	Close() error
}
