package sink

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

// srtDefaultLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtDefaultLatencyNs = 120_000_000

// SRTConfig describes a remote SRT listener to push to.
type SRTConfig struct {
	// Address is the "host:port" of the remote SRT listener.
	Address string

	// StreamID is the SRT stream identifier announced during handshake.
	StreamID string

	// Latency is the SRT latency; zero uses the 120ms default.
	Latency time.Duration

	// MaxReconnects bounds reconnection attempts after a send failure.
	// Zero disables reconnection: the first send failure is fatal.
	MaxReconnects int

	// ReconnectDelay is the pause between reconnection attempts; zero
	// uses one second.
	ReconnectDelay time.Duration

	// Log is the logger for connection lifecycle. Nil means
	// slog.Default().
	Log *slog.Logger
}

// srtConn is the slice of srtgo.Conn the sink uses.
type srtConn interface {
	Write(b []byte) (int, error)
	Close() error
}

// SRT pushes datagrams to a remote SRT listener, reconnecting on send
// failure up to a configured bound. Reconnection drops the failed
// datagram rather than replaying it; the receiver resynchronizes on the
// next burst.
type SRT struct {
	cfg  SRTConfig
	log  *slog.Logger
	dial func() (srtConn, error)

	mu   sync.Mutex
	conn srtConn
}

// DialSRT connects to the remote SRT listener in caller mode.
func DialSRT(cfg SRTConfig) (*SRT, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("sink: SRT address is required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "srt-sink")

	s := &SRT{cfg: cfg, log: log}
	s.dial = func() (srtConn, error) {
		srtCfg := srtgo.DefaultConfig()
		srtCfg.Latency = srtDefaultLatencyNs
		if s.cfg.Latency > 0 {
			srtCfg.Latency = s.cfg.Latency
		}
		srtCfg.StreamID = s.cfg.StreamID
		conn, err := srtgo.Dial(s.cfg.Address, srtCfg)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}

	conn, err := s.dial()
	if err != nil {
		return nil, fmt.Errorf("sink: SRT dial %s: %w", cfg.Address, err)
	}
	s.conn = conn
	log.Info("connected", "address", cfg.Address, "stream_id", cfg.StreamID)
	return s, nil
}

// SendDatagram writes one framed burst as a single SRT message. On
// failure it redials up to MaxReconnects times before giving up; the
// datagram that hit the failure is not retransmitted.
func (s *SRT) SendDatagram(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return fmt.Errorf("sink: SRT connection closed")
	}

	_, err := s.conn.Write(b)
	if err == nil {
		return nil
	}

	s.conn.Close()
	s.conn = nil

	delay := s.cfg.ReconnectDelay
	if delay <= 0 {
		delay = time.Second
	}
	for attempt := 1; attempt <= s.cfg.MaxReconnects; attempt++ {
		s.log.Warn("send failed, reconnecting",
			"error", err, "attempt", attempt, "max", s.cfg.MaxReconnects)
		time.Sleep(delay)

		conn, derr := s.dial()
		if derr != nil {
			err = derr
			continue
		}
		s.conn = conn
		s.log.Info("reconnected", "address", s.cfg.Address, "attempt", attempt)
		return nil
	}
	return fmt.Errorf("sink: SRT send: %w", err)
}

// Close terminates the SRT connection.
func (s *SRT) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
