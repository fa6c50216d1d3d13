package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

// srtDefaultLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtDefaultLatencyNs = 120_000_000

// srtDialTimeout bounds how long a caller-mode connection may take.
const srtDialTimeout = 10 * time.Second

// SRTConfig describes an SRT input, either dialing a remote sender
// (caller mode) or waiting for one to connect (listener mode).
type SRTConfig struct {
	// Address is the remote "host:port" in caller mode, or the local
	// bind address in listener mode.
	Address string

	// Listen selects listener mode.
	Listen bool

	// StreamID is announced during the handshake in caller mode. In
	// listener mode, connections announcing a different non-empty
	// StreamID are rejected.
	StreamID string

	// Latency is the SRT latency; zero uses the 120ms default.
	Latency time.Duration

	// Log is the logger for connection lifecycle. Nil means
	// slog.Default().
	Log *slog.Logger
}

// OpenSRT establishes an SRT input per cfg and returns the connection
// as a byte stream. In listener mode it accepts exactly one sender; the
// listening socket is closed once the sender is connected.
func OpenSRT(ctx context.Context, cfg SRTConfig) (io.ReadCloser, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "srt-source")

	if cfg.Address == "" {
		return nil, fmt.Errorf("source: SRT address is required")
	}

	if cfg.Listen {
		return acceptOne(ctx, cfg, log)
	}

	srtCfg := srtgo.DefaultConfig()
	srtCfg.Latency = srtDefaultLatencyNs
	if cfg.Latency > 0 {
		srtCfg.Latency = cfg.Latency
	}
	srtCfg.StreamID = cfg.StreamID

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(cfg.Address, srtCfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(srtDialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("source: SRT dial %s: %w", cfg.Address, res.err)
		}
		log.Info("connected", "address", cfg.Address, "stream_id", cfg.StreamID)
		return res.conn, nil
	case <-timer.C:
		// Drain the dial result in the background and close any leaked connection.
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, fmt.Errorf("source: SRT dial timed out after %s", srtDialTimeout)
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func acceptOne(ctx context.Context, cfg SRTConfig, log *slog.Logger) (io.ReadCloser, error) {
	srtCfg := srtgo.DefaultConfig()
	srtCfg.Latency = srtDefaultLatencyNs
	if cfg.Latency > 0 {
		srtCfg.Latency = cfg.Latency
	}

	l, err := srtgo.Listen(cfg.Address, srtCfg)
	if err != nil {
		return nil, fmt.Errorf("source: SRT listen on %s: %w", cfg.Address, err)
	}
	defer l.Close()
	log.Info("listening", "addr", cfg.Address)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if cfg.StreamID != "" && req.StreamID != cfg.StreamID {
			return srtgo.RejPeer
		}
		return 0
	})

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	conn, err := l.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("source: SRT accept: %w", err)
	}
	log.Info("sender connected", "remote", conn.RemoteAddr(), "stream_id", conn.StreamID())
	return conn, nil
}
