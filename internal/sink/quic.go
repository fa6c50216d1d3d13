package sink

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/quic-go/quic-go"
)

// quicALPN is the application protocol announced to the QUIC peer.
const quicALPN = "tsburst"

// quicErrShutdown is the application error code sent on normal close.
const quicErrShutdown = quic.ApplicationErrorCode(0)

// QUICConfig describes a remote QUIC endpoint accepting unreliable
// datagrams.
type QUICConfig struct {
	// Address is the "host:port" of the remote QUIC endpoint.
	Address string

	// ALPN overrides the announced application protocol; empty uses
	// "tsburst".
	ALPN string

	// InsecureSkipVerify disables server certificate verification, for
	// private deployments with self-signed certificates.
	InsecureSkipVerify bool

	// MaxIdleTimeout closes the connection after this much silence; zero
	// uses 30 seconds.
	MaxIdleTimeout time.Duration

	// Log is the logger for connection lifecycle. Nil means
	// slog.Default().
	Log *slog.Logger
}

// QUIC sends each framed burst as an unreliable QUIC datagram. Bursts
// must fit in a single datagram frame; oversize sends fail per frame
// without tearing down the connection.
type QUIC struct {
	conn quic.Connection
	log  *slog.Logger
}

// DialQUIC connects to the remote QUIC endpoint with datagram support
// negotiated.
func DialQUIC(ctx context.Context, cfg QUICConfig) (*QUIC, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("sink: QUIC address is required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "quic-sink")

	alpn := cfg.ALPN
	if alpn == "" {
		alpn = quicALPN
	}
	idle := cfg.MaxIdleTimeout
	if idle <= 0 {
		idle = 30 * time.Second
	}

	conn, err := quic.DialAddr(ctx, cfg.Address,
		&tls.Config{
			NextProtos:         []string{alpn},
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		},
		&quic.Config{
			EnableDatagrams: true,
			MaxIdleTimeout:  idle,
		})
	if err != nil {
		return nil, fmt.Errorf("sink: QUIC dial %s: %w", cfg.Address, err)
	}

	log.Info("connected", "address", cfg.Address, "alpn", alpn)
	return &QUIC{conn: conn, log: log}, nil
}

// SendDatagram transmits one framed burst as an unreliable datagram.
func (q *QUIC) SendDatagram(b []byte) error {
	if err := q.conn.SendDatagram(b); err != nil {
		return fmt.Errorf("sink: QUIC send: %w", err)
	}
	return nil
}

// Close terminates the connection with a normal shutdown code.
func (q *QUIC) Close() error {
	return q.conn.CloseWithError(quicErrShutdown, "shutdown")
}
