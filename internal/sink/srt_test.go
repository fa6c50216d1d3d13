package sink

import (
	"errors"
	"log/slog"
	"testing"
	"time"
)

type fakeSRTConn struct {
	writeErr error
	writes   int
	closed   bool
}

func (c *fakeSRTConn) Write(b []byte) (int, error) {
	c.writes++
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	return len(b), nil
}

func (c *fakeSRTConn) Close() error {
	c.closed = true
	return nil
}

// newTestSRT builds a sink whose dialer pops results from the script:
// a nil entry is a failed dial attempt.
func newTestSRT(cfg SRTConfig, conn srtConn, script []*fakeSRTConn) (*SRT, *int) {
	cfg.ReconnectDelay = time.Nanosecond
	dials := 0
	s := &SRT{cfg: cfg, log: slog.Default(), conn: conn}
	s.dial = func() (srtConn, error) {
		dials++
		if dials > len(script) || script[dials-1] == nil {
			return nil, errors.New("connection rejected")
		}
		return script[dials-1], nil
	}
	return s, &dials
}

func TestSRTReconnectAfterFailedRedial(t *testing.T) {
	t.Parallel()

	broken := &fakeSRTConn{writeErr: errors.New("connection lost")}
	replacement := &fakeSRTConn{}
	// First redial attempt fails, second succeeds.
	s, dials := newTestSRT(SRTConfig{MaxReconnects: 3}, broken, []*fakeSRTConn{nil, replacement})

	if err := s.SendDatagram([]byte{1, 2, 3}); err != nil {
		t.Fatalf("SendDatagram: %v", err)
	}
	if !broken.closed {
		t.Error("failed connection was not closed")
	}
	if *dials != 2 {
		t.Errorf("dial attempts: got %d, want 2", *dials)
	}

	// The failed datagram is dropped; the next one uses the new conn.
	if err := s.SendDatagram([]byte{4}); err != nil {
		t.Fatalf("SendDatagram after reconnect: %v", err)
	}
	if replacement.writes != 1 {
		t.Errorf("writes on replacement conn: got %d, want 1", replacement.writes)
	}
}

func TestSRTReconnectExhausted(t *testing.T) {
	t.Parallel()

	broken := &fakeSRTConn{writeErr: errors.New("connection lost")}
	s, dials := newTestSRT(SRTConfig{MaxReconnects: 2}, broken, []*fakeSRTConn{nil, nil})

	if err := s.SendDatagram([]byte{1}); err == nil {
		t.Fatal("expected error once reconnect attempts are exhausted")
	}
	if *dials != 2 {
		t.Errorf("dial attempts: got %d, want 2", *dials)
	}

	// The sink stays closed rather than panicking on a later send.
	if err := s.SendDatagram([]byte{2}); err == nil {
		t.Fatal("expected error on send after a dead connection")
	}
}

func TestSRTNoReconnectByDefault(t *testing.T) {
	t.Parallel()

	broken := &fakeSRTConn{writeErr: errors.New("connection lost")}
	s, dials := newTestSRT(SRTConfig{}, broken, nil)

	if err := s.SendDatagram([]byte{1}); err == nil {
		t.Fatal("expected first send failure to be fatal with reconnection disabled")
	}
	if *dials != 0 {
		t.Errorf("dial attempts: got %d, want 0", *dials)
	}
	if !broken.closed {
		t.Error("failed connection was not closed")
	}
}

func TestSRTCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	conn := &fakeSRTConn{}
	s, _ := newTestSRT(SRTConfig{}, conn, nil)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !conn.closed {
		t.Error("Close did not close the connection")
	}
}
