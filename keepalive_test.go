package ftps

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestKeepAlive_DisabledByDefault(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, func(s *testServer) {
		s.transferDelay = 200 * time.Millisecond
	})
	c := dialTestServer(t, s)
	defer c.Disconnect()

	if err := c.Retrieve("/file.txt", &bytes.Buffer{}); err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}

	if got := s.countCommand("NOOP"); got != 0 {
		t.Errorf("NOOP sent %d times with keep-alive disabled, want 0", got)
	}

	c2 := &Client{}
	if m := c2.startKeepAlive(); m != nil {
		t.Error("startKeepAlive returned a monitor with a zero interval")
	}
}

func TestKeepAliveMonitor_NilSafe(t *testing.T) {
	t.Parallel()

	var m *keepAliveMonitor
	m.stop()
	m.drain()
}

// A slow transfer with keep-alive enabled pings the control channel while
// the data connection is busy. The transfer result is unaffected and the
// control channel is not degraded.
func TestKeepAlive_PingsDuringTransfer(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, func(s *testServer) {
		s.transferDelay = 500 * time.Millisecond
	})
	c := dialTestServer(t, s,
		WithControlKeepAlive(50*time.Millisecond, 2*time.Second),
	)
	defer c.Disconnect()

	var buf bytes.Buffer
	if err := c.Retrieve("/file.txt", &buf); err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if buf.String() != "hello from the test server\n" {
		t.Errorf("content = %q", buf.String())
	}

	if got := s.countCommand("NOOP"); got == 0 {
		t.Error("no NOOP sent during a slow transfer with keep-alive enabled")
	}
	if err := c.Degraded(); err != nil {
		t.Errorf("Degraded() = %v, want nil", err)
	}
}

// Under the default best-effort policy a failed ping never fails the
// transfer; the degradation is reported out of band.
func TestKeepAlive_BestEffortRecordsDegradation(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, func(s *testServer) {
		s.transferDelay = 500 * time.Millisecond
		s.noopReplies = []string{"421 Service not available"}
	})
	c := dialTestServer(t, s,
		WithControlKeepAlive(50*time.Millisecond, 2*time.Second),
	)
	defer c.Disconnect()

	var buf bytes.Buffer
	if err := c.Retrieve("/file.txt", &buf); err != nil {
		t.Fatalf("Retrieve failed under best-effort policy: %v", err)
	}
	if buf.String() != "hello from the test server\n" {
		t.Errorf("content = %q", buf.String())
	}

	err := c.Degraded()
	if err == nil {
		t.Fatal("Degraded() = nil after a negative keep-alive reply")
	}
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("Degraded() = %T (%v), want *ProtocolError", err, err)
	}
	if protoErr.Code != 421 {
		t.Errorf("Code = %d, want 421", protoErr.Code)
	}
}

// The strict policy surfaces the degradation as the operation's error,
// still without aborting the transfer itself.
func TestKeepAlive_StrictReturnsError(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, func(s *testServer) {
		s.transferDelay = 500 * time.Millisecond
		s.noopReplies = []string{"421 Service not available"}
	})
	c := dialTestServer(t, s,
		WithControlKeepAlive(50*time.Millisecond, 2*time.Second),
		WithKeepAlivePolicy(KeepAliveStrict),
	)
	defer c.Disconnect()

	var buf bytes.Buffer
	err := c.Retrieve("/file.txt", &buf)
	if err == nil {
		t.Fatal("Retrieve succeeded under strict policy with a failed ping")
	}

	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("error = %T (%v), want *ConnectionError", err, err)
	}
	if connErr.Op != "keep-alive" {
		t.Errorf("Op = %q, want keep-alive", connErr.Op)
	}

	// The transferred bytes arrived regardless of the policy
	if buf.String() != "hello from the test server\n" {
		t.Errorf("content = %q", buf.String())
	}
}
