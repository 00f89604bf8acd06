package ftps

import (
	"fmt"
	"time"
)

// keepAliveMonitor pings the control channel with NOOP while a data
// connection is open, so slow transfers do not let an intermediary or the
// server expire the idle control connection. Liveness of the control
// channel and progress of the data transfer are independent concerns; the
// monitor never touches the data connection.
//
// Pings are write-only while the transfer is in flight: the replies are
// collected by drain once the transfer concludes, each bounded by the
// control keep-alive reply timeout. A missing or negative reply marks the
// control connection degraded; it never aborts the transfer.
type keepAliveMonitor struct {
	client *Client
	ticker *time.Ticker
	quit   chan struct{}
	done   chan struct{}

	// sent counts pings whose replies are still pending (only written by
	// the monitor goroutine before done is closed)
	sent int
}

// startKeepAlive launches a monitor for the data operation in progress.
// Returns nil when the control keep-alive timeout is zero (disabled).
func (c *Client) startKeepAlive() *keepAliveMonitor {
	interval := c.ControlKeepAliveTimeout()
	if interval == 0 {
		return nil
	}

	m := &keepAliveMonitor{
		client: c,
		ticker: time.NewTicker(interval),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	go m.run()
	return m
}

func (m *keepAliveMonitor) run() {
	defer close(m.done)
	defer m.ticker.Stop()

	for {
		select {
		case <-m.ticker.C:
			if err := m.ping(); err != nil {
				// Writing failed, the control connection is gone; stop
				// pinging and let drain report it
				m.client.logger.Debug("keep-alive ping failed", "error", err)
				return
			}
		case <-m.quit:
			return
		}
	}
}

// ping writes a NOOP on the control channel without reading the reply.
// The reply is consumed by drain after the transfer, which keeps the
// monitor from racing the transfer completion reply.
func (m *keepAliveMonitor) ping() error {
	c := m.client

	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Debug("sending keep-alive NOOP")

	if c.timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(c.conn, "NOOP\r\n"); err != nil {
		return err
	}

	m.sent++
	return nil
}

// stop cancels the monitor and waits for its goroutine to exit. It is
// called unconditionally when the data connection closes.
func (m *keepAliveMonitor) stop() {
	if m == nil {
		return
	}
	close(m.quit)
	<-m.done
}

// drain reads the pending keep-alive replies, each within the control
// keep-alive reply timeout. The first timeout or negative reply records
// the control connection as degraded. Must be called after stop and
// before the transfer completion reply is read.
func (m *keepAliveMonitor) drain() {
	if m == nil {
		return
	}

	c := m.client

	replyTimeout := c.ControlKeepAliveReplyTimeout()
	if replyTimeout == 0 {
		replyTimeout = c.timeout
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var degraded error
	for i := 0; i < m.sent; i++ {
		if replyTimeout > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(replyTimeout)); err != nil {
				degraded = err
				break
			}
		}
		reply, err := readReply(c.reader)
		if err != nil {
			degraded = fmt.Errorf("keep-alive reply not received: %w", err)
			break
		}
		c.lastReply = reply
		if !reply.IsPositive() {
			degraded = &ProtocolError{Command: "NOOP", Response: reply.Message, Code: reply.Code}
			break
		}
	}

	c.degraded = degraded
	if degraded != nil {
		c.logger.Debug("control connection degraded", "error", degraded)
	}
}

// keepAliveError converts the recorded degradation into the error the
// enclosing operation returns under the strict policy. Best effort keeps
// the result readable via Degraded only.
func (c *Client) keepAliveError() error {
	c.mu.Lock()
	degraded := c.degraded
	policy := c.keepAlivePolicy
	c.mu.Unlock()

	if degraded == nil || policy != KeepAliveStrict {
		return nil
	}
	return &ConnectionError{Op: "keep-alive", Err: degraded}
}
