package ftps

import (
	"crypto/tls"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ProtectionLevel is the RFC 2228 data channel protection level set with
// the PROT command.
type ProtectionLevel string

const (
	// ProtClear sends data channel bytes in the clear ("C")
	ProtClear ProtectionLevel = "C"

	// ProtPrivate encrypts the data channel ("P")
	ProtPrivate ProtectionLevel = "P"
)

// upgradeToTLS upgrades the control connection to TLS using AUTH TLS.
// This runs right after the cleartext greeting in explicit mode.
func (c *Client) upgradeToTLS() error {
	reply, err := c.sendCommand("AUTH", "TLS")
	if err != nil {
		return fmt.Errorf("AUTH TLS failed: %w", err)
	}

	if reply.Code != 234 {
		return &ProtocolError{
			Command:  "AUTH TLS",
			Response: reply.Message,
			Code:     reply.Code,
		}
	}

	c.logger.Debug("starting TLS handshake", "mode", "explicit")
	tlsConn := tls.Client(c.conn, c.tlsConfig)

	if c.timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return &ConnectionError{Op: "handshake", Err: err}
		}
	}

	if err := tlsConn.Handshake(); err != nil {
		return &ConnectionError{Op: "handshake", Err: err}
	}
	c.logger.Debug("TLS handshake complete", "mode", "explicit")

	c.conn = tlsConn
	c.reader.Reset(c.conn)

	return nil
}

// ExecPBSZ declares the protection buffer size with the PBSZ command.
// Size 0 is the conventional value for the stream-oriented protection of
// TLS. PBSZ must succeed before PROT.
//
// Some servers echo the accepted size back as "PBSZ=n"; the echoed value,
// when present, becomes the negotiated size readable via
// ProtectionBufferSize.
func (c *Client) ExecPBSZ(size uint32) error {
	reply, err := c.expectCompletion("PBSZ", strconv.FormatUint(uint64(size), 10))
	if err != nil {
		return err
	}

	negotiated := size
	if idx := strings.Index(reply.Message, "PBSZ="); idx != -1 {
		tail := strings.TrimSpace(reply.Message[idx+len("PBSZ="):])
		if fields := strings.Fields(tail); len(fields) > 0 {
			if v, perr := strconv.ParseUint(fields[0], 10, 32); perr == nil {
				negotiated = uint32(v)
			}
		}
	}

	c.mu.Lock()
	c.pbszSize = negotiated
	c.mu.Unlock()

	return nil
}

// ProtectionBufferSize returns the buffer size negotiated by the last
// successful ExecPBSZ.
func (c *Client) ProtectionBufferSize() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pbszSize
}

// ExecPROT sets the data channel protection level with the PROT command.
// Only ProtClear and ProtPrivate are accepted. The level is always
// round-tripped to the server, even when it matches the current one,
// because the server is authoritative for the protection state.
//
// A failed PROT is fatal to subsequent protected data operations and is
// never retried or downgraded by the client.
func (c *Client) ExecPROT(level ProtectionLevel) error {
	if level != ProtClear && level != ProtPrivate {
		return fmt.Errorf("unsupported protection level: %q", level)
	}

	if _, err := c.expectCompletion("PROT", string(level)); err != nil {
		return err
	}

	c.mu.Lock()
	c.protLevel = level
	c.mu.Unlock()

	return nil
}

// ProtectionLevel returns the data channel protection level set by the
// last successful ExecPROT, or ProtClear before any negotiation.
func (c *Client) ProtectionLevel() ProtectionLevel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protLevel
}
