package ftps

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
)

var (
	// pasvRegex matches the PASV reply format: 227 Entering Passive Mode (h1,h2,h3,h4,p1,p2)
	pasvRegex = regexp.MustCompile(`\((\d+),(\d+),(\d+),(\d+),(\d+),(\d+)\)`)

	// epsvRegex matches the EPSV reply format: 229 Entering Extended Passive Mode (|||port|)
	epsvRegex = regexp.MustCompile(`\(\|\|\|(\d+)\|\)`)
)

// parsePASV parses a PASV reply and returns the host and port.
// Example: "227 Entering Passive Mode (192,168,1,1,195,149)"
// Returns: "192.168.1.1:50069" (195*256 + 149 = 50069)
func parsePASV(reply string) (string, error) {
	matches := pasvRegex.FindStringSubmatch(reply)
	if len(matches) != 7 {
		return "", fmt.Errorf("invalid PASV reply: %s", reply)
	}

	var h [4]int
	for i := 0; i < 4; i++ {
		val, err := strconv.Atoi(matches[i+1])
		if err != nil || val < 0 || val > 255 {
			return "", fmt.Errorf("invalid PASV IP part: %s", matches[i+1])
		}
		h[i] = val
	}
	host := fmt.Sprintf("%d.%d.%d.%d", h[0], h[1], h[2], h[3])
	if ip := net.ParseIP(host); ip == nil || ip.To4() == nil {
		return "", fmt.Errorf("invalid IPv4 address from PASV: %s", host)
	}

	p1, err1 := strconv.Atoi(matches[5])
	p2, err2 := strconv.Atoi(matches[6])
	if err1 != nil || err2 != nil || p1 < 0 || p1 > 255 || p2 < 0 || p2 > 255 {
		return "", fmt.Errorf("invalid PASV port parts: %s, %s", matches[5], matches[6])
	}
	port := p1*256 + p2

	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// parseEPSV parses an EPSV reply and returns the port.
// Example: "229 Entering Extended Passive Mode (|||6446|)"
func parseEPSV(reply string) (string, error) {
	matches := epsvRegex.FindStringSubmatch(reply)
	if len(matches) != 2 {
		return "", fmt.Errorf("invalid EPSV reply: %s", reply)
	}

	port, err := strconv.Atoi(matches[1])
	if err != nil || port < 0 || port > 65535 {
		return "", fmt.Errorf("invalid EPSV port: %s", matches[1])
	}

	return matches[1], nil
}

// formatPORT formats an address for the PORT command.
// Converts "192.168.1.100:50000" to "192,168,1,100,195,80"
func formatPORT(addr string) (string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return "", fmt.Errorf("invalid IP address: %s", host)
	}
	ip = ip.To4()
	if ip == nil {
		return "", fmt.Errorf("PORT requires IPv4 address")
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", fmt.Errorf("invalid port: %s", portStr)
	}

	return fmt.Sprintf("%d,%d,%d,%d,%d,%d", ip[0], ip[1], ip[2], ip[3], port/256, port%256), nil
}

// formatEPRT formats an address for the EPRT command.
// Format: |d|net-prt|net-addr|tcp-port| where net-prt is 1 for IPv4 and
// 2 for IPv6.
func formatEPRT(addr string) (string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return "", fmt.Errorf("invalid IP address: %s", host)
	}

	var netPrt int
	if ip.To4() != nil {
		netPrt = 1
	} else if ip.To16() != nil {
		netPrt = 2
	} else {
		return "", fmt.Errorf("unknown IP address family: %s", host)
	}

	return fmt.Sprintf("|%d|%s|%s|", netPrt, host, portStr), nil
}

// resolveDataAddr resolves the data connection address.
// If the PASV reply contains 0.0.0.0, it replaces it with the control
// connection host.
func resolveDataAddr(pasvAddr, controlHost string) string {
	host, port, err := net.SplitHostPort(pasvAddr)
	if err != nil {
		// Can't split it; the dialer will fail with a better error
		return pasvAddr
	}

	if host == "0.0.0.0" {
		return net.JoinHostPort(controlHost, port)
	}

	return pasvAddr
}

// dataTLSConfig returns the TLS configuration for data connections: a
// clone of the control channel config sharing its session cache, so the
// data handshake resumes the session established on the control channel.
func (c *Client) dataTLSConfig() *tls.Config {
	cfg := c.tlsConfig.Clone()
	if c.EndpointCheckingEnabled() && cfg.ServerName == "" {
		cfg.ServerName = c.host
	}
	return cfg
}

// secureDataConn upgrades an established data connection to TLS. The
// handshake resumes the control channel's session via the shared session
// cache rather than negotiating an independent identity.
//
// When the endpoint check is enabled, the peer certificate must verify
// against the control connection host; a mismatch is a SecurityError and
// the connection is closed without any downgrade.
func (c *Client) secureDataConn(conn net.Conn) (net.Conn, error) {
	checking := c.EndpointCheckingEnabled()

	tlsConn := tls.Client(conn, c.dataTLSConfig())
	if c.dataTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.dataTimeout))
	}
	if err := tlsConn.Handshake(); err != nil {
		conn.Close()
		var certErr *tls.CertificateVerificationError
		if checking && errors.As(err, &certErr) {
			return nil, &SecurityError{Host: c.host, Err: err}
		}
		return nil, &DataConnectionError{Stage: "handshake", Err: err}
	}
	// Clear the handshake deadline; reads and writes arm their own
	_ = conn.SetDeadline(time.Time{})

	if checking {
		state := tlsConn.ConnectionState()
		if len(state.PeerCertificates) == 0 {
			tlsConn.Close()
			return nil, &SecurityError{Host: c.host, Err: fmt.Errorf("server presented no certificate")}
		}
		if err := state.PeerCertificates[0].VerifyHostname(c.host); err != nil {
			tlsConn.Close()
			return nil, &SecurityError{Host: c.host, Err: err}
		}
	}

	resumed := tlsConn.ConnectionState().DidResume
	c.logger.Debug("data connection secured", "resumed", resumed)

	return tlsConn, nil
}

// openDataConn opens a data connection using either active (PORT/EPRT) or
// passive (PASV/EPSV) mode. The connection is returned unencrypted; the
// caller upgrades it after the transfer command has been accepted.
func (c *Client) openDataConn() (net.Conn, error) {
	if c.activeMode {
		return c.openActiveDataConn()
	}
	return c.openPassiveDataConn()
}

// openPassiveDataConn opens a data connection using passive mode
// (EPSV with PASV fallback). This is the default and recommended mode.
func (c *Client) openPassiveDataConn() (net.Conn, error) {
	var addr string

	if !c.disableEPSV {
		if reply, err := c.sendCommand("EPSV"); err == nil {
			if reply.Code == 502 { // not implemented, stop asking
				c.disableEPSV = true
			} else if reply.IsPositiveCompletion() {
				port, parseErr := parseEPSV(reply.String())
				if parseErr == nil {
					addr = net.JoinHostPort(c.host, port)
				}
			}
		}
	}

	if addr == "" {
		reply, err := c.sendCommand("PASV")
		if err != nil {
			return nil, err
		}

		if !reply.IsPositiveCompletion() {
			return nil, &ProtocolError{
				Command:  "PASV",
				Response: reply.Message,
				Code:     reply.Code,
			}
		}

		addr, err = parsePASV(reply.String())
		if err != nil {
			return nil, &DataConnectionError{Stage: "open", Err: err}
		}

		addr = resolveDataAddr(addr, c.host)
	}

	dataConn, err := c.dialer.Dial("tcp", addr)
	if err != nil {
		return nil, &DataConnectionError{Stage: "open", Err: err}
	}

	return dataConn, nil
}

// openActiveDataConn opens a data connection using active mode. The client
// listens on a local port and tells the server to connect to it with PORT
// (IPv4) or EPRT (IPv6).
func (c *Client) openActiveDataConn() (net.Conn, error) {
	// Listen on the control connection's interface
	localAddr := c.conn.LocalAddr().String()
	host, _, err := net.SplitHostPort(localAddr)
	if err != nil {
		host = "127.0.0.1" // Fallback
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		listener, err = net.Listen("tcp", ":0")
		if err != nil {
			return nil, &DataConnectionError{Stage: "open", Err: err}
		}
	}

	addr := listener.Addr().String()

	localHost, _, err := net.SplitHostPort(addr)
	if err != nil {
		listener.Close()
		return nil, &DataConnectionError{Stage: "open", Err: err}
	}
	ip := net.ParseIP(localHost)
	if ip == nil {
		listener.Close()
		return nil, &DataConnectionError{Stage: "open", Err: fmt.Errorf("failed to parse local IP: %s", localHost)}
	}

	var reply *Reply
	var cmd string

	// EPRT for IPv6; PORT is more widely supported by legacy servers for IPv4
	if ip.To4() == nil {
		cmd = "EPRT"
		eprtArg, err2 := formatEPRT(addr)
		if err2 != nil {
			listener.Close()
			return nil, &DataConnectionError{Stage: "open", Err: err2}
		}
		reply, err = c.sendCommand("EPRT", eprtArg)
	} else {
		cmd = "PORT"
		portArg, err2 := formatPORT(addr)
		if err2 != nil {
			listener.Close()
			return nil, &DataConnectionError{Stage: "open", Err: err2}
		}
		reply, err = c.sendCommand("PORT", portArg)
	}

	if err != nil {
		listener.Close()
		return nil, err
	}

	if !reply.IsPositiveCompletion() {
		listener.Close()
		return nil, &ProtocolError{
			Command:  cmd,
			Response: reply.Message,
			Code:     reply.Code,
		}
	}

	// The server connects after the transfer command has been sent, so the
	// accept (and any TLS upgrade) is deferred to the first read or write.
	return &activeDataConn{
		listener: listener,
		timeout:  c.dataTimeout,
	}, nil
}

// activeDataConn wraps a listener for active mode connections.
// The accept happens lazily on first use; secure, when set, upgrades the
// accepted connection to TLS.
type activeDataConn struct {
	listener net.Listener
	conn     net.Conn
	secure   func(net.Conn) (net.Conn, error)
	timeout  time.Duration
}

func (a *activeDataConn) accept() error {
	if a.timeout > 0 {
		if l, ok := a.listener.(*net.TCPListener); ok {
			_ = l.SetDeadline(time.Now().Add(a.timeout))
		}
	}
	conn, err := a.listener.Accept()
	if err != nil {
		return &DataConnectionError{Stage: "open", Err: err}
	}
	a.conn = conn

	if a.secure != nil {
		secured, err := a.secure(a.conn)
		if err != nil {
			a.conn.Close()
			a.conn = nil
			return err
		}
		a.conn = secured
	}
	return nil
}

func (a *activeDataConn) Read(p []byte) (n int, err error) {
	if a.conn == nil {
		if err := a.accept(); err != nil {
			return 0, err
		}
	}
	if a.timeout > 0 {
		_ = a.conn.SetReadDeadline(time.Now().Add(a.timeout))
	}
	return a.conn.Read(p)
}

func (a *activeDataConn) Write(p []byte) (n int, err error) {
	if a.conn == nil {
		if err := a.accept(); err != nil {
			return 0, err
		}
	}
	if a.timeout > 0 {
		_ = a.conn.SetWriteDeadline(time.Now().Add(a.timeout))
	}
	return a.conn.Write(p)
}

func (a *activeDataConn) Close() error {
	var errs *multierror.Error
	if a.conn != nil {
		errs = multierror.Append(errs, a.conn.Close())
	}
	if a.listener != nil {
		errs = multierror.Append(errs, a.listener.Close())
	}
	return errs.ErrorOrNil()
}

func (a *activeDataConn) LocalAddr() net.Addr {
	if a.conn != nil {
		return a.conn.LocalAddr()
	}
	return a.listener.Addr()
}

func (a *activeDataConn) RemoteAddr() net.Addr {
	if a.conn != nil {
		return a.conn.RemoteAddr()
	}
	return nil
}

func (a *activeDataConn) SetDeadline(t time.Time) error {
	if a.conn != nil {
		return a.conn.SetDeadline(t)
	}
	return nil
}

func (a *activeDataConn) SetReadDeadline(t time.Time) error {
	if a.conn != nil {
		return a.conn.SetReadDeadline(t)
	}
	return nil
}

func (a *activeDataConn) SetWriteDeadline(t time.Time) error {
	if a.conn != nil {
		return a.conn.SetWriteDeadline(t)
	}
	return nil
}

// cmdDataConn executes a command that requires a data connection: it
// negotiates the connection, sends the command, and upgrades the data
// channel to TLS when the protection level is private. The caller must
// close the connection via finishDataConn on every exit path.
func (c *Client) cmdDataConn(verb string, args ...string) (net.Conn, error) {
	dataConn, err := c.openDataConn()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.activeDataConn = dataConn
	protected := c.protLevel == ProtPrivate && c.tlsConfig != nil
	c.mu.Unlock()

	reply, err := c.sendCommand(verb, args...)
	if err != nil {
		c.closeDataConn(dataConn)
		return nil, err
	}

	// Expect a positive preliminary (150) or, for servers replying early,
	// a positive completion
	if !reply.IsPositivePreliminary() && !reply.IsPositiveCompletion() {
		c.closeDataConn(dataConn)
		if reply.Code == 550 && len(args) > 0 {
			return nil, &NotFoundError{Path: args[0], Code: reply.Code, Message: reply.Message}
		}
		return nil, &ProtocolError{
			Command:  verb,
			Response: reply.Message,
			Code:     reply.Code,
		}
	}

	if protected {
		if active, ok := dataConn.(*activeDataConn); ok {
			// Accept has not happened yet; upgrade when it does
			active.secure = c.secureDataConn
		} else {
			secured, err := c.secureDataConn(dataConn)
			if err != nil {
				// secureDataConn already closed the raw connection
				c.mu.Lock()
				c.activeDataConn = nil
				c.mu.Unlock()
				return nil, err
			}
			dataConn = secured
			c.mu.Lock()
			c.activeDataConn = dataConn
			c.mu.Unlock()
		}
	}

	if _, ok := dataConn.(*activeDataConn); !ok && c.dataTimeout > 0 {
		dataConn = &deadlineConn{Conn: dataConn, timeout: c.dataTimeout}
	}

	return dataConn, nil
}

// closeDataConn closes a data connection without reading a completion
// reply, for paths where the transfer command itself failed.
func (c *Client) closeDataConn(dataConn net.Conn) {
	dataConn.Close()
	c.mu.Lock()
	c.activeDataConn = nil
	c.mu.Unlock()
}

// finishDataConn closes the data connection and reads the final transfer
// reply. It runs on every exit path of a data operation, success or not.
func (c *Client) finishDataConn(dataConn net.Conn) error {
	closeErr := dataConn.Close()

	c.mu.Lock()
	c.activeDataConn = nil
	c.mu.Unlock()

	if c.timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return &ConnectionError{Op: "read", Err: err}
		}
	}

	// Final reply, normally 226 Transfer complete
	reply, err := readReply(c.reader)
	if err != nil {
		return &ConnectionError{Op: "read", Err: err}
	}

	c.mu.Lock()
	c.lastReply = reply
	c.mu.Unlock()

	c.logger.Debug("data transfer complete", "code", reply.Code, "message", reply.Message)

	if !reply.IsPositiveCompletion() {
		return &ProtocolError{
			Command:  "DATA_TRANSFER",
			Response: reply.Message,
			Code:     reply.Code,
		}
	}

	if closeErr != nil {
		return &DataConnectionError{Stage: "transfer", Err: closeErr}
	}

	return nil
}
