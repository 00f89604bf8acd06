package ftps

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Client represents an FTPS client connection. It owns the long-lived
// control channel and derives a short-lived data connection per listing or
// transfer operation.
type Client struct {
	// conn is the underlying network connection (control channel)
	conn net.Conn

	// reader is a buffered reader for the control channel
	reader *bufio.Reader

	// tlsConfig is the TLS configuration (if TLS is enabled)
	tlsConfig *tls.Config

	// tlsMode indicates whether TLS is disabled, explicit, or implicit
	tlsMode tlsMode

	// timeout bounds dialing and each control command/reply exchange
	timeout time.Duration

	// dataTimeout bounds each read/write on a data connection.
	// Zero means block indefinitely.
	dataTimeout time.Duration

	// keepAliveInterval is the control keep-alive timeout: how often to
	// ping the control channel while a data connection is open.
	// Zero disables the keep-alive monitor.
	keepAliveInterval time.Duration

	// keepAliveReplyTimeout bounds the wait for each keep-alive reply.
	// Zero falls back to the general command timeout.
	keepAliveReplyTimeout time.Duration

	// keepAlivePolicy selects how a failed keep-alive ping is surfaced
	keepAlivePolicy KeepAlivePolicy

	// endpointChecking requires the data connection's peer certificate
	// to match the control connection host
	endpointChecking bool

	// protLevel is the data channel protection level negotiated via PROT
	protLevel ProtectionLevel

	// pbszSize is the protection buffer size negotiated via PBSZ
	pbszSize uint32

	// logger is used for debug logging
	logger *slog.Logger

	// dialer is used to establish connections
	dialer *net.Dialer

	// host and port for the connection
	host string
	port string

	// features stores the server's advertised features from FEAT command
	features map[string]string

	// activeMode indicates whether to use active (PORT) or passive (PASV/EPSV) mode
	activeMode bool

	// disableEPSV disables the use of EPSV command, forcing PASV default
	disableEPSV bool

	// parsers stores the list of directory listing parsers
	parsers []ListingParser

	// currentType tracks the current transfer type to avoid redundant TYPE commands
	currentType string

	// mu protects the control connection and concurrency-sensitive fields
	mu sync.Mutex

	// lastReply is the most recent reply read on the control channel,
	// kept inspectable after failures (guarded by mu)
	lastReply *Reply

	// degraded records a keep-alive failure observed during a data
	// operation (guarded by mu)
	degraded error

	// activeDataConn tracks the currently open data connection (guarded by mu)
	activeDataConn net.Conn
}

// Dial connects to an FTPS server at the given address.
// The address should be in the form "host:port".
//
// Example with explicit TLS (AUTH TLS on the standard port):
//
//	client, err := ftps.Dial("ftp.example.com:21",
//	    ftps.WithExplicitTLS(&tls.Config{ServerName: "ftp.example.com"}),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Disconnect()
//
// Example with implicit TLS (handshake before any command, port 990):
//
//	client, err := ftps.Dial("ftp.example.com:990",
//	    ftps.WithImplicitTLS(&tls.Config{ServerName: "ftp.example.com"}),
//	)
func Dial(addr string, options ...Option) (*Client, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}

	c := &Client{
		host:      host,
		port:      port,
		timeout:   30 * time.Second,
		tlsMode:   tlsModeNone,
		protLevel: ProtClear,
		dialer:    &net.Dialer{},
		logger:    slog.New(slog.NewTextHandler(nil, &slog.HandlerOptions{Level: slog.LevelError + 1})), // No-op logger by default
		parsers: []ListingParser{
			&EPLFParser{},
			&DOSParser{},
			&UnixParser{},
		},
	}

	for _, opt := range options {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	c.dialer.Timeout = c.timeout

	if err := c.connect(); err != nil {
		return nil, err
	}

	return c, nil
}

// Connect connects to an FTPS server using a URL.
// Supported schemes: "ftps" (implicit TLS, port 990) and "ftp+explicit"
// (explicit TLS via AUTH TLS, port 21).
// Format: scheme://[user:password@]host[:port][/path]
//
// After login the data channel is protected with PBSZ 0 / PROT P. Callers
// needing a clear data channel or custom TLS settings should use Dial and
// drive ExecPBSZ/ExecPROT themselves.
func Connect(urlStr string) (*Client, error) {
	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	host := u.Hostname()
	port := u.Port()
	var options []Option

	switch strings.ToLower(u.Scheme) {
	case "ftps":
		if port == "" {
			port = "990"
		}
		options = append(options, WithImplicitTLS(&tls.Config{ServerName: host}))
	case "ftp+explicit":
		if port == "" {
			port = "21"
		}
		options = append(options, WithExplicitTLS(&tls.Config{ServerName: host}))
	default:
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	c, err := Dial(net.JoinHostPort(host, port), options...)
	if err != nil {
		return nil, err
	}

	user := u.User.Username()
	pass, hasPass := u.User.Password()

	if user == "" {
		user = "anonymous"
		pass = "anonymous@"
	} else if !hasPass {
		pass = ""
	}

	if err := c.Login(user, pass); err != nil {
		_ = c.Disconnect()
		return nil, fmt.Errorf("login failed: %w", err)
	}

	if err := c.ExecPBSZ(0); err != nil {
		_ = c.Disconnect()
		return nil, err
	}
	if err := c.ExecPROT(ProtPrivate); err != nil {
		_ = c.Disconnect()
		return nil, err
	}

	if u.Path != "" && u.Path != "/" {
		if err := c.ChangeDir(u.Path); err != nil {
			_ = c.Disconnect()
			return nil, fmt.Errorf("failed to change directory: %w", err)
		}
	}

	return c, nil
}

// connect establishes the control connection and handles the initial
// handshake. In implicit mode the TLS handshake starts immediately; in
// explicit mode the greeting is read in cleartext and the connection is
// upgraded via AUTH TLS afterwards.
func (c *Client) connect() error {
	addr := net.JoinHostPort(c.host, c.port)
	c.logger.Debug("connecting to ftps server", "addr", addr, "tls_mode", c.tlsMode)

	conn, err := c.dialer.Dial("tcp", addr)
	if err != nil {
		return &ConnectionError{Op: "dial", Addr: addr, Err: err}
	}

	if c.tlsMode == tlsModeImplicit {
		c.logger.Debug("starting TLS handshake", "mode", "implicit")
		tlsConn := tls.Client(conn, c.tlsConfig)

		if c.timeout > 0 {
			if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
				conn.Close()
				return &ConnectionError{Op: "handshake", Addr: addr, Err: err}
			}
		}

		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return &ConnectionError{Op: "handshake", Addr: addr, Err: err}
		}
		c.logger.Debug("TLS handshake complete", "mode", "implicit")

		conn = tlsConn
	}

	c.conn = conn
	c.reader = bufio.NewReader(c.conn)

	if c.timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			c.conn.Close()
			return &ConnectionError{Op: "read", Addr: addr, Err: err}
		}
	}

	// Read the greeting (220)
	reply, err := readReply(c.reader)
	if err != nil {
		c.conn.Close()
		return &ConnectionError{Op: "greeting", Addr: addr, Err: err}
	}

	c.mu.Lock()
	c.lastReply = reply
	c.mu.Unlock()

	c.logger.Debug("ftp greeting", "code", reply.Code, "message", reply.Message)

	if !reply.IsPositiveCompletion() {
		c.conn.Close()
		return &ProtocolError{
			Command:  "CONNECT",
			Response: reply.Message,
			Code:     reply.Code,
		}
	}

	if c.tlsMode == tlsModeExplicit {
		if err := c.upgradeToTLS(); err != nil {
			c.conn.Close()
			return err
		}
	}

	return nil
}

// Login authenticates with the server using the provided username and
// password. It does not retry on failure.
func (c *Client) Login(username, password string) error {
	reply, err := c.sendCommand("USER", username)
	if err != nil {
		return err
	}

	// 230 means no password is required
	if reply.Code == 230 {
		return nil
	}

	if !reply.IsPositiveIntermediate() {
		return &ProtocolError{
			Command:  "USER",
			Response: reply.Message,
			Code:     reply.Code,
		}
	}

	if _, err := c.expect(230, "PASS", password); err != nil {
		return err
	}

	return nil
}

// Disconnect closes the connection gracefully by sending the QUIT command.
// Any open data connection is closed first, which unblocks an in-flight
// transfer.
func (c *Client) Disconnect() error {
	if c.conn == nil {
		return nil
	}

	var errs *multierror.Error

	c.mu.Lock()
	if c.activeDataConn != nil {
		if err := c.activeDataConn.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
		c.activeDataConn = nil
	}
	c.mu.Unlock()

	// Best effort, the connection is going away regardless
	_, _ = c.sendCommand("QUIT")

	if err := c.conn.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}

	return errs.ErrorOrNil()
}

// LastReply returns the most recent reply read on the control channel,
// or nil before the greeting. It remains available after a failed
// operation so callers can decide whether to disconnect or continue.
func (c *Client) LastReply() *Reply {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReply
}

// RemoteAddr returns the remote address of the control connection.
func (c *Client) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SetControlKeepAliveTimeout sets how often the keep-alive monitor pings
// the control channel while a data connection is open. A zero or negative
// duration disables the monitor and is reported back as zero.
func (c *Client) SetControlKeepAliveTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d < 0 {
		d = 0
	}
	c.keepAliveInterval = d
}

// ControlKeepAliveTimeout returns the keep-alive interval, or zero when
// disabled.
func (c *Client) ControlKeepAliveTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keepAliveInterval
}

// SetControlKeepAliveReplyTimeout bounds the wait for each keep-alive
// reply. A zero or negative duration disables the bound (the general
// command timeout applies) and is reported back as zero.
func (c *Client) SetControlKeepAliveReplyTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d < 0 {
		d = 0
	}
	c.keepAliveReplyTimeout = d
}

// ControlKeepAliveReplyTimeout returns the keep-alive reply timeout, or
// zero when disabled.
func (c *Client) ControlKeepAliveReplyTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keepAliveReplyTimeout
}

// SetDataTimeout bounds each read/write on a data connection. A zero or
// negative duration means block indefinitely and is reported back as zero.
func (c *Client) SetDataTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d < 0 {
		d = 0
	}
	c.dataTimeout = d
}

// DataTimeout returns the data connection timeout, or zero when disabled.
func (c *Client) DataTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dataTimeout
}

// SetEndpointCheckingEnabled controls whether the peer certificate of a
// protected data connection must match the host the control connection was
// established to. This is a caller trust decision, independent of TLS
// session reuse, and may be changed before or after connecting.
func (c *Client) SetEndpointCheckingEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endpointChecking = enabled
}

// EndpointCheckingEnabled reports whether the endpoint identity check is
// enabled for data connections.
func (c *Client) EndpointCheckingEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpointChecking
}

// Degraded returns the keep-alive failure recorded during the most recent
// data operation, or nil if the control channel answered every ping.
// A successfully answered ping in a later operation clears the state.
func (c *Client) Degraded() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// Noop sends a NOOP (no operation) command to the server. The keep-alive
// monitor uses the same command; Noop is also useful to probe the control
// channel manually.
func (c *Client) Noop() error {
	_, err := c.expectCompletion("NOOP")
	return err
}

// Type sets the transfer type (e.g., "A", "I").
func (c *Client) Type(transferType string) error {
	if c.currentType == transferType {
		c.logger.Debug("transfer type already set, skipping TYPE command", "type", transferType)
		return nil
	}

	if _, err := c.expect(200, "TYPE", transferType); err != nil {
		return err
	}

	c.currentType = transferType
	return nil
}

// Syst returns the system type of the server using the SYST command.
func (c *Client) Syst() (string, error) {
	reply, err := c.expectCompletion("SYST")
	if err != nil {
		return "", err
	}
	return reply.Message, nil
}

// SetOption sets an option for a feature using the OPTS command.
// This implements RFC 2389 - Feature negotiation mechanism for FTP.
//
// Example:
//
//	err := client.SetOption("UTF8", "ON")
func (c *Client) SetOption(option, value string) error {
	_, err := c.expectCompletion("OPTS", option, value)
	return err
}

// Quote sends a raw command to the server and returns the reply.
// This allows sending commands that are not explicitly supported by the
// client.
//
// Example:
//
//	reply, err := client.Quote("SITE", "CHMOD", "755", "script.sh")
func (c *Client) Quote(verb string, args ...string) (*Reply, error) {
	return c.sendCommand(verb, args...)
}

// Abort cancels an active file transfer by sending ABOR.
func (c *Client) Abort() error {
	c.mu.Lock()
	hasTransfer := c.activeDataConn != nil
	c.mu.Unlock()

	if !hasTransfer {
		return fmt.Errorf("(local) No transfer in progress")
	}

	_, err := c.expectCompletion("ABOR")
	return err
}
