package ftps

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// Option is a functional option for configuring an FTPS client.
type Option func(*Client) error

// tlsMode represents the TLS mode for the control connection.
// It is fixed at construction.
type tlsMode int

const (
	tlsModeNone tlsMode = iota
	tlsModeExplicit
	tlsModeImplicit
)

func (m tlsMode) String() string {
	switch m {
	case tlsModeExplicit:
		return "explicit"
	case tlsModeImplicit:
		return "implicit"
	default:
		return "none"
	}
}

// WithTimeout sets the timeout for dialing and for each control channel
// command/reply exchange. Zero means block indefinitely.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) error {
		c.timeout = timeout
		return nil
	}
}

// WithDataTimeout bounds each read/write on data connections, equivalent
// to calling SetDataTimeout before connecting.
func WithDataTimeout(timeout time.Duration) Option {
	return func(c *Client) error {
		if timeout < 0 {
			timeout = 0
		}
		c.dataTimeout = timeout
		return nil
	}
}

// WithControlKeepAlive configures the keep-alive monitor that pings the
// control channel while a data connection is open: interval between NOOP
// pings and the per-ping reply timeout. A zero interval disables the
// monitor. Equivalent to the SetControlKeepAliveTimeout and
// SetControlKeepAliveReplyTimeout setters.
func WithControlKeepAlive(interval, replyTimeout time.Duration) Option {
	return func(c *Client) error {
		if interval < 0 {
			interval = 0
		}
		if replyTimeout < 0 {
			replyTimeout = 0
		}
		c.keepAliveInterval = interval
		c.keepAliveReplyTimeout = replyTimeout
		return nil
	}
}

// KeepAlivePolicy selects how a keep-alive failure observed during a data
// operation is surfaced once the operation completes. No policy aborts an
// in-flight transfer.
type KeepAlivePolicy int

const (
	// KeepAliveBestEffort records the failure; callers read it via
	// Client.Degraded. This is the default.
	KeepAliveBestEffort KeepAlivePolicy = iota

	// KeepAliveStrict additionally makes the enclosing listing or
	// transfer operation return a ConnectionError after the transfer
	// itself has concluded.
	KeepAliveStrict
)

// WithKeepAlivePolicy sets the keep-alive failure policy.
func WithKeepAlivePolicy(policy KeepAlivePolicy) Option {
	return func(c *Client) error {
		c.keepAlivePolicy = policy
		return nil
	}
}

// WithExplicitTLS enables explicit TLS mode (AUTH TLS).
// The client connects on the standard FTP port (21), reads the cleartext
// greeting, and upgrades to TLS using the AUTH TLS command. This is the
// recommended mode for FTPS.
//
// The provided tls.Config should include the ServerName for certificate
// validation. A ClientSessionCache will be automatically added if not
// present: data connections resume the control channel's TLS session from
// that shared cache, which binds their identity to the already
// authenticated control channel.
func WithExplicitTLS(config *tls.Config) Option {
	return func(c *Client) error {
		if c.tlsMode == tlsModeImplicit {
			return fmt.Errorf("explicit TLS cannot be combined with implicit TLS")
		}
		c.tlsConfig = ensureSessionCache(config)
		c.tlsMode = tlsModeExplicit
		return nil
	}
}

// WithImplicitTLS enables implicit TLS mode.
// The client connects directly with TLS, typically on port 990, and the
// handshake starts before any protocol command. This is a legacy mode but
// still used by some servers.
//
// The provided tls.Config should include the ServerName for certificate
// validation. A ClientSessionCache will be automatically added if not
// present to enable TLS session reuse for data connections.
func WithImplicitTLS(config *tls.Config) Option {
	return func(c *Client) error {
		if c.tlsMode == tlsModeExplicit {
			return fmt.Errorf("implicit TLS cannot be combined with explicit TLS")
		}
		c.tlsConfig = ensureSessionCache(config)
		c.tlsMode = tlsModeImplicit
		return nil
	}
}

// ensureSessionCache guarantees the config carries a session cache so the
// data channel can resume the control channel's TLS session.
func ensureSessionCache(config *tls.Config) *tls.Config {
	if config == nil {
		config = &tls.Config{}
	}
	if config.ClientSessionCache == nil {
		config.ClientSessionCache = tls.NewLRUClientSessionCache(0)
	}
	return config
}

// WithEndpointChecking enables or disables the endpoint identity check on
// protected data connections, equivalent to SetEndpointCheckingEnabled.
func WithEndpointChecking(enabled bool) Option {
	return func(c *Client) error {
		c.endpointChecking = enabled
		return nil
	}
}

// WithLogger enables debug logging using the provided logger.
// All FTP commands and replies will be logged at debug level.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	}))
//	client, _ := ftps.Dial("ftp.example.com:21", ftps.WithLogger(logger))
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}

// WithDialer sets a custom net.Dialer for establishing connections.
// This can be used to configure source addresses, keep-alive settings, etc.
func WithDialer(dialer *net.Dialer) Option {
	return func(c *Client) error {
		c.dialer = dialer
		return nil
	}
}

// WithActiveMode enables active mode (PORT/EPRT) instead of passive mode
// (PASV/EPSV). In active mode the client opens a port and tells the server
// to connect to it. This may not work behind NAT/firewalls; most users
// should keep the passive default.
func WithActiveMode() Option {
	return func(c *Client) error {
		c.activeMode = true
		return nil
	}
}

// WithDisableEPSV disables the use of the EPSV command.
// By default, the client tries EPSV before falling back to PASV.
func WithDisableEPSV() Option {
	return func(c *Client) error {
		c.disableEPSV = true
		return nil
	}
}

// WithCustomListParser adds a custom directory listing parser.
// Custom parsers are tried before the built-in parsers (EPLF, DOS, Unix).
func WithCustomListParser(parser ListingParser) Option {
	return func(c *Client) error {
		c.parsers = append([]ListingParser{parser}, c.parsers...)
		return nil
	}
}
