// Package ftps implements an FTP client secured with TLS (FTPS), in both
// implicit and explicit modes.
//
// # Overview
//
// The client is a stateful protocol engine coordinating two kinds of
// connections under one security context:
//
//   - a long-lived control channel carrying commands and replies, opened
//     with an immediate TLS handshake (implicit mode) or upgraded from
//     cleartext via AUTH TLS (explicit mode)
//   - a short-lived data connection per listing or transfer, which reuses
//     the control channel's TLS session so its authenticated identity is
//     bound to the already authenticated control channel
//
// On top of that it provides PBSZ/PROT protection negotiation, an optional
// endpoint identity check on data connections, a keep-alive monitor that
// pings the control channel during long transfers, FEAT capability
// discovery with per-connection caching, and MDTM modification time
// queries in several representations.
//
// # Basic Usage
//
// Connect with explicit TLS (the recommended mode) and protect the data
// channel:
//
//	client, err := ftps.Dial("ftp.example.com:21",
//	    ftps.WithExplicitTLS(&tls.Config{ServerName: "ftp.example.com"}),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Disconnect()
//
//	if err := client.Login("username", "password"); err != nil {
//	    log.Fatal(err)
//	}
//	if err := client.ExecPBSZ(0); err != nil {
//	    log.Fatal(err)
//	}
//	if err := client.ExecPROT(ftps.ProtPrivate); err != nil {
//	    log.Fatal(err)
//	}
//
// Implicit TLS connects directly with TLS, typically on port 990:
//
//	client, err := ftps.Dial("ftp.example.com:990",
//	    ftps.WithImplicitTLS(&tls.Config{ServerName: "ftp.example.com"}),
//	)
//
// # TLS Session Reuse
//
// Many FTPS servers (vsftpd, ProFTPD) require TLS session reuse between
// the control and data connections. The client maintains a shared TLS
// session cache, so data connections resume the control channel's session
// automatically. No additional configuration is required.
//
// # Endpoint Identity Check
//
// SetEndpointCheckingEnabled(true) requires the peer certificate of every
// protected data connection to match the host the control connection was
// established to. A mismatch surfaces as *SecurityError and the operation
// is aborted; the client never silently downgrades. The check is a caller
// trust decision and is independent of session reuse.
//
// # Keep-Alive During Transfers
//
// A slow transfer can leave the control connection idle long enough for
// servers or middleboxes to drop it. SetControlKeepAliveTimeout enables a
// monitor that sends NOOP on the control channel while a data connection
// is open; SetControlKeepAliveReplyTimeout bounds the wait for each reply.
// A missed or negative reply marks the connection degraded, readable via
// Degraded once the operation completes; with WithKeepAlivePolicy(
// KeepAliveStrict) the enclosing operation also returns an error. The
// in-flight transfer itself is never interrupted. Setting a timeout to a
// zero or negative duration disables it, and disabled timeouts read back
// as zero.
//
// # Error Handling
//
// Failures are typed: *ConnectionError (transport or handshake),
// *ProtocolError (unexpected reply, with verb, code, and text),
// *SecurityError (endpoint check), *DataConnectionError, and
// *NotFoundError (missing path on MDTM or listings). Nothing is retried
// internally, and the last reply stays inspectable via LastReply so
// callers can decide whether to disconnect or continue:
//
//	if err := client.Retrieve("file.txt", w); err != nil {
//	    var pe *ftps.ProtocolError
//	    if errors.As(err, &pe) && pe.IsTransient() {
//	        // retry later
//	    }
//	}
package ftps
