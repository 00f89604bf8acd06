package ftps

import "fmt"

// ConnectionError reports a transport-level failure on the control
// connection: TCP dial, TLS handshake, or an I/O error while exchanging
// commands. Connection errors are never retried by the client; callers
// decide whether to reconnect.
type ConnectionError struct {
	// Op is the operation that failed (e.g., "dial", "handshake", "read")
	Op string

	// Addr is the remote address, when known
	Addr string

	// Err is the underlying cause
	Err error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("ftps: %s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("ftps: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError represents an unexpected or negative FTP reply with full
// context of the command/reply conversation. This provides detailed
// debugging information beyond simple error messages.
type ProtocolError struct {
	// Command is the FTP command that was sent (e.g., "PROT P")
	Command string

	// Response is the reply text received from the server
	Response string

	// Code is the three-digit FTP reply code (e.g., 550)
	Code int
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("ftps: %s failed: %s (code %d)", e.Command, e.Response, e.Code)
}

// IsTransient returns true if the reply was a transient negative
// completion (4xx). Callers may retry the operation at a higher level.
func (e *ProtocolError) IsTransient() bool {
	return e.Code >= 400 && e.Code < 500
}

// IsPermanent returns true if the reply was a permanent negative
// completion (5xx).
func (e *ProtocolError) IsPermanent() bool {
	return e.Code >= 500 && e.Code < 600
}

// SecurityError reports a failed endpoint identity check on a data
// connection: the peer certificate did not match the host the control
// connection was established to. The operation is aborted; the client
// never downgrades to an unverified connection.
type SecurityError struct {
	// Host is the expected server identity
	Host string

	// Err is the underlying certificate verification error
	Err error
}

// Error implements the error interface.
func (e *SecurityError) Error() string {
	return fmt.Sprintf("ftps: endpoint check failed for %q: %v", e.Host, e.Err)
}

// Unwrap returns the underlying cause.
func (e *SecurityError) Unwrap() error { return e.Err }

// DataConnectionError reports a failure to open, secure, or use a data
// connection.
type DataConnectionError struct {
	// Stage is where the failure occurred: "open", "handshake", or "transfer"
	Stage string

	// Err is the underlying cause
	Err error
}

// Error implements the error interface.
func (e *DataConnectionError) Error() string {
	return fmt.Sprintf("ftps: data connection %s: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying cause.
func (e *DataConnectionError) Unwrap() error { return e.Err }

// NotFoundError reports a permanent-negative reply to a path query
// (e.g., MDTM or LIST against a missing file).
type NotFoundError struct {
	// Path is the pathname that was queried
	Path string

	// Code is the FTP reply code (typically 550)
	Code int

	// Message is the reply text
	Message string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("ftps: %q not found: %s (code %d)", e.Path, e.Message, e.Code)
}
