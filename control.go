package ftps

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Reply represents an FTP server reply on the control connection.
type Reply struct {
	// Code is the three-digit reply code (e.g., 220, 550)
	Code int

	// Message is the human-readable text from the server
	Message string

	// Lines contains all lines of the reply (for multi-line replies)
	Lines []string
}

// IsPositivePreliminary returns true for 1xx replies (action started,
// expect another reply before issuing a new command).
func (r *Reply) IsPositivePreliminary() bool {
	return r.Code >= 100 && r.Code < 200
}

// IsPositiveCompletion returns true for 2xx replies (action completed).
func (r *Reply) IsPositiveCompletion() bool {
	return r.Code >= 200 && r.Code < 300
}

// IsPositiveIntermediate returns true for 3xx replies (more information
// required, e.g. 331 after USER).
func (r *Reply) IsPositiveIntermediate() bool {
	return r.Code >= 300 && r.Code < 400
}

// IsTransientNegative returns true for 4xx replies (action not taken,
// may be retried).
func (r *Reply) IsTransientNegative() bool {
	return r.Code >= 400 && r.Code < 500
}

// IsPermanentNegative returns true for 5xx replies (action not taken,
// retrying will not help).
func (r *Reply) IsPermanentNegative() bool {
	return r.Code >= 500 && r.Code < 600
}

// IsPositive returns true for replies the client treats as success for
// flow control: positive completion (2xx) and positive intermediate (3xx).
func (r *Reply) IsPositive() bool {
	return r.IsPositiveCompletion() || r.IsPositiveIntermediate()
}

// String returns the full reply as a string.
func (r *Reply) String() string {
	return strings.Join(r.Lines, "\n")
}

// readReply reads a complete FTP reply from the reader. It handles both
// single-line and multi-line replies.
//
// Single-line format: "220 Welcome\r\n"
// Multi-line format:
//
//	"211-Features:\r\n"
//	" MDTM\r\n"
//	"211 End\r\n"
//
// The reply is complete when a line starts with the code followed by a space.
func readReply(r *bufio.Reader) (*Reply, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}

	line = strings.TrimRight(line, "\r\n")
	if len(line) < 4 {
		return nil, fmt.Errorf("invalid reply line: %q", line)
	}

	code, err := strconv.Atoi(line[0:3])
	if err != nil {
		return nil, fmt.Errorf("invalid reply code: %q", line[0:3])
	}

	lines := []string{line}

	// Common single-line case
	if line[3] == ' ' {
		return &Reply{
			Code:    code,
			Message: line[4:],
			Lines:   lines,
		}, nil
	}

	if line[3] != '-' {
		return nil, fmt.Errorf("invalid reply format: %q", line)
	}

	if err := readReplyContinuation(r, code, &lines); err != nil {
		return nil, err
	}

	var messageLines []string
	for _, l := range lines {
		if len(l) > 4 {
			messageLines = append(messageLines, l[4:])
		}
	}

	return &Reply{
		Code:    code,
		Message: strings.Join(messageLines, "\n"),
		Lines:   lines,
	}, nil
}

// readReplyContinuation consumes the remaining lines of a multi-line reply.
// Lines starting with a space are RFC 2389 continuations (as produced by
// FEAT); otherwise a line must repeat the reply code, and a space after the
// code terminates the reply.
func readReplyContinuation(r *bufio.Reader, code int, lines *[]string) error {
	codeStr := fmt.Sprintf("%03d", code)

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err == io.EOF && len(*lines) > 0 {
				return fmt.Errorf("unexpected EOF reading reply")
			}
			return err
		}

		line = strings.TrimRight(line, "\r\n")

		if len(line) > 0 && line[0] == ' ' {
			*lines = append(*lines, line)
			continue
		}

		if len(line) < 4 || line[0:3] != codeStr {
			return fmt.Errorf("reply code mismatch or invalid line: %q", line)
		}

		*lines = append(*lines, line)

		if line[3] == ' ' {
			return nil
		}

		if line[3] != '-' {
			return fmt.Errorf("invalid reply format: %q", line)
		}
	}
}

// Execute sends one command line on the control connection and reads one
// (possibly multi-line) reply. It is the single synchronization point for
// the control channel: at most one command is outstanding at any instant.
//
// Execute records the reply so that it remains inspectable via LastReply
// after a failed operation.
//
// Example:
//
//	reply, err := client.Execute("STAT", "file.txt")
func (c *Client) Execute(verb string, args ...string) (*Reply, error) {
	return c.sendCommand(verb, args...)
}

// sendCommand sends an FTP command and returns the reply.
func (c *Client) sendCommand(verb string, args ...string) (*Reply, error) {
	var cmd string
	if len(args) > 0 {
		cmd = fmt.Sprintf("%s %s", verb, strings.Join(args, " "))
	} else {
		cmd = verb
	}

	if c.logger != nil {
		c.logger.Debug("ftp command", "cmd", redactCommand(verb, cmd))
	}

	// Serialize access to the control connection
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, &ConnectionError{Op: "write", Err: err}
		}
	}

	if _, err := fmt.Fprintf(c.conn, "%s\r\n", cmd); err != nil {
		return nil, &ConnectionError{Op: "write", Err: err}
	}

	if c.timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, &ConnectionError{Op: "read", Err: err}
		}
	}

	reply, err := readReply(c.reader)
	if err != nil {
		return nil, &ConnectionError{Op: "read", Err: err}
	}

	c.lastReply = reply

	if c.logger != nil {
		c.logger.Debug("ftp reply", "code", reply.Code, "message", reply.Message)
	}

	return reply, nil
}

// redactCommand hides the credential argument of PASS in debug logs.
func redactCommand(verb, cmd string) string {
	if strings.EqualFold(verb, "PASS") {
		return "PASS ****"
	}
	return cmd
}

// expect sends a command and verifies the reply code matches the expected
// code exactly. Returns a ProtocolError if it doesn't.
func (c *Client) expect(code int, verb string, args ...string) (*Reply, error) {
	reply, err := c.sendCommand(verb, args...)
	if err != nil {
		return nil, err
	}

	if reply.Code != code {
		return reply, &ProtocolError{
			Command:  verb,
			Response: reply.Message,
			Code:     reply.Code,
		}
	}

	return reply, nil
}

// expectCompletion sends a command and verifies the reply is a positive
// completion (2xx).
func (c *Client) expectCompletion(verb string, args ...string) (*Reply, error) {
	reply, err := c.sendCommand(verb, args...)
	if err != nil {
		return nil, err
	}

	if !reply.IsPositiveCompletion() {
		return reply, &ProtocolError{
			Command:  verb,
			Response: reply.Message,
			Code:     reply.Code,
		}
	}

	return reply, nil
}
