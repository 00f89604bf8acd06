package ftps

import (
	"fmt"
	"strings"
	"time"
)

// timeValFormat is the RFC 3659 time-val layout used by MDTM and the
// modify fact: YYYYMMDDHHMMSS, always UTC.
const timeValFormat = "20060102150405"

// parseTimeVal parses an RFC 3659 time-val, with an optional fractional
// second part ("20231220143000.123"), into a UTC instant.
func parseTimeVal(s string) (time.Time, error) {
	s = strings.TrimSpace(s)

	base, frac, hasFrac := strings.Cut(s, ".")
	if len(base) != len(timeValFormat) {
		return time.Time{}, fmt.Errorf("invalid time-val %q", s)
	}

	t, err := time.Parse(timeValFormat, base)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time-val %q: %w", s, err)
	}
	t = t.UTC()

	if hasFrac {
		if frac == "" || len(frac) > 9 {
			return time.Time{}, fmt.Errorf("invalid time-val fraction %q", s)
		}
		ns := 0
		for _, ch := range frac {
			if ch < '0' || ch > '9' {
				return time.Time{}, fmt.Errorf("invalid time-val fraction %q", s)
			}
			ns = ns*10 + int(ch-'0')
		}
		for i := len(frac); i < 9; i++ {
			ns *= 10
		}
		t = t.Add(time.Duration(ns) * time.Nanosecond)
	}

	return t, nil
}

// mdtm sends the MDTM command and parses the reply into a UTC instant.
// A permanent-negative reply maps to NotFoundError; a positive reply that
// does not carry a parsable time-val maps to ProtocolError.
func (c *Client) mdtm(path string) (time.Time, error) {
	reply, err := c.sendCommand("MDTM", path)
	if err != nil {
		return time.Time{}, err
	}

	if reply.IsPermanentNegative() {
		return time.Time{}, &NotFoundError{Path: path, Code: reply.Code, Message: reply.Message}
	}

	if reply.Code != 213 {
		return time.Time{}, &ProtocolError{
			Command:  "MDTM",
			Response: reply.Message,
			Code:     reply.Code,
		}
	}

	t, err := parseTimeVal(reply.Message)
	if err != nil {
		return time.Time{}, &ProtocolError{
			Command:  "MDTM",
			Response: reply.Message,
			Code:     reply.Code,
		}
	}

	return t, nil
}

// ModTime returns the modification time of a file as a UTC instant using
// the MDTM command. This implements RFC 3659 - Extensions to FTP.
//
// Example:
//
//	modTime, err := client.ModTime("file.txt")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Last modified: %s\n", modTime)
func (c *Client) ModTime(path string) (time.Time, error) {
	return c.mdtm(path)
}

// ModTimeIn returns the modification time rendered as a calendar time in
// the given location. The rendered time denotes exactly the instant
// ModTime reports; only the representation differs.
func (c *Client) ModTimeIn(path string, loc *time.Location) (time.Time, error) {
	t, err := c.mdtm(path)
	if err != nil {
		return time.Time{}, err
	}
	return t.In(loc), nil
}

// ModTimeEntry returns the modification time attached to a file metadata
// record for the given path. The entry's ModTime equals the instant
// ModTime reports.
func (c *Client) ModTimeEntry(path string) (*Entry, error) {
	t, err := c.mdtm(path)
	if err != nil {
		return nil, err
	}

	return &Entry{
		Name:    path,
		Type:    "file",
		ModTime: t,
	}, nil
}

// SetModTime sets the modification time of a file using the MFMT command.
// The time is converted to UTC before being sent out.
// This implements draft-somers-ftp-mfxx.
//
// Example:
//
//	err := client.SetModTime("file.txt", time.Now())
func (c *Client) SetModTime(path string, t time.Time) error {
	// RFC 3659 Section 2.3: "Time values are always represented in UTC"
	_, err := c.expectCompletion("MFMT", t.UTC().Format(timeValFormat), path)
	return err
}
