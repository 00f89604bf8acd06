package ftps

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Entry represents a file or directory entry, either parsed from a LIST
// line or built from a single-path query such as ModTimeEntry.
type Entry struct {
	Name string

	// Type is "file", "dir", "link", or "unknown"
	Type string

	Size int64

	// ModTime is the modification time, when known (zero otherwise)
	ModTime time.Time

	// Target is the target path for symlinks (empty for files/dirs)
	Target string

	// Raw is the raw line from the LIST command, when the entry came
	// from a listing
	Raw string
}

// List returns a list of files and directories in the specified path.
// If path is empty, it lists the current directory. Each call opens,
// uses, and closes a fresh data connection.
//
// The parser supports multiple directory listing formats for maximum
// compatibility:
//
//   - Unix-style (9-field): perms links owner group size month day time/year name
//   - Unix-style (8-field): perms links owner size month day time/year name
//   - Unix-style (numeric): 644 links owner group size month day time/year name
//   - DOS/Windows: MM-DD-YY HH:MMAM/PM size|<DIR> filename
//   - EPLF: +facts\tname or +facts name
//
// Example:
//
//	entries, err := client.List("/pub")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, entry := range entries {
//	    fmt.Printf("%s: %d bytes (%s)\n", entry.Name, entry.Size, entry.Type)
//	}
func (c *Client) List(path string) ([]*Entry, error) {
	lines, err := c.readListing("LIST", path)
	if err != nil {
		return nil, err
	}

	var entries []*Entry
	for _, line := range lines {
		if entry := parseListLine(line, c.parsers); entry != nil {
			entries = append(entries, entry)
		}
	}

	return entries, nil
}

// NameList returns a simple list of file and directory names in the
// specified path using the NLST command.
func (c *Client) NameList(path string) ([]string, error) {
	lines, err := c.readListing("NLST", path)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, line := range lines {
		if name := strings.TrimSpace(line); name != "" {
			names = append(names, name)
		}
	}

	return names, nil
}

// readListing runs a listing command over a fresh data connection and
// returns the raw lines. The keep-alive monitor covers the read and the
// connection is closed on every exit path.
func (c *Client) readListing(verb, path string) ([]string, error) {
	var args []string
	if path != "" {
		args = append(args, path)
	}

	var buf bytes.Buffer
	if err := c.retrieveInto(&buf, verb, args...); err != nil {
		return nil, err
	}

	var lines []string
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read listing: %w", err)
	}

	return lines, nil
}

// ListingParser is an interface for parsing directory listing entries.
type ListingParser interface {
	Parse(line string) (*Entry, bool)
}

// UnixParser parses Unix-style directory entries.
type UnixParser struct{}

func (p *UnixParser) Parse(line string) (*Entry, bool) {
	fields := strings.Fields(line)
	// Supports both 9-field and 8-field formats (and numeric perms)
	if len(fields) < 8 {
		return nil, false
	}
	entry := &Entry{Raw: line}
	if parseUnixEntry(entry, fields) {
		return entry, true
	}
	return nil, false
}

// DOSParser parses DOS/Windows-style directory entries.
type DOSParser struct{}

func (p *DOSParser) Parse(line string) (*Entry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return nil, false
	}
	if !isDOSDate(fields[0]) {
		return nil, false
	}
	entry := &Entry{Raw: line}
	if parseDOSEntry(entry, fields) {
		return entry, true
	}
	return nil, false
}

// EPLFParser parses EPLF entries.
type EPLFParser struct{}

func (p *EPLFParser) Parse(line string) (*Entry, bool) {
	if !strings.HasPrefix(line, "+") {
		return nil, false
	}
	entry := &Entry{Raw: line}
	if parseEPLFEntry(entry, line) {
		return entry, true
	}
	return nil, false
}

// parseListLine parses a single line by trying each parser in order.
// Unparsable non-empty lines become "unknown" entries rather than being
// dropped.
func parseListLine(line string, parsers []ListingParser) *Entry {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}

	for _, parser := range parsers {
		if entry, ok := parser.Parse(trimmed); ok {
			return entry
		}
	}

	return &Entry{
		Raw:  line,
		Name: line,
		Type: "unknown",
	}
}

// parseUnixEntry parses a Unix-style directory entry.
// Handles both 9-field and 8-field formats, numeric and symbolic
// permissions.
func parseUnixEntry(entry *Entry, fields []string) bool {
	perms := fields[0]

	isSymbolic := len(perms) >= 1 && (perms[0] == '-' || perms[0] == 'd' ||
		perms[0] == 'l' || perms[0] == 'b' || perms[0] == 'c' ||
		perms[0] == 'p' || perms[0] == 's')

	// Numeric permissions are 3-4 octal digits
	isNumeric := len(perms) >= 3 && len(perms) <= 4
	for _, ch := range perms {
		if ch < '0' || ch > '7' {
			isNumeric = false
			break
		}
	}

	if !isSymbolic && !isNumeric {
		return false
	}

	if isSymbolic {
		switch perms[0] {
		case 'd':
			entry.Type = "dir"
		case 'l':
			entry.Type = "link"
		default:
			entry.Type = "file"
		}
	} else {
		// Numeric permissions carry no type information
		entry.Type = "file"
	}

	// 9-field: perms links owner group size month day time/year name
	// 8-field: perms links owner size month day time/year name
	var sizeIdx, nameStartIdx int

	switch {
	case len(fields) >= 9 && isSize(fields[4]):
		sizeIdx, nameStartIdx = 4, 8
	case len(fields) >= 8 && isSize(fields[3]):
		sizeIdx, nameStartIdx = 3, 7
	default:
		return false
	}

	size, err := strconv.ParseInt(fields[sizeIdx], 10, 64)
	if err != nil {
		return false
	}
	entry.Size = size

	fullName := strings.Join(fields[nameStartIdx:], " ")

	// Links are listed as "name -> target"
	if entry.Type == "link" {
		if before, after, ok := strings.Cut(fullName, " -> "); ok {
			entry.Name = before
			entry.Target = after
		} else {
			entry.Name = fullName
		}
	} else {
		entry.Name = fullName
	}

	return true
}

func isSize(s string) bool {
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}

// parseEPLFEntry parses an EPLF (Easily Parsed LIST Format) entry.
// Format: +facts\tname or +facts name, facts comma-separated.
// Example: "+i8388621.48594,m825718503,r,s280,\tdjb.html"
func parseEPLFEntry(entry *Entry, line string) bool {
	if !strings.HasPrefix(line, "+") {
		return false
	}

	line = line[1:]

	idx := strings.IndexAny(line, "\t ")
	if idx == -1 {
		return false
	}
	facts := line[:idx]
	name := strings.TrimSpace(line[idx+1:])

	if name == "" {
		return false
	}

	entry.Name = name
	entry.Type = "file"

	for _, fact := range strings.Split(facts, ",") {
		if fact == "" {
			continue
		}

		switch fact[0] {
		case '/':
			entry.Type = "dir"
		case 's':
			if len(fact) > 1 {
				if size, err := strconv.ParseInt(fact[1:], 10, 64); err == nil {
					entry.Size = size
				}
			}
		case 'm':
			if len(fact) > 1 {
				if secs, err := strconv.ParseInt(fact[1:], 10, 64); err == nil {
					entry.ModTime = time.Unix(secs, 0).UTC()
				}
			}
		}
	}

	return true
}

// isDOSDate checks if a string looks like a DOS/Windows date.
// Common formats: MM-DD-YY, MM-DD-YYYY, MM/DD/YY, MM/DD/YYYY
func isDOSDate(s string) bool {
	var parts []string
	if strings.Contains(s, "-") {
		parts = strings.Split(s, "-")
	} else if strings.Contains(s, "/") {
		parts = strings.Split(s, "/")
	} else {
		return false
	}

	if len(parts) != 3 {
		return false
	}

	for i, part := range parts {
		if len(part) < 1 || len(part) > 4 {
			return false
		}
		// Year is 2 or 4 digits, month and day 1-2
		if i == 2 && len(part) != 2 && len(part) != 4 {
			return false
		}
		if i < 2 && len(part) > 2 {
			return false
		}
		for _, ch := range part {
			if ch < '0' || ch > '9' {
				return false
			}
		}
	}
	return true
}

// parseDOSEntry parses a DOS/Windows-style directory entry.
// Example: "12-14-23  12:22PM           1037794 large-document.pdf"
// Example: "09-24-24  10:30AM       <DIR>          logger"
func parseDOSEntry(entry *Entry, fields []string) bool {
	if len(fields) < 4 {
		return false
	}

	if fields[2] == "<DIR>" {
		entry.Type = "dir"
		entry.Size = 0
		entry.Name = strings.Join(fields[3:], " ")
		return true
	}

	size, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return false
	}

	entry.Type = "file"
	entry.Size = size
	entry.Name = strings.Join(fields[3:], " ")
	return true
}

// ChangeDir changes the current working directory.
func (c *Client) ChangeDir(path string) error {
	_, err := c.expectCompletion("CWD", path)
	return err
}

// CurrentDir returns the current working directory.
func (c *Client) CurrentDir() (string, error) {
	reply, err := c.expectCompletion("PWD")
	if err != nil {
		return "", err
	}

	// Example: 257 "/home/user" is the current directory
	msg := reply.Message
	start := strings.Index(msg, "\"")
	if start == -1 {
		return "", fmt.Errorf("invalid PWD reply: %s", msg)
	}
	end := strings.Index(msg[start+1:], "\"")
	if end == -1 {
		return "", fmt.Errorf("invalid PWD reply: %s", msg)
	}

	return msg[start+1 : start+1+end], nil
}

// MakeDir creates a new directory.
func (c *Client) MakeDir(path string) error {
	_, err := c.expectCompletion("MKD", path)
	return err
}

// RemoveDir removes a directory.
func (c *Client) RemoveDir(path string) error {
	_, err := c.expectCompletion("RMD", path)
	return err
}

// Delete deletes a file.
func (c *Client) Delete(path string) error {
	_, err := c.expectCompletion("DELE", path)
	return err
}

// Rename renames a file or directory.
func (c *Client) Rename(from, to string) error {
	reply, err := c.sendCommand("RNFR", from)
	if err != nil {
		return err
	}

	if reply.Code != 350 {
		return &ProtocolError{
			Command:  "RNFR",
			Response: reply.Message,
			Code:     reply.Code,
		}
	}

	_, err = c.expectCompletion("RNTO", to)
	return err
}

// Size returns the size of a file in bytes.
func (c *Client) Size(path string) (int64, error) {
	reply, err := c.sendCommand("SIZE", path)
	if err != nil {
		return 0, err
	}

	if reply.IsPermanentNegative() {
		return 0, &NotFoundError{Path: path, Code: reply.Code, Message: reply.Message}
	}

	if !reply.IsPositiveCompletion() {
		return 0, &ProtocolError{
			Command:  "SIZE",
			Response: reply.Message,
			Code:     reply.Code,
		}
	}

	size, err := strconv.ParseInt(strings.TrimSpace(reply.Message), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid SIZE reply: %s", reply.Message)
	}

	return size, nil
}
