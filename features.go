package ftps

import "strings"

// Command is a typed FTP command keyword, usable as the symbolic form of a
// feature token in HasFeatureCmd.
type Command string

// Symbolic command tokens for capability lookups.
const (
	CmdAuth Command = "AUTH"
	CmdEPRT Command = "EPRT"
	CmdEPSV Command = "EPSV"
	CmdFeat Command = "FEAT"
	CmdMDTM Command = "MDTM"
	CmdMode Command = "MODE"
	CmdPBSZ Command = "PBSZ"
	CmdProt Command = "PROT"
	CmdRest Command = "REST"
	CmdSize Command = "SIZE"
	CmdUTF8 Command = "UTF8"
)

// Features queries the server for supported features using the FEAT
// command. Returns a map of feature names to their parameters (if any).
// This implements RFC 2389 - Feature negotiation mechanism for FTP.
//
// The enumeration runs once per control connection; subsequent calls
// return the same cached mapping.
//
// Example:
//
//	feats, err := client.Features()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if _, ok := feats["MDTM"]; ok {
//	    fmt.Println("Server supports MDTM")
//	}
func (c *Client) Features() (map[string]string, error) {
	if c.features != nil {
		return c.features, nil
	}

	reply, err := c.sendCommand("FEAT")
	if err != nil {
		return nil, err
	}

	if reply.Code != 211 {
		return nil, &ProtocolError{
			Command:  "FEAT",
			Response: reply.Message,
			Code:     reply.Code,
		}
	}

	c.features = parseFeatureLines(reply.Lines)
	return c.features, nil
}

// parseFeatureLines parses the lines of a FEAT reply.
// Supports both formats:
// - RFC 2389: "211-Features:\r\n FEAT1\r\n FEAT2 params\r\n211 End"
// - Traditional: "211-Features\r\n211-FEAT1\r\n211-FEAT2 params\r\n211 End"
func parseFeatureLines(lines []string) map[string]string {
	features := make(map[string]string)
	if len(lines) < 3 {
		return features
	}

	// The first line is the "Features:" header and the last is the
	// terminator; only the lines between them declare features.
	for _, line := range lines[1 : len(lines)-1] {
		var featureLine string

		if len(line) > 0 && line[0] == ' ' {
			// RFC 2389 format: feature lines start with a space
			featureLine = strings.TrimSpace(line)
		} else if len(line) >= 4 && line[3] == '-' {
			// Traditional format repeats the code prefix
			featureLine = strings.TrimSpace(line[4:])
		} else {
			continue
		}

		if featureLine == "" {
			continue
		}

		parts := strings.SplitN(featureLine, " ", 2)
		featName := strings.ToUpper(parts[0])
		featParams := ""
		if len(parts) > 1 {
			featParams = parts[1]
		}

		features[featName] = featParams
	}
	return features
}

// HasFeature checks if the server advertises a specific feature token.
// The first call triggers the FEAT enumeration; later calls reuse the
// cached mapping.
func (c *Client) HasFeature(feature string) bool {
	feats, err := c.Features()
	if err != nil {
		return false
	}
	_, ok := feats[strings.ToUpper(feature)]
	return ok
}

// HasFeatureCmd checks a capability by its symbolic command token.
// HasFeatureCmd(CmdMDTM) and HasFeature("MDTM") always agree.
func (c *Client) HasFeatureCmd(cmd Command) bool {
	return c.HasFeature(string(cmd))
}
