package mcp

import (
	"fmt"
	"strings"
)

// Protocol versions this implementation knows about, newest first.
const (
	ProtocolVersionDraft    = "draft"
	ProtocolVersion20250326 = "2025-03-26"
	ProtocolVersion20241105 = "2024-11-05"
)

// VersionDetector negotiates the protocol version during initialize.
type VersionDetector struct {
	supported []string
}

// NewVersionDetector creates a detector for the versions this server speaks.
func NewVersionDetector() *VersionDetector {
	return &VersionDetector{
		supported: []string{
			ProtocolVersionDraft,
			ProtocolVersion20250326,
			ProtocolVersion20241105,
		},
	}
}

// Supported returns the protocol versions the detector accepts, newest first.
func (d *VersionDetector) Supported() []string {
	out := make([]string, len(d.supported))
	copy(out, d.supported)
	return out
}

// Latest returns the newest non-draft version the server speaks.
func (d *VersionDetector) Latest() string {
	return ProtocolVersion20250326
}

// Validate checks a client-requested protocol version. Exact matches are
// accepted as-is. Unknown date-based versions from a recognized year family
// are accepted too, echoing the client's value, so newer point revisions
// keep working. Anything else is rejected.
func (d *VersionDetector) Validate(requested string) (string, error) {
	if requested == "" {
		return "", fmt.Errorf("protocol version is required")
	}
	for _, v := range d.supported {
		if requested == v {
			return requested, nil
		}
	}
	if strings.HasPrefix(requested, "2024-") || strings.HasPrefix(requested, "2025-") {
		return requested, nil
	}
	return "", fmt.Errorf("unsupported protocol version: %s", requested)
}
