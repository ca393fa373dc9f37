package svcagent

// Version is the current version of svcagent
const Version = "0.3.0"

// Protocol names the control wire format
const Protocol = "svcagent/jsonl-1"

// VersionInfo contains detailed version information
type VersionInfo struct {
	// Version is the semantic version
	Version string `json:"version"`
	// Protocol is the control protocol spoken by the server
	Protocol string `json:"protocol"`
	// Mask is the default descriptor file mask
	Mask string `json:"mask"`
}

// GetVersion returns the current version information
func GetVersion() VersionInfo {
	return VersionInfo{
		Version:  Version,
		Protocol: Protocol,
		Mask:     DefaultServiceFileMask,
	}
}
