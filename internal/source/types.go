package source

import "strings"

// DiscoveredFile represents a message file found during directory scanning.
type DiscoveredFile struct {
	Path      string
	SessionID string // name of the enclosing session directory
	MtimeNs   int64
	SizeBytes int64
}

// IsSessionDir reports whether a directory name looks like a session folder.
func IsSessionDir(name string) bool {
	return strings.HasPrefix(name, "ses_")
}

// IsMessageFile reports whether a file name looks like a message record.
func IsMessageFile(name string) bool {
	return strings.HasPrefix(name, "msg_") && strings.HasSuffix(name, ".json")
}
