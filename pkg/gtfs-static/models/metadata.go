package models

import "time"

// ArchiveMetadata describes a remote static GTFS archive as reported by its
// HTTP headers. Zero fields mean the server did not send them.
type ArchiveMetadata struct {
	URL           string
	LastModified  time.Time
	ETag          string
	ContentLength int64
}

// NewerThan reports whether the remote archive should replace a local copy
// modified at local. Unknown remote dates always count as newer.
func (m *ArchiveMetadata) NewerThan(local time.Time) bool {
	if m.LastModified.IsZero() {
		return true
	}
	return m.LastModified.After(local)
}
