// Package filestore keeps uploaded attachments addressed by the hex SHA-256
// of their content.
package filestore

import (
	"errors"
	"io"
	"regexp"
)

var (
	ErrInvalidHash  = errors.New("invalid content hash")
	ErrHashMismatch = errors.New("content does not match its hash")
)

var hashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ValidHash reports whether hash is a lowercase hex SHA-256.
func ValidHash(hash string) bool {
	return hashPattern.MatchString(hash)
}

// FileStore stores and retrieves files by the SHA-256 of their content.
type FileStore interface {
	// Save stores the content read from r under hash. It is idempotent and
	// fails with ErrHashMismatch when the content hashes differently.
	Save(r io.Reader, hash string) error

	// Get opens the content stored under hash. A missing file is
	// models.ErrNotFound.
	Get(hash string) (io.ReadCloser, error)

	// Size returns the stored size in bytes.
	Size(hash string) (int64, error)
}
