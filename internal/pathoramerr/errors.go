// Package pathoramerr collects the sentinel errors shared across the
// proxy core, so callers at any layer can compare against the same
// values regardless of which package raised them.
package pathoramerr

import "errors"

var (
	// ErrInvalidConfig is returned when deployment constants don't form
	// a usable tree (non-positive block size, bucket size, and so on).
	ErrInvalidConfig = errors.New("pathoram: invalid configuration")

	// ErrInvalidBlockID is returned for a block id outside the
	// configured address space.
	ErrInvalidBlockID = errors.New("pathoram: invalid block id")

	// ErrInvalidDataSize is returned when a write's payload doesn't
	// match the configured block size B.
	ErrInvalidDataSize = errors.New("pathoram: data size doesn't match block size")

	// ErrStashOverflow marks the security-degradation event described
	// in spec §7: flush could not place every candidate and the stash
	// exceeded its configured limit. The caller logs and continues.
	ErrStashOverflow = errors.New("pathoram: stash overflow")

	// ErrAuthFailed indicates a bucket failed AEAD authentication on
	// decrypt. Per spec §7 this is fatal: it means a storage server is
	// compromised or corrupt.
	ErrAuthFailed = errors.New("pathoram: path decryption authentication failed")

	// ErrFraming marks a malformed wire message. The caller drops the
	// connection without crashing the proxy.
	ErrFraming = errors.New("pathoram: malformed wire frame")

	// ErrUnknownServer is returned when a leaf maps to a server index
	// outside the configured server list.
	ErrUnknownServer = errors.New("pathoram: leaf maps to unknown storage server")

	// ErrClosed is returned by components that have been shut down.
	ErrClosed = errors.New("pathoram: component closed")
)
