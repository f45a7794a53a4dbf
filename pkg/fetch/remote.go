// Package fetch probes and downloads MAUDE archives from a remote host into
// the local cache, with retries and same-file transfer deduplication.
package fetch

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by a Remote when the archive does not exist.
var ErrNotFound = errors.New("archive not found on remote")

// Destination receives archive bytes. Sequential remotes use Write; ranged
// remotes such as S3 write parts concurrently with WriteAt.
type Destination interface {
	io.Writer
	io.WriterAt
}

// Remote is a read-only archive host.
type Remote interface {
	// Exists reports whether filename is published, without transferring it.
	Exists(ctx context.Context, filename string) (bool, error)
	// Download writes filename into dst and returns the byte count.
	Download(ctx context.Context, filename string, dst Destination) (int64, error)
}
