// Package extract streams rows out of cached MAUDE archives.
//
// An archive is a zip holding one pipe-delimited, latin-1 encoded text
// member. Rows are read once, attributed to a year, and handed to the sink
// registered for that year; rows for unrequested years are dropped
// immediately.
package extract

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/charmap"

	"github.com/eunmann/maude-sync/pkg/cache"
	"github.com/eunmann/maude-sync/pkg/catalog"
)

// CorruptArchiveError means a cached archive could not be read as a MAUDE
// archive. The cached copy should be discarded and fetched again.
type CorruptArchiveError struct {
	Filename string
	Err      error
}

func (e *CorruptArchiveError) Error() string {
	return fmt.Sprintf("corrupt archive %s: %v", e.Filename, e.Err)
}

func (e *CorruptArchiveError) Unwrap() error {
	return e.Err
}

// IsCorrupt reports whether err is, or wraps, a CorruptArchiveError.
func IsCorrupt(err error) bool {
	var ce *CorruptArchiveError
	return errors.As(err, &ce)
}

func corrupt(a cache.Archive, err error) error {
	return &CorruptArchiveError{Filename: a.Filename, Err: err}
}

// Source is an open archive member positioned after the header.
type Source struct {
	Archive cache.Archive
	Member  string

	zr   *zip.ReadCloser
	rc   io.ReadCloser
	rows *RowReader
}

// findMember picks the data member: the largest .txt entry.
func findMember(zr *zip.Reader) (*zip.File, error) {
	var best *zip.File
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !strings.HasSuffix(strings.ToLower(f.Name), ".txt") {
			continue
		}
		if best == nil || f.UncompressedSize64 > best.UncompressedSize64 {
			best = f
		}
	}
	if best == nil {
		return nil, errors.New("no .txt member")
	}
	return best, nil
}

// Open opens the archive's data member. Tables published without a header
// line use spec.Columns as the header.
func Open(a cache.Archive, spec catalog.TableSpec) (*Source, error) {
	zr, err := zip.OpenReader(a.Path)
	if err != nil {
		return nil, corrupt(a, err)
	}
	member, err := findMember(&zr.Reader)
	if err != nil {
		zr.Close()
		return nil, corrupt(a, err)
	}
	rc, err := member.Open()
	if err != nil {
		zr.Close()
		return nil, corrupt(a, err)
	}

	decoded := charmap.ISO8859_1.NewDecoder().Reader(rc)
	rows, err := NewRowReader(decoded, spec.Columns)
	if err != nil {
		rc.Close()
		zr.Close()
		return nil, corrupt(a, fmt.Errorf("%s: %w", member.Name, err))
	}
	return &Source{
		Archive: a,
		Member:  member.Name,
		zr:      zr,
		rc:      rc,
		rows:    rows,
	}, nil
}

// Header returns the member's column names.
func (s *Source) Header() []string {
	return s.rows.Header()
}

// Next returns the next record or io.EOF. Read failures are reported as
// CorruptArchiveError.
func (s *Source) Next() (Record, error) {
	rec, err := s.rows.Next()
	if err != nil && !errors.Is(err, io.EOF) {
		return rec, corrupt(s.Archive, fmt.Errorf("%s line %d: %w", s.Member, s.rows.Line()+1, err))
	}
	return rec, err
}

// Malformed returns how many lines were skipped so far.
func (s *Source) Malformed() int64 {
	return s.rows.Malformed()
}

// Close releases the member and the zip file.
func (s *Source) Close() error {
	err := s.rc.Close()
	if zerr := s.zr.Close(); err == nil {
		err = zerr
	}
	return err
}

// Verify checks that a is a readable zip with a data member.
func Verify(a cache.Archive) error {
	zr, err := zip.OpenReader(a.Path)
	if err != nil {
		return corrupt(a, err)
	}
	defer zr.Close()
	if _, err := findMember(&zr.Reader); err != nil {
		return corrupt(a, err)
	}
	return nil
}
