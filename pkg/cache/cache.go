// Package cache stores fetched archives on local disk, keyed by filename.
//
// Entries only become visible once completely written: content is staged in
// a temporary file under the cache's .tmp directory and renamed into place.
package cache

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/eunmann/maude-sync/pkg/fileutil"
	"github.com/eunmann/maude-sync/pkg/logging"
)

const tmpDirName = ".tmp"

// Archive is a completely written cache entry.
type Archive struct {
	Path     string
	Filename string
	Size     int64
}

// Store is an on-disk archive cache.
type Store struct {
	dir    string
	tmpDir string
}

// Open creates the cache directory if needed and removes staging files
// left behind by interrupted transfers.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("cache dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	s := &Store{dir: dir, tmpDir: filepath.Join(dir, tmpDirName)}

	removed, err := fileutil.CleanupTmpFiles(s.tmpDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("clean cache staging: %w", err)
	}
	if removed > 0 {
		logging.L().Warn().Int("files_removed", removed).Str("dir", dir).Msg("removed interrupted downloads")
	}
	return s, nil
}

// Dir returns the cache directory.
func (s *Store) Dir() string {
	return s.dir
}

func checkName(filename string) error {
	if filename == "" || filename != filepath.Base(filename) || filename == "." || filename == ".." ||
		strings.HasPrefix(filename, ".") {
		return fmt.Errorf("invalid archive filename %q", filename)
	}
	return nil
}

// Path returns where filename is (or would be) cached.
func (s *Store) Path(filename string) string {
	return filepath.Join(s.dir, filename)
}

// Lookup returns the cached archive for filename, if present.
func (s *Store) Lookup(filename string) (Archive, bool) {
	if checkName(filename) != nil {
		return Archive{}, false
	}
	path := s.Path(filename)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return Archive{}, false
	}
	return Archive{Path: path, Filename: filename, Size: info.Size()}, true
}

// Write stores the content produced by fill under filename, replacing any
// previous entry only after fill succeeds. fill receives a file it may
// write sequentially or at offsets.
func (s *Store) Write(filename string, fill func(f *os.File) error) (Archive, error) {
	if err := checkName(filename); err != nil {
		return Archive{}, err
	}
	path := s.Path(filename)
	var size int64
	err := fileutil.WriteTmpThenMove(s.tmpDir, path, func(f *os.File) error {
		if err := fill(f); err != nil {
			return err
		}
		info, err := f.Stat()
		if err != nil {
			return fmt.Errorf("stat staged archive: %w", err)
		}
		size = info.Size()
		return nil
	})
	if err != nil {
		return Archive{}, fmt.Errorf("cache %s: %w", filename, err)
	}
	return Archive{Path: path, Filename: filename, Size: size}, nil
}

// WriteFrom copies r into the cache under filename.
func (s *Store) WriteFrom(filename string, r io.Reader) (Archive, error) {
	return s.Write(filename, func(f *os.File) error {
		_, err := io.Copy(f, r)
		return err
	})
}

// Evict removes filename from the cache. Missing entries are not an error.
func (s *Store) Evict(filename string) error {
	if err := checkName(filename); err != nil {
		return err
	}
	if err := os.Remove(s.Path(filename)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("evict %s: %w", filename, err)
	}
	return nil
}

// List returns every cached archive sorted by filename.
func (s *Store) List() ([]Archive, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read cache dir: %w", err)
	}
	var out []Archive
	for _, e := range entries {
		if e.IsDir() || checkName(e.Name()) != nil {
			continue
		}
		if a, ok := s.Lookup(e.Name()); ok {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out, nil
}
