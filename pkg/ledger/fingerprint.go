package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/eunmann/maude-sync/pkg/cache"
)

const fingerprintBufSize = 4 << 20

// Fingerprint is the SHA-256 digest of an archive's bytes.
type Fingerprint [sha256.Size]byte

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// IsZero reports whether f is unset.
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// ParseFingerprint decodes a hex fingerprint.
func ParseFingerprint(s string) (Fingerprint, error) {
	var f Fingerprint
	b, err := hex.DecodeString(s)
	if err != nil {
		return f, fmt.Errorf("decode fingerprint: %w", err)
	}
	if len(b) != len(f) {
		return f, fmt.Errorf("fingerprint has %d bytes, want %d", len(b), len(f))
	}
	copy(f[:], b)
	return f, nil
}

// FingerprintReader digests r in fixed-size reads.
func FingerprintReader(r io.Reader) (Fingerprint, int64, error) {
	h := sha256.New()
	n, err := io.CopyBuffer(h, r, make([]byte, fingerprintBufSize))
	if err != nil {
		return Fingerprint{}, n, err
	}
	var f Fingerprint
	h.Sum(f[:0])
	return f, n, nil
}

// FingerprintOf digests a cached archive without loading it into memory.
func FingerprintOf(a cache.Archive) (Fingerprint, error) {
	file, err := os.Open(a.Path)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("open %s: %w", a.Filename, err)
	}
	defer file.Close()

	f, n, err := FingerprintReader(file)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("digest %s: %w", a.Filename, err)
	}
	if a.Size > 0 && n != a.Size {
		return Fingerprint{}, fmt.Errorf("digest %s: read %d bytes, cache recorded %d", a.Filename, n, a.Size)
	}
	return f, nil
}
