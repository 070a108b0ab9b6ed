package meta

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// HashFile computes the BLAKE3 hash of the file at path, returning the hex-encoded digest.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h, _, err := HashReader(f)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return h, nil
}

// HashReader consumes r and returns its hex digest and length.
func HashReader(r io.Reader) (string, int64, error) {
	h := blake3.New()
	buf := make([]byte, 32*1024)
	n, err := io.CopyBuffer(h, r, buf)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// HashBytes returns the hex digest of b.
func HashBytes(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Hasher wraps a BLAKE3 state that also counts bytes written.
type Hasher struct {
	h *blake3.Hasher
	n int64
}

func NewHasher() *Hasher { return &Hasher{h: blake3.New()} }

func (h *Hasher) Write(p []byte) (int, error) {
	h.n += int64(len(p))
	return h.h.Write(p)
}

// Sum returns the hex digest of everything written so far.
func (h *Hasher) Sum() string { return hex.EncodeToString(h.h.Sum(nil)) }

// Len returns the number of bytes written.
func (h *Hasher) Len() int64 { return h.n }
