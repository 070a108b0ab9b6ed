package delta

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// ApplyDelta writes the target described by d to dst, copying ranges from
// base. A base whose length differs from d.BaseSize, or a copy that runs past
// its end, yields ErrBaseMismatch. Output whose length or digest differs from
// the recorded target yields ErrChecksumMismatch.
func ApplyDelta(base io.ReadSeeker, d *Delta, dst io.Writer) error {
	var baseLen int64
	if base != nil {
		n, err := base.Seek(0, io.SeekEnd)
		if err != nil {
			return fmt.Errorf("size base: %w", err)
		}
		baseLen = n
	}
	if baseLen != d.BaseSize {
		return fmt.Errorf("%w: base is %d bytes, delta expects %d", ErrBaseMismatch, baseLen, d.BaseSize)
	}

	h := blake3.New()
	out := &countingWriter{w: io.MultiWriter(dst, h)}
	buf := make([]byte, 64*1024)

	for i, op := range d.Ops {
		switch op.Kind {
		case OpCopy:
			if op.Offset < 0 || op.Length < 0 || op.Offset+op.Length > baseLen {
				return fmt.Errorf("%w: op %d copies [%d,%d) from %d-byte base",
					ErrBaseMismatch, i, op.Offset, op.Offset+op.Length, baseLen)
			}
			if _, err := base.Seek(op.Offset, io.SeekStart); err != nil {
				return fmt.Errorf("seek base: %w", err)
			}
			if _, err := io.CopyBuffer(out, io.LimitReader(base, op.Length), buf); err != nil {
				return fmt.Errorf("copy base: %w", err)
			}
		case OpLiteral:
			if _, err := out.Write(op.Data); err != nil {
				return fmt.Errorf("write literal: %w", err)
			}
		default:
			return fmt.Errorf("%w: op %d has kind %d", ErrCorrupt, i, op.Kind)
		}
	}

	if out.n != d.TargetSize {
		return fmt.Errorf("%w: produced %d bytes, expected %d", ErrChecksumMismatch, out.n, d.TargetSize)
	}
	if !bytes.Equal(h.Sum(nil), d.TargetHash[:]) {
		return ErrChecksumMismatch
	}
	return nil
}

// Apply is ApplyDelta over in-memory buffers.
func Apply(base []byte, d *Delta) ([]byte, error) {
	var out bytes.Buffer
	if err := ApplyDelta(bytes.NewReader(base), d, &out); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// IsMismatch reports whether err means the delta and its inputs disagree.
func IsMismatch(err error) bool {
	return errors.Is(err, ErrBaseMismatch) || errors.Is(err, ErrChecksumMismatch)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
