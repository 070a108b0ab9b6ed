// Package delta computes and applies rsync-style binary deltas.
//
// A delta turns a base stream into a target stream using copy instructions
// that reference ranges of the base and literal instructions that carry new
// bytes. The delta records the length and BLAKE3 digest of both streams so
// that application can detect a wrong base or a corrupted result.
package delta

import (
	"errors"
	"math"
)

var (
	// ErrBaseMismatch means the base offered to ApplyDelta is not the one
	// the delta was computed against.
	ErrBaseMismatch = errors.New("delta base mismatch")
	// ErrChecksumMismatch means the reconstructed output does not match the
	// recorded target digest.
	ErrChecksumMismatch = errors.New("delta output checksum mismatch")
	// ErrCorrupt means an encoded delta failed structural or checksum
	// validation.
	ErrCorrupt = errors.New("corrupt delta encoding")
)

const (
	minBlockSize = 512
	maxBlockSize = 128 * 1024
)

// ChooseBlockSize selects a block size for a base of the given length.
// Uses sqrt(size) clamped to [512, 128KB].
func ChooseBlockSize(size int64) int {
	bs := int(math.Sqrt(float64(max(size, 0))))
	return min(max(bs, minBlockSize), maxBlockSize)
}

// OpKind distinguishes copy and literal instructions.
type OpKind uint8

const (
	OpCopy OpKind = iota + 1
	OpLiteral
)

// Op is a single instruction. Copy ops reference [Offset, Offset+Length) of
// the base; literal ops carry Data.
type Op struct {
	Kind   OpKind
	Offset int64
	Length int64
	Data   []byte
}

// Delta is a complete instruction list plus the identity of both streams.
type Delta struct {
	BlockSize  int
	BaseSize   int64
	BaseHash   [32]byte
	TargetSize int64
	TargetHash [32]byte
	Ops        []Op
}

// Stats returns the bytes reproduced from the base and the literal bytes
// carried by d.
func (d *Delta) Stats() (copied, literal int64) {
	for _, op := range d.Ops {
		if op.Kind == OpCopy {
			copied += op.Length
		} else {
			literal += int64(len(op.Data))
		}
	}
	return copied, literal
}

func (d *Delta) addCopy(offset, length int64) {
	if n := len(d.Ops); n > 0 {
		last := &d.Ops[n-1]
		if last.Kind == OpCopy && last.Offset+last.Length == offset {
			last.Length += length
			return
		}
	}
	d.Ops = append(d.Ops, Op{Kind: OpCopy, Offset: offset, Length: length})
}

func (d *Delta) addLiteral(p []byte) {
	if len(p) == 0 {
		return
	}
	if n := len(d.Ops); n > 0 {
		last := &d.Ops[n-1]
		if last.Kind == OpLiteral {
			last.Data = append(last.Data, p...)
			last.Length = int64(len(last.Data))
			return
		}
	}
	data := append([]byte(nil), p...)
	d.Ops = append(d.Ops, Op{Kind: OpLiteral, Length: int64(len(data)), Data: data})
}
