package delta

import (
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// BlockSignature holds the weak and strong checksums of one base block.
type BlockSignature struct {
	Offset int64
	Length int
	Weak   uint32
	Strong [32]byte
}

// Signature describes a base stream block by block.
type Signature struct {
	BlockSize int
	BaseSize  int64
	BaseHash  [32]byte
	Blocks    []BlockSignature
}

// ComputeSignature reads r to the end. sizeHint picks the block size; the
// recorded BaseSize is the number of bytes actually read.
func ComputeSignature(r io.Reader, sizeHint int64) (*Signature, error) {
	bs := ChooseBlockSize(sizeHint)
	sig := &Signature{BlockSize: bs}
	whole := blake3.New()

	buf := make([]byte, bs)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			block := buf[:n]
			_, _ = whole.Write(block)
			sig.Blocks = append(sig.Blocks, BlockSignature{
				Offset: sig.BaseSize,
				Length: n,
				Weak:   weakSum(block),
				Strong: blake3.Sum256(block),
			})
			sig.BaseSize += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("signature: %w", err)
		}
	}
	copy(sig.BaseHash[:], whole.Sum(nil))
	return sig, nil
}

// index maps weak checksums to candidate blocks.
func (s *Signature) index() map[uint32][]int {
	idx := make(map[uint32][]int, len(s.Blocks))
	for i, b := range s.Blocks {
		idx[b.Weak] = append(idx[b.Weak], i)
	}
	return idx
}
