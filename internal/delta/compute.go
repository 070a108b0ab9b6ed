package delta

import (
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

const readChunk = 256 * 1024

// ComputeDelta reads base to build a signature, then matches target against
// it. baseSize is a hint used to pick the block size.
func ComputeDelta(base io.Reader, baseSize int64, target io.Reader) (*Delta, error) {
	sig, err := ComputeSignature(base, baseSize)
	if err != nil {
		return nil, err
	}
	return ComputeDeltaFromSignature(sig, target)
}

// ComputeDeltaFromSignature streams target once, emitting copy ops for every
// block that appears in the signature at any offset and literal ops for the
// rest. Adjacent copies are merged and adjacent literals coalesced.
func ComputeDeltaFromSignature(sig *Signature, target io.Reader) (*Delta, error) {
	m := &matcher{
		sig:   sig,
		index: sig.index(),
		src:   target,
		hash:  blake3.New(),
		buf:   make([]byte, 0, 2*sig.BlockSize+readChunk),
		d: &Delta{
			BlockSize: sig.BlockSize,
			BaseSize:  sig.BaseSize,
			BaseHash:  sig.BaseHash,
		},
	}
	if n := len(sig.Blocks); n > 0 && sig.Blocks[n-1].Length < sig.BlockSize {
		m.tailLen = sig.Blocks[n-1].Length
	}
	if err := m.run(); err != nil {
		return nil, err
	}
	copy(m.d.TargetHash[:], m.hash.Sum(nil))
	return m.d, nil
}

type matcher struct {
	sig     *Signature
	index   map[uint32][]int
	tailLen int

	src  io.Reader
	eof  bool
	hash *blake3.Hasher

	// buf[lit:pos] is pending literal data; the window starts at pos.
	buf []byte
	lit int
	pos int

	d *Delta
}

//nolint:gocyclo,revive // cognitive-complexity: rolling window with refill and tail shrink
func (m *matcher) run() error {
	bs := m.sig.BlockSize
	var (
		rs      rollsum
		rolling bool
	)
	for {
		// Keep one byte beyond the window available for rolling.
		for len(m.buf)-m.pos <= bs && !m.eof {
			if err := m.fill(); err != nil {
				return err
			}
		}
		n := min(bs, len(m.buf)-m.pos)
		if n == 0 {
			break
		}
		window := m.buf[m.pos : m.pos+n]
		if !rolling {
			rs.init(window)
			rolling = true
		}

		if n == bs || n == m.tailLen {
			if blk, ok := m.lookup(rs.digest(), window); ok {
				m.d.addLiteral(m.buf[m.lit:m.pos])
				m.d.addCopy(m.sig.Blocks[blk].Offset, int64(n))
				m.pos += n
				m.lit = m.pos
				rolling = false
				continue
			}
		}

		if m.pos+n < len(m.buf) {
			rs.roll(m.buf[m.pos], m.buf[m.pos+n])
		} else {
			rs.shrink(m.buf[m.pos])
		}
		m.pos++
	}
	m.d.addLiteral(m.buf[m.lit:m.pos])
	return nil
}

// lookup confirms a weak hit with the strong checksum. Among equal blocks it
// prefers the one that extends the previous copy.
func (m *matcher) lookup(weak uint32, window []byte) (int, bool) {
	cands, ok := m.index[weak]
	if !ok {
		return 0, false
	}
	var (
		strong   [32]byte
		computed bool
		found    = -1
	)
	var next int64 = -1
	if k := len(m.d.Ops); k > 0 && m.d.Ops[k-1].Kind == OpCopy && m.lit == m.pos {
		next = m.d.Ops[k-1].Offset + m.d.Ops[k-1].Length
	}
	for _, c := range cands {
		b := m.sig.Blocks[c]
		if b.Length != len(window) {
			continue
		}
		if !computed {
			strong = blake3.Sum256(window)
			computed = true
		}
		if b.Strong != strong {
			continue
		}
		if b.Offset == next {
			return c, true
		}
		if found < 0 {
			found = c
		}
	}
	return found, found >= 0
}

// fill moves bytes behind the window into the delta as literal data, compacts
// the buffer and reads more target data.
func (m *matcher) fill() error {
	if m.pos > 0 {
		m.d.addLiteral(m.buf[m.lit:m.pos])
		rest := copy(m.buf, m.buf[m.pos:])
		m.buf = m.buf[:rest]
		m.pos, m.lit = 0, 0
	}
	if cap(m.buf)-len(m.buf) < readChunk {
		grown := make([]byte, len(m.buf), 2*cap(m.buf)+readChunk)
		copy(grown, m.buf)
		m.buf = grown
	}
	n, err := m.src.Read(m.buf[len(m.buf):cap(m.buf)])
	if n > 0 {
		_, _ = m.hash.Write(m.buf[len(m.buf) : len(m.buf)+n])
		m.buf = m.buf[:len(m.buf)+n]
		m.d.TargetSize += int64(n)
	}
	switch {
	case err == io.EOF:
		m.eof = true
	case err != nil:
		return fmt.Errorf("read target: %w", err)
	}
	return nil
}
