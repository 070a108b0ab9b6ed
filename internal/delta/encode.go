package delta

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
)

var magic = [4]byte{'B', 'T', 'D', '1'}

const trailerLen = 8

// MarshalBinary encodes d as: magic, header fields, op count, ops, and a
// trailing big-endian xxHash64 of everything before it. Integers are
// varint-encoded.
func (d *Delta) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(magic[:])

	var tmp [binary.MaxVarintLen64]byte
	putU := func(v uint64) { buf.Write(tmp[:binary.PutUvarint(tmp[:], v)]) }
	putI := func(v int64) { buf.Write(tmp[:binary.PutVarint(tmp[:], v)]) }

	putU(uint64(d.BlockSize)) //nolint:gosec // G115: block size is positive
	putI(d.BaseSize)
	buf.Write(d.BaseHash[:])
	putI(d.TargetSize)
	buf.Write(d.TargetHash[:])
	putU(uint64(len(d.Ops)))

	for _, op := range d.Ops {
		buf.WriteByte(byte(op.Kind))
		switch op.Kind {
		case OpCopy:
			putI(op.Offset)
			putI(op.Length)
		case OpLiteral:
			putU(uint64(len(op.Data)))
			buf.Write(op.Data)
		default:
			return nil, fmt.Errorf("marshal delta: unknown op kind %d", op.Kind)
		}
	}

	var sum [trailerLen]byte
	binary.BigEndian.PutUint64(sum[:], xxhash.Sum64(buf.Bytes()))
	buf.Write(sum[:])
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes the format written by MarshalBinary. Any
// truncation, trailing garbage or checksum failure yields ErrCorrupt.
func (d *Delta) UnmarshalBinary(data []byte) error {
	if len(data) < len(magic)+trailerLen || !bytes.Equal(data[:len(magic)], magic[:]) {
		return fmt.Errorf("%w: bad header", ErrCorrupt)
	}
	body := data[:len(data)-trailerLen]
	if xxhash.Sum64(body) != binary.BigEndian.Uint64(data[len(body):]) {
		return fmt.Errorf("%w: checksum", ErrCorrupt)
	}

	r := bytes.NewReader(body[len(magic):])
	var out Delta
	fail := func(what string, err error) error {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, what, err)
	}

	bs, err := binary.ReadUvarint(r)
	if err != nil {
		return fail("block size", err)
	}
	out.BlockSize = int(bs) //nolint:gosec // G115: validated below
	if out.BlockSize <= 0 || out.BlockSize > maxBlockSize {
		return fmt.Errorf("%w: block size %d", ErrCorrupt, bs)
	}
	if out.BaseSize, err = binary.ReadVarint(r); err != nil {
		return fail("base size", err)
	}
	if _, err = io.ReadFull(r, out.BaseHash[:]); err != nil {
		return fail("base hash", err)
	}
	if out.TargetSize, err = binary.ReadVarint(r); err != nil {
		return fail("target size", err)
	}
	if _, err = io.ReadFull(r, out.TargetHash[:]); err != nil {
		return fail("target hash", err)
	}
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return fail("op count", err)
	}
	if count > uint64(r.Len()) {
		return fmt.Errorf("%w: op count %d exceeds payload", ErrCorrupt, count)
	}

	out.Ops = make([]Op, 0, count)
	for i := range count {
		kind, err := r.ReadByte()
		if err != nil {
			return fail("op kind", err)
		}
		op := Op{Kind: OpKind(kind)}
		switch op.Kind {
		case OpCopy:
			if op.Offset, err = binary.ReadVarint(r); err != nil {
				return fail("copy offset", err)
			}
			if op.Length, err = binary.ReadVarint(r); err != nil {
				return fail("copy length", err)
			}
			if op.Offset < 0 || op.Length <= 0 {
				return fmt.Errorf("%w: op %d copies [%d,+%d)", ErrCorrupt, i, op.Offset, op.Length)
			}
		case OpLiteral:
			n, err := binary.ReadUvarint(r)
			if err != nil {
				return fail("literal length", err)
			}
			if n > uint64(r.Len()) {
				return fmt.Errorf("%w: literal of %d bytes exceeds payload", ErrCorrupt, n)
			}
			op.Data = make([]byte, n)
			if _, err := io.ReadFull(r, op.Data); err != nil {
				return fail("literal data", err)
			}
			op.Length = int64(n) //nolint:gosec // G115: bounded by payload length
		default:
			return fmt.Errorf("%w: op %d has kind %d", ErrCorrupt, i, kind)
		}
		out.Ops = append(out.Ops, op)
	}
	if r.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, r.Len())
	}
	*d = out
	return nil
}

// Decode parses an encoded delta.
func Decode(data []byte) (*Delta, error) {
	var d Delta
	if err := d.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &d, nil
}
