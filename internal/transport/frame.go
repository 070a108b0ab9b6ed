package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxFrameSize bounds the encoded size of one frame after its length
	// prefix.
	MaxFrameSize = 4 << 20

	// DataChunkSize is the most file content carried by one frame.
	DataChunkSize = 256 << 10
)

// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Frame is one request or response. Responses reuse the request's ID.
//
// On the wire a frame is [uvarint n][type][uvarint id][payload], where n
// counts every byte after itself.
type Frame struct {
	Payload []byte
	ID      uint32
	Type    byte
}

// WriteFrame encodes f to w in a single Write.
func WriteFrame(w io.Writer, f Frame) error {
	var hdr [1 + binary.MaxVarintLen32]byte
	hdr[0] = f.Type
	h := 1 + binary.PutUvarint(hdr[1:], uint64(f.ID))

	n := h + len(f.Payload)
	if n > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 0, binary.MaxVarintLen32+n)
	buf = binary.AppendUvarint(buf, uint64(n))
	buf = append(buf, hdr[:h]...)
	buf = append(buf, f.Payload...)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// FrameReader decodes consecutive frames from a stream.
type FrameReader struct {
	r *bufio.Reader
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, 64<<10)}
}

// Next returns the following frame. A stream that ends cleanly between
// frames returns io.EOF; one that ends inside a frame returns
// io.ErrUnexpectedEOF.
func (fr *FrameReader) Next() (Frame, error) {
	n, err := binary.ReadUvarint(fr.r)
	if err != nil {
		return Frame{}, err
	}
	if n > MaxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}
	if n < 2 {
		return Frame{}, fmt.Errorf("frame too small: length %d", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, fmt.Errorf("read frame: %w", err)
	}
	id, k := binary.Uvarint(body[1:])
	if k <= 0 || id > 1<<32-1 {
		return Frame{}, errors.New("read frame: bad request id")
	}
	f := Frame{ID: uint32(id), Type: body[0]}
	if rest := body[1+k:]; len(rest) > 0 {
		f.Payload = rest
	}
	return f, nil
}
