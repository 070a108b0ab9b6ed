package transport

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// flusher is implemented by streams that buffer writes and need an explicit
// flush before the peer can see them.
type flusher interface {
	Flush() error
}

// compressedStream wraps a duplex stream with zstd streaming compression in
// both directions.
type compressedStream struct {
	rw      io.ReadWriteCloser
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCompressedStream wraps rw with zstd compression. Both peers must wrap
// their ends. The encoder runs single-threaded at the fastest level.
func NewCompressedStream(rw io.ReadWriteCloser) (io.ReadWriteCloser, error) {
	encoder, err := zstd.NewWriter(rw,
		zstd.WithEncoderLevel(zstd.SpeedFastest),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}

	decoder, err := zstd.NewReader(rw)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}

	return &compressedStream{rw: rw, encoder: encoder, decoder: decoder}, nil
}

func (c *compressedStream) Read(p []byte) (int, error) {
	return c.decoder.Read(p)
}

func (c *compressedStream) Write(p []byte) (int, error) {
	return c.encoder.Write(p)
}

// Flush emits a syncable zstd frame so the peer can decode everything
// written so far.
func (c *compressedStream) Flush() error {
	return c.encoder.Flush()
}

// Close shuts down the encoder, closes the underlying stream to unblock the
// decoder, then releases the decoder.
func (c *compressedStream) Close() error {
	c.encoder.Close()
	err := c.rw.Close()
	c.decoder.Close()
	return err
}
