package transport_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/backtrack/internal/transport"
)

func TestFrameReader_Sequence(t *testing.T) {
	t.Parallel()

	sent := []transport.Frame{
		{ID: 1, Type: 1, Payload: []byte("stat docs/readme")},
		{ID: 300, Type: 13},
		{ID: 1<<32 - 1, Type: 10, Payload: bytes.Repeat([]byte{0xab}, transport.DataChunkSize)},
	}
	var buf bytes.Buffer
	for _, f := range sent {
		require.NoError(t, transport.WriteFrame(&buf, f))
	}

	frames := transport.NewFrameReader(&buf)
	for _, want := range sent {
		got, err := frames.Next()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := frames.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestWriteFrame_TooLarge(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	err := transport.WriteFrame(&buf, transport.Frame{ID: 1, Type: 10, Payload: make([]byte, transport.MaxFrameSize)})
	require.ErrorIs(t, err, transport.ErrFrameTooLarge)
	assert.Zero(t, buf.Len())
}

func TestFrameReader_Malformed(t *testing.T) {
	t.Parallel()

	var whole bytes.Buffer
	require.NoError(t, transport.WriteFrame(&whole, transport.Frame{ID: 9, Type: 2, Payload: []byte("abcdef")}))

	tests := map[string]struct {
		input []byte
		want  error
	}{
		"oversized length": {
			input: binary.AppendUvarint(nil, transport.MaxFrameSize+1),
			want:  transport.ErrFrameTooLarge,
		},
		"truncated body": {
			input: whole.Bytes()[:whole.Len()-2],
			want:  io.ErrUnexpectedEOF,
		},
		"truncated length": {
			input: []byte{0x80},
			want:  io.ErrUnexpectedEOF,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := transport.NewFrameReader(bytes.NewReader(tt.input)).Next()
			assert.ErrorIs(t, err, tt.want)
		})
	}

	// A length too short to hold the type and request id.
	_, err := transport.NewFrameReader(bytes.NewReader([]byte{1, 5})).Next()
	assert.ErrorContains(t, err, "too small")
}
