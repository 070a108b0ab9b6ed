package meta

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 16,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Marshal encodes v with the deterministic CBOR mode used for all on-disk
// and on-wire metadata.
func Marshal(v any) ([]byte, error) { return encMode.Marshal(v) }

// Unmarshal decodes CBOR produced by Marshal.
func Unmarshal(data []byte, v any) error { return decMode.Unmarshal(data, v) }

// Writer streams records as a sequence of CBOR items.
type Writer struct {
	enc  *cbor.Encoder
	last Index
	n    int
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: encMode.NewEncoder(w)}
}

// Encode writes an arbitrary CBOR item, used for stream headers.
func (w *Writer) Encode(v any) error {
	return w.enc.Encode(v)
}

// Write appends rec. Records must arrive in increasing Index order.
func (w *Writer) Write(rec *Record) error {
	if w.n > 0 && !w.last.Less(rec.Index) {
		return fmt.Errorf("metadata out of order: %s after %s", rec.Index, w.last)
	}
	if err := w.enc.Encode(rec); err != nil {
		return fmt.Errorf("encode %s: %w", rec.Index, err)
	}
	w.last = rec.Index
	w.n++
	return nil
}

// Count returns the number of records written.
func (w *Writer) Count() int { return w.n }

// Reader iterates records from a CBOR stream written by Writer.
type Reader struct {
	dec    *cbor.Decoder
	closer io.Closer
}

// NewReader reads records from r. If r is an io.Closer it is closed by Close.
func NewReader(r io.Reader) *Reader {
	rd := &Reader{dec: decMode.NewDecoder(r)}
	if c, ok := r.(io.Closer); ok {
		rd.closer = c
	}
	return rd
}

// Decode reads an arbitrary CBOR item, used for stream headers.
func (r *Reader) Decode(v any) error {
	return r.dec.Decode(v)
}

func (r *Reader) Next() (*Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if !rec.Kind.Valid() {
		return nil, fmt.Errorf("decode record %s: invalid kind %d", rec.Index, rec.Kind)
	}
	if rec.Index == nil {
		rec.Index = Index{}
	}
	return &rec, nil
}

func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
