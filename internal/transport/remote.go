package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bamsammich/backtrack/internal/meta"
)

const listBatch = 1024

var _ Source = (*RemoteSource)(nil)

// RemoteSource reads a tree served by ServeSource on the other end of a
// duplex stream. Requests may be issued concurrently; each waits for its
// own response.
type RemoteSource struct {
	rw io.ReadWriteCloser
	fl flusher

	wmu sync.Mutex

	mu      sync.Mutex
	pending map[uint32]chan Frame
	readErr error
	nextID  atomic.Uint32

	ctx    context.Context
	cancel context.CancelFunc

	root string
	caps Capabilities

	closeOnce sync.Once
	closeErr  error
}

// NewRemoteSource performs the handshake on rw and returns a source backed
// by it. When compress is set both ends speak zstd.
func NewRemoteSource(ctx context.Context, rw io.ReadWriteCloser, compress bool) (*RemoteSource, error) {
	if compress {
		var err error
		if rw, err = NewCompressedStream(rw); err != nil {
			return nil, err
		}
	}
	r := &RemoteSource{rw: rw, pending: make(map[uint32]chan Frame)}
	r.fl, _ = rw.(flusher)
	r.ctx, r.cancel = context.WithCancel(context.Background())
	go r.readLoop()

	var resp helloResp
	if err := r.call(ctx, msgHello, helloReq{Version: ProtocolVersion}, msgHelloResp, &resp); err != nil {
		r.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	if resp.Version != ProtocolVersion {
		r.Close()
		return nil, fmt.Errorf("handshake: peer speaks protocol %d, want %d", resp.Version, ProtocolVersion)
	}
	r.root, r.caps = resp.Root, resp.Caps
	return r, nil
}

func (r *RemoteSource) readLoop() {
	frames := NewFrameReader(r.rw)
	for {
		f, err := frames.Next()
		if err != nil {
			r.mu.Lock()
			r.readErr = err
			pending := r.pending
			r.pending = nil
			r.mu.Unlock()
			for _, ch := range pending {
				close(ch)
			}
			return
		}
		r.mu.Lock()
		ch, ok := r.pending[f.ID]
		delete(r.pending, f.ID)
		r.mu.Unlock()
		if ok {
			ch <- f
		}
	}
}

func (r *RemoteSource) closedErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.readErr != nil && !errors.Is(r.readErr, io.EOF) {
		return fmt.Errorf("%w: %w", ErrClosed, r.readErr)
	}
	return ErrClosed
}

func (r *RemoteSource) forget(id uint32) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// call sends one request and decodes its response into resp.
func (r *RemoteSource) call(ctx context.Context, typ byte, req any, want byte, resp any) error {
	payload, err := encode(req)
	if err != nil {
		return err
	}
	id := r.nextID.Add(1)
	ch := make(chan Frame, 1)

	r.mu.Lock()
	if r.pending == nil {
		r.mu.Unlock()
		return r.closedErr()
	}
	r.pending[id] = ch
	r.mu.Unlock()

	r.wmu.Lock()
	err = WriteFrame(r.rw, Frame{ID: id, Type: typ, Payload: payload})
	if err == nil && r.fl != nil {
		err = r.fl.Flush()
	}
	r.wmu.Unlock()
	if err != nil {
		r.forget(id)
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}

	select {
	case f, ok := <-ch:
		if !ok {
			return r.closedErr()
		}
		switch f.Type {
		case want:
			if resp == nil {
				return nil
			}
			return decode(f.Payload, resp)
		case msgError:
			var e errorResp
			if err := decode(f.Payload, &e); err != nil {
				return err
			}
			return &RemoteError{Message: e.Message, notExist: e.NotExist}
		}
		return fmt.Errorf("unexpected message type %d", f.Type)
	case <-ctx.Done():
		r.forget(id)
		return ctx.Err()
	}
}

func (r *RemoteSource) Records(ctx context.Context, opts ScanOptions) (meta.Iterator, error) {
	var h handleMsg
	req := listReq{SkipRoot: opts.SkipRoot, Xattrs: opts.Xattrs && r.caps.Xattrs, Names: opts.Names}
	if err := r.call(ctx, msgList, req, msgListResp, &h); err != nil {
		return nil, fmt.Errorf("list %s: %w", r.root, err)
	}
	it := &remoteIterator{r: r, ctx: ctx, handle: h.Handle, onError: opts.OnError}
	return meta.Select(it, opts.Selector), nil
}

type remoteIterator struct {
	r       *RemoteSource
	ctx     context.Context
	handle  uint32
	onError func(meta.Index, error)
	buf     []*meta.Record
	done    bool
}

func (it *remoteIterator) Next() (*meta.Record, error) {
	for len(it.buf) == 0 {
		if it.done {
			return nil, io.EOF
		}
		var b recordBatch
		if err := it.r.call(it.ctx, msgListNext, listNextReq{Handle: it.handle, Max: listBatch}, msgRecords, &b); err != nil {
			return nil, fmt.Errorf("list: %w", err)
		}
		for _, s := range b.Skipped {
			if it.onError != nil {
				it.onError(s.Index, &RemoteError{Message: s.Message})
			} else {
				slog.Warn("scan", "path", s.Index.String(), "error", s.Message)
			}
		}
		it.buf, it.done = b.Records, b.Done
	}
	rec := it.buf[0]
	it.buf = it.buf[1:]
	if !rec.Kind.Valid() {
		return nil, fmt.Errorf("list: %s has invalid kind %d", rec.Index, rec.Kind)
	}
	if rec.Index == nil {
		rec.Index = meta.Index{}
	}
	return rec, nil
}

func (it *remoteIterator) Close() error {
	if it.done {
		return nil
	}
	it.done = true
	it.buf = nil
	return it.r.call(it.r.ctx, msgCloseList, handleMsg{Handle: it.handle}, msgAck, nil)
}

func (r *RemoteSource) Open(idx meta.Index) (io.ReadCloser, error) {
	var h handleMsg
	if err := r.call(r.ctx, msgOpen, openReq{Index: idx}, msgOpenResp, &h); err != nil {
		return nil, fmt.Errorf("open %s: %w", idx, err)
	}
	return &remoteFile{r: r, handle: h.Handle}, nil
}

type remoteFile struct {
	r      *RemoteSource
	handle uint32
	buf    []byte
	eof    bool
	closed bool
}

func (f *remoteFile) Read(p []byte) (int, error) {
	for len(f.buf) == 0 {
		if f.eof {
			return 0, io.EOF
		}
		var d dataResp
		if err := f.r.call(f.r.ctx, msgRead, readReq{Handle: f.handle, Size: DataChunkSize}, msgData, &d); err != nil {
			return 0, err
		}
		f.buf, f.eof = d.Data, d.EOF
	}
	n := copy(p, f.buf)
	f.buf = f.buf[n:]
	return n, nil
}

func (f *remoteFile) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	return f.r.call(f.r.ctx, msgCloseFile, handleMsg{Handle: f.handle}, msgAck, nil)
}

func (r *RemoteSource) Root() string { return r.root }

func (r *RemoteSource) Caps() Capabilities { return r.caps }

// Close ends the session. Outstanding calls fail with ErrClosed.
func (r *RemoteSource) Close() error {
	r.closeOnce.Do(func() {
		r.cancel()
		r.closeErr = r.rw.Close()
	})
	return r.closeErr
}
