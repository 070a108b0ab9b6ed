package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/bamsammich/backtrack/internal/meta"
	"github.com/bamsammich/backtrack/internal/security"
)

const (
	maxBatchRecords = 4096
	maxBatchBytes   = 1 << 20
)

// ServeOptions configures ServeSource.
type ServeOptions struct {
	// Compress wraps the stream in zstd; the client must agree.
	Compress bool
	// Policy restricts what the peer may list and read.
	Policy *security.Policy
}

// ServeSource answers a RemoteSource on rw, serving the tree at root, until
// the peer hangs up or ctx is cancelled.
func ServeSource(ctx context.Context, root string, rw io.ReadWriteCloser, opts ServeOptions) error {
	src, err := NewLocalSource(root)
	if err != nil {
		return err
	}
	if opts.Compress {
		if rw, err = NewCompressedStream(rw); err != nil {
			return err
		}
	}
	srv := &server{
		src:    src,
		rw:     rw,
		policy: opts.Policy,
		lists:  make(map[uint32]*serverList),
		files:  make(map[uint32]io.ReadCloser),
	}
	srv.fl, _ = rw.(flusher)

	stop := context.AfterFunc(ctx, func() { rw.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		srv.closeAll()
	}()
	frames := NewFrameReader(rw)
	for {
		f, err := frames.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("serve: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			srv.handle(ctx, f)
		}()
	}
}

type server struct {
	src    *LocalSource
	rw     io.ReadWriteCloser
	fl     flusher
	policy *security.Policy

	wmu sync.Mutex

	mu    sync.Mutex
	next  uint32
	lists map[uint32]*serverList
	files map[uint32]io.ReadCloser
}

type serverList struct {
	mu      sync.Mutex
	it      meta.Iterator
	skipped []skipped
}

func (s *server) handle(ctx context.Context, f Frame) {
	typ, resp, err := s.dispatch(ctx, f)
	if err != nil {
		typ, resp = msgError, toErrorResp(err)
	}
	s.reply(f.ID, typ, resp)
}

func (s *server) reply(id uint32, typ byte, v any) {
	payload, err := encode(v)
	if err != nil {
		typ = msgError
		payload, _ = encode(toErrorResp(err))
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := WriteFrame(s.rw, Frame{ID: id, Type: typ, Payload: payload}); err != nil {
		slog.Debug("serve reply", "error", err)
		return
	}
	if s.fl != nil {
		if err := s.fl.Flush(); err != nil {
			slog.Debug("serve flush", "error", err)
		}
	}
}

func (s *server) dispatch(ctx context.Context, f Frame) (byte, any, error) {
	switch f.Type {
	case msgHello:
		var req helloReq
		if err := decode(f.Payload, &req); err != nil {
			return 0, nil, err
		}
		if req.Version != ProtocolVersion {
			return 0, nil, fmt.Errorf("protocol version %d not supported (want %d)", req.Version, ProtocolVersion)
		}
		return msgHelloResp, helloResp{Version: ProtocolVersion, Root: s.src.Root(), Caps: s.src.Caps()}, nil

	case msgList:
		var req listReq
		if err := decode(f.Payload, &req); err != nil {
			return 0, nil, err
		}
		return s.openList(ctx, req)

	case msgListNext:
		var req listNextReq
		if err := decode(f.Payload, &req); err != nil {
			return 0, nil, err
		}
		return s.nextBatch(req)

	case msgCloseList:
		var req handleMsg
		if err := decode(f.Payload, &req); err != nil {
			return 0, nil, err
		}
		s.mu.Lock()
		l := s.lists[req.Handle]
		delete(s.lists, req.Handle)
		s.mu.Unlock()
		if l != nil {
			l.it.Close()
		}
		return msgAck, struct{}{}, nil

	case msgOpen:
		var req openReq
		if err := decode(f.Payload, &req); err != nil {
			return 0, nil, err
		}
		return s.openFile(req.Index)

	case msgRead:
		var req readReq
		if err := decode(f.Payload, &req); err != nil {
			return 0, nil, err
		}
		return s.read(req)

	case msgCloseFile:
		var req handleMsg
		if err := decode(f.Payload, &req); err != nil {
			return 0, nil, err
		}
		s.mu.Lock()
		rc := s.files[req.Handle]
		delete(s.files, req.Handle)
		s.mu.Unlock()
		if rc != nil {
			rc.Close()
		}
		return msgAck, struct{}{}, nil
	}
	return 0, nil, fmt.Errorf("unknown message type %d", f.Type)
}

func (s *server) openList(ctx context.Context, req listReq) (byte, any, error) {
	if err := s.policy.Check(security.OpList, s.src.Root()); err != nil {
		return 0, nil, err
	}
	l := &serverList{}
	it, err := s.src.Records(ctx, ScanOptions{
		SkipRoot: req.SkipRoot,
		Xattrs:   req.Xattrs,
		Names:    req.Names,
		OnError: func(idx meta.Index, err error) {
			l.skipped = append(l.skipped, skipped{Index: idx, Message: err.Error()})
		},
	})
	if err != nil {
		return 0, nil, err
	}
	l.it = it

	s.mu.Lock()
	s.next++
	h := s.next
	s.lists[h] = l
	s.mu.Unlock()
	return msgListResp, handleMsg{Handle: h}, nil
}

func (s *server) nextBatch(req listNextReq) (byte, any, error) {
	s.mu.Lock()
	l := s.lists[req.Handle]
	s.mu.Unlock()
	if l == nil {
		return 0, nil, fmt.Errorf("unknown listing %d", req.Handle)
	}
	limit := req.Max
	if limit <= 0 || limit > maxBatchRecords {
		limit = maxBatchRecords
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	var (
		batch recordBatch
		size  int
	)
	for len(batch.Records) < limit && size < maxBatchBytes {
		rec, err := l.it.Next()
		if errors.Is(err, io.EOF) {
			batch.Done = true
			break
		}
		if err != nil {
			return 0, nil, err
		}
		batch.Records = append(batch.Records, rec)
		size += recordSize(rec)
	}
	batch.Skipped, l.skipped = l.skipped, nil

	if batch.Done {
		s.mu.Lock()
		delete(s.lists, req.Handle)
		s.mu.Unlock()
		l.it.Close()
	}
	return msgRecords, batch, nil
}

// recordSize estimates a record's encoded size.
func recordSize(rec *meta.Record) int {
	n := 128 + len(rec.LinkTarget) + len(rec.ACL) + len(rec.Hash)
	for _, c := range rec.Index {
		n += len(c) + 2
	}
	for k, v := range rec.Xattrs {
		n += len(k) + len(v) + 4
	}
	return n
}

func (s *server) openFile(idx meta.Index) (byte, any, error) {
	if !validIndex(idx) {
		return 0, nil, fmt.Errorf("invalid path %q", idx.String())
	}
	if err := s.policy.Check(security.OpRead, filepath.Join(s.src.Root(), idx.Path())); err != nil {
		return 0, nil, err
	}
	rc, err := s.src.Open(idx)
	if err != nil {
		return 0, nil, err
	}
	s.mu.Lock()
	s.next++
	h := s.next
	s.files[h] = rc
	s.mu.Unlock()
	return msgOpenResp, handleMsg{Handle: h}, nil
}

func (s *server) read(req readReq) (byte, any, error) {
	s.mu.Lock()
	rc := s.files[req.Handle]
	s.mu.Unlock()
	if rc == nil {
		return 0, nil, fmt.Errorf("unknown file handle %d", req.Handle)
	}
	size := req.Size
	if size <= 0 || size > DataChunkSize {
		size = DataChunkSize
	}
	buf := make([]byte, size)
	n, err := io.ReadFull(rc, buf)
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return msgData, dataResp{Data: buf[:n], EOF: true}, nil
	case err != nil:
		return 0, nil, err
	}
	return msgData, dataResp{Data: buf[:n]}, nil
}

func (s *server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for h, l := range s.lists {
		l.it.Close()
		delete(s.lists, h)
	}
	for h, rc := range s.files {
		rc.Close()
		delete(s.files, h)
	}
}
