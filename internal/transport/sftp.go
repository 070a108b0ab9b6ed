package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"slices"
	"strings"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/bamsammich/backtrack/internal/meta"
)

var _ Source = (*SFTPSource)(nil)

// SFTPSource reads a remote tree over SFTP, for hosts without a backtrack
// binary. SFTP reports no inode numbers, so hard links are stored as
// independent files.
type SFTPSource struct {
	client *sftp.Client
	ssh    *ssh.Client
	root   string
	label  string
}

// NewSFTPSource opens an SFTP session on sshClient rooted at root. Close
// releases both the SFTP session and sshClient.
func NewSFTPSource(sshClient *ssh.Client, root, label string) (*SFTPSource, error) {
	client, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, fmt.Errorf("sftp client: %w", err)
	}
	if root == "" {
		root = "."
	}
	info, err := client.Stat(root)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("sftp source: %w", err)
	}
	if !info.IsDir() {
		client.Close()
		return nil, fmt.Errorf("sftp source %s is not a directory", root)
	}
	return &SFTPSource{client: client, ssh: sshClient, root: root, label: label}, nil
}

// DialSFTPSource connects to loc over SSH and opens an SFTPSource.
func DialSFTPSource(loc Location, opts SSHOpts) (*SFTPSource, error) {
	client, err := DialSSH(loc.Host, loc.User, opts)
	if err != nil {
		return nil, err
	}
	src, err := NewSFTPSource(client, loc.Path, loc.String())
	if err != nil {
		client.Close()
		return nil, err
	}
	return src, nil
}

func (s *SFTPSource) abs(idx meta.Index) string {
	return path.Join(append([]string{s.root}, idx...)...)
}

func (s *SFTPSource) Records(ctx context.Context, opts ScanOptions) (meta.Iterator, error) {
	w := &sftpWalker{s: s, ctx: ctx, opts: opts, skip: make(map[string]bool)}
	for _, n := range opts.SkipRoot {
		w.skip[n] = true
	}
	return meta.IteratorFunc(w.next, nil), nil
}

type sftpFrame struct {
	idx   meta.Index
	names []string
	pos   int
}

// sftpWalker mirrors meta.Scanner over SFTP: depth-first, children
// sorted by name, directories listed lazily.
type sftpWalker struct {
	s     *SFTPSource
	ctx   context.Context
	opts  ScanOptions
	skip  map[string]bool
	stack []*sftpFrame
	began bool
}

func (w *sftpWalker) next() (*meta.Record, error) {
	if err := w.ctx.Err(); err != nil {
		return nil, err
	}
	if !w.began {
		w.began = true
		rec, err := w.s.stat(meta.Index{})
		if err != nil {
			return nil, fmt.Errorf("scan root: %w", err)
		}
		w.push(rec.Index)
		return rec, nil
	}
	for len(w.stack) > 0 {
		top := w.stack[len(w.stack)-1]
		if top.pos >= len(top.names) {
			w.stack = w.stack[:len(w.stack)-1]
			continue
		}
		name := top.names[top.pos]
		top.pos++
		if len(top.idx) == 0 && w.skip[name] {
			continue
		}
		idx := top.idx.Child(name)
		rec, err := w.s.stat(idx)
		if err != nil {
			w.fail(idx, err)
			continue
		}
		if w.opts.Selector != nil && !w.opts.Selector.Allow(rec) {
			continue
		}
		if rec.IsDir() {
			w.push(idx)
		}
		return rec, nil
	}
	return nil, io.EOF
}

func (w *sftpWalker) push(idx meta.Index) {
	infos, err := w.s.client.ReadDir(w.s.abs(idx))
	if err != nil {
		w.fail(idx, fmt.Errorf("readdir: %w", err))
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name())
	}
	slices.SortFunc(names, strings.Compare)
	w.stack = append(w.stack, &sftpFrame{idx: idx, names: names})
}

func (w *sftpWalker) fail(idx meta.Index, err error) {
	if w.opts.OnError != nil {
		w.opts.OnError(idx, err)
		return
	}
	slog.Warn("scan", "path", idx.String(), "error", err)
}

func (s *SFTPSource) stat(idx meta.Index) (*meta.Record, error) {
	p := s.abs(idx)
	info, err := s.client.Lstat(p)
	if err != nil {
		return nil, err
	}
	rec := meta.FromFileInfo(idx, info)
	rec.Nlink = 1
	if st, ok := info.Sys().(*sftp.FileStat); ok {
		rec.UID, rec.GID = st.UID, st.GID
	}
	if rec.Kind == meta.KindSymlink {
		target, err := s.client.ReadLink(p)
		if err != nil {
			return nil, fmt.Errorf("readlink: %w", err)
		}
		rec.LinkTarget = target
	}
	return rec, nil
}

func (s *SFTPSource) Open(idx meta.Index) (io.ReadCloser, error) {
	return s.client.Open(s.abs(idx))
}

func (s *SFTPSource) Root() string { return s.label }

func (s *SFTPSource) Caps() Capabilities { return Capabilities{Owners: true} }

func (s *SFTPSource) Close() error {
	err := s.client.Close()
	if cerr := s.ssh.Close(); err == nil {
		err = cerr
	}
	return err
}
