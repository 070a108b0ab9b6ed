package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/multierr"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHOpts configures SSH connections and the remote serve process.
type SSHOpts struct {
	Port     int    // 0 = 22
	KeyFile  string // empty = try ~/.ssh defaults
	Password string // empty = skip password auth
	// Binary is the backtrack executable on the remote host.
	Binary string
	// Compress runs the remote protocol through zstd.
	Compress bool
}

// DialSSH establishes an SSH connection to host as userName.
//
// Auth methods are tried in order:
//  1. SSH agent (if SSH_AUTH_SOCK is set)
//  2. SSHOpts.KeyFile, or ~/.ssh/id_ed25519, id_ecdsa, id_rsa
//  3. SSHOpts.Password
func DialSSH(host, userName string, opts SSHOpts) (*ssh.Client, error) {
	if userName == "" {
		u, err := user.Current()
		if err != nil {
			return nil, fmt.Errorf("determine current user: %w", err)
		}
		userName = u.Username
	}
	port := opts.Port
	if port == 0 {
		port = 22
	}

	auth := authMethods(opts)
	if len(auth) == 0 {
		return nil, fmt.Errorf("no SSH auth methods available (set SSH_AUTH_SOCK, provide a key, or password)")
	}

	hostKey, err := knownHostsCallback()
	if err != nil {
		slog.Warn("known_hosts unavailable; host key not verified", "error", err)
		//nolint:gosec // fallback for systems without known_hosts
		hostKey = ssh.InsecureIgnoreHostKey()
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            userName,
		Auth:            auth,
		HostKeyCallback: hostKey,
	})
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	return client, nil
}

func authMethods(opts SSHOpts) []ssh.AuthMethod {
	var methods []ssh.AuthMethod

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	keys := []string{opts.KeyFile}
	if opts.KeyFile == "" {
		keys = nil
		if home, err := os.UserHomeDir(); err == nil {
			for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
				keys = append(keys, filepath.Join(home, ".ssh", name))
			}
		}
	}
	for _, k := range keys {
		if m := keyFileAuth(k); m != nil {
			methods = append(methods, m)
		}
	}

	if opts.Password != "" {
		methods = append(methods, ssh.Password(opts.Password))
	}
	return methods
}

func keyFileAuth(path string) ssh.AuthMethod {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil
	}
	return ssh.PublicKeys(signer)
}

func knownHostsCallback() (ssh.HostKeyCallback, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return knownhosts.New(filepath.Join(home, ".ssh", "known_hosts"))
}

// sshStream is the stdio of a remote command.
type sshStream struct {
	io.Reader
	stdin   io.WriteCloser
	session *ssh.Session
	client  *ssh.Client
}

func (s *sshStream) Write(p []byte) (int, error) { return s.stdin.Write(p) }

func (s *sshStream) Close() error {
	return multierr.Combine(
		s.stdin.Close(),
		ignoreEOF(s.session.Close()),
		s.client.Close(),
	)
}

func ignoreEOF(err error) error {
	if err == io.EOF {
		return nil
	}
	return err
}

// DialRemoteSource connects to loc over SSH, starts "backtrack serve" on the
// remote host and returns a source speaking to it.
func DialRemoteSource(ctx context.Context, loc Location, opts SSHOpts) (*RemoteSource, error) {
	client, err := DialSSH(loc.Host, loc.User, opts)
	if err != nil {
		return nil, err
	}
	stream, err := startServe(client, loc.Path, opts)
	if err != nil {
		client.Close()
		return nil, err
	}
	src, err := NewRemoteSource(ctx, stream, opts.Compress)
	if err != nil {
		stream.Close()
		return nil, fmt.Errorf("%s: %w", loc, err)
	}
	return src, nil
}

func startServe(client *ssh.Client, path string, opts SSHOpts) (*sshStream, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("ssh session: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("ssh stdin: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("ssh stdout: %w", err)
	}
	session.Stderr = os.Stderr

	cmd := ServeCommand(opts.Binary, path, opts.Compress)
	slog.Debug("starting remote serve", "cmd", cmd)
	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, fmt.Errorf("start %q: %w", cmd, err)
	}
	return &sshStream{Reader: stdout, stdin: stdin, session: session, client: client}, nil
}

// ServeCommand builds the shell command that runs the serving side.
func ServeCommand(binary, path string, compress bool) string {
	if binary == "" {
		binary = "backtrack"
	}
	parts := []string{shellQuote(binary), "serve", "--source", shellQuote(path)}
	if compress {
		parts = append(parts, "--compress")
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r == '/' || r == '.' || r == '-' || r == '_' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
