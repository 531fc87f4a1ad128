package session

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// execHandler answers one exec request and returns the exit status.
type execHandler func(cmd string, stdin io.Reader, stdout, stderr io.Writer) uint32

// testServer is an in-process SSH server that runs exec requests through a handler
// and serves SFTP from the local filesystem.
type testServer struct {
	t        *testing.T
	addr     string
	password string
	key      ssh.PublicKey
	handler  execHandler
	listener net.Listener

	mu       sync.Mutex
	commands []string
}

func newTestServer(t *testing.T, password string, handler execHandler) *testServer {
	t.Helper()
	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &testServer{t: t, addr: ln.Addr().String(), password: password, handler: handler, listener: ln}
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(_ ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if srv.password != "" && string(pass) == srv.password {
				return nil, nil
			}
			return nil, errDenied
		},
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			srv.mu.Lock()
			authorized := srv.key
			srv.mu.Unlock()
			if authorized != nil && string(key.Marshal()) == string(authorized.Marshal()) {
				return nil, nil
			}
			return nil, errDenied
		},
	}
	cfg.AddHostKey(hostSigner)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.serveConn(conn, cfg)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return srv
}

var errDenied = &deniedError{}

type deniedError struct{}

func (*deniedError) Error() string { return "denied" }

func (s *testServer) target(name string) Target {
	host, port, _ := net.SplitHostPort(s.addr)
	p, _ := strconv.Atoi(port)
	return Target{Name: name, Host: host, Port: p, User: "deploy"}
}

// authorize generates a client key, writes it to dir and accepts it.
func (s *testServer) authorize(dir string) string {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(s.t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(s.t, err)
	s.mu.Lock()
	s.key = sshPub
	s.mu.Unlock()

	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(s.t, err)
	path := filepath.Join(dir, "id_ed25519")
	require.NoError(s.t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
	return path
}

func (s *testServer) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *testServer) serveConn(conn net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, chReqs, err := nc.Accept()
		if err != nil {
			continue
		}
		go s.serveSession(ch, chReqs)
	}
}

func (s *testServer) serveSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			s.mu.Lock()
			s.commands = append(s.commands, payload.Command)
			s.mu.Unlock()
			go func() {
				code := s.handler(payload.Command, ch, ch, ch.Stderr())
				_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{code}))
				ch.Close()
			}()
		case "subsystem":
			var payload struct{ Name string }
			_ = ssh.Unmarshal(req.Payload, &payload)
			if payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go func() {
				server, err := sftp.NewServer(ch)
				if err == nil {
					_ = server.Serve()
				}
				ch.Close()
			}()
		case "pty-req", "window-change":
			_ = req.Reply(true, nil)
		case "shell":
			_ = req.Reply(true, nil)
			go func() {
				sc := bufio.NewScanner(ch)
				for sc.Scan() {
					if sc.Text() == "exit" {
						break
					}
					_, _ = io.WriteString(ch, "echo: "+sc.Text()+"\n")
				}
				_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
				ch.Close()
			}()
		default:
			_ = req.Reply(false, nil)
		}
	}
}
