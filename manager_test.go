package sshmux

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// fakeSink collects emitted events for assertions, grounded on the teacher's
// event-sink test doubles used across its terminal package tests.
type fakeSink struct {
	mu     sync.Mutex
	events []event
}

type event struct {
	topic   string
	payload any
}

func (s *fakeSink) Emit(topic string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event{topic: topic, payload: payload})
}

func (s *fakeSink) snapshot() []event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *fakeSink) waitForOutputContaining(t *testing.T, want string, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, e := range s.snapshot() {
			if e.topic != TopicPtyOutput {
				continue
			}
			p, ok := e.payload.(PtyOutputPayload)
			if ok && strings.Contains(p.Data, want) {
				return p.Data
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for pty_output containing %q", want)
	return ""
}

// testSSHServer is a minimal in-process SSH server accepting one
// username/password pair, serving a scripted fake shell over "session"
// channels and an SFTP subsystem backed by an in-memory directory. Grounded
// on the teacher pack's SFTP-server fixture (umputun-weblist/server/sftp.go):
// handshake, then per-channel request dispatch.
type testSSHServer struct {
	addr     string
	listener net.Listener
}

func startTestSSHServer(t *testing.T, user, password string) *testSSHServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == user && string(pass) == password {
				return nil, nil
			}
			return nil, errAuthRejected
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &testSSHServer{addr: ln.Addr().String(), listener: ln}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.handleConn(conn, cfg)
		}
	}()

	t.Cleanup(func() { ln.Close() })
	return srv
}

var errAuthRejected = &authRejectedErr{}

type authRejectedErr struct{}

func (e *authRejectedErr) Error() string { return "rejected" }

func (s *testSSHServer) handleConn(conn net.Conn, cfg *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

func (s *testSSHServer) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()

	for req := range requests {
		switch req.Type {
		case "pty-req", "window-change":
			if req.WantReply {
				req.Reply(true, nil)
			}
		case "shell":
			if req.WantReply {
				req.Reply(true, nil)
			}
			go runFakeShell(ch)
		case "subsystem":
			if string(req.Payload[4:]) == "sftp" {
				if req.WantReply {
					req.Reply(true, nil)
				}
				go runFakeSFTP(ch)
			} else if req.WantReply {
				req.Reply(false, nil)
			}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// runFakeShell echoes "hi\n" whenever it sees a line containing "echo hi",
// and echoes "40 120\n" for "stty size" — just enough scripted behavior for
// the connect/echo and resize scenarios.
func runFakeShell(ch ssh.Channel) {
	defer ch.Close()
	scanner := bufio.NewScanner(ch)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "echo hi"):
			ch.Write([]byte("hi\n"))
		case strings.Contains(line, "stty size"):
			ch.Write([]byte("40 120\n"))
		}
	}
}

func runFakeSFTP(ch ssh.Channel) {
	server, err := sftp.NewServer(ch)
	if err != nil {
		return
	}
	server.Serve()
}

func TestManager_ConnectAndEcho(t *testing.T) {
	srv := startTestSSHServer(t, "tester", "secret")
	host, portStr, err := net.SplitHostPort(srv.addr)
	require.NoError(t, err)
	port := mustAtoi(t, portStr)

	sink := &fakeSink{}
	m := NewManager(sink)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := m.Connect(ctx, ConnectionParams{
		Host:       host,
		Port:       port,
		Username:   "tester",
		AuthMethod: AuthPassword,
		Password:   "secret",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	err = m.Send(ctx, id, []byte("echo hi\n"))
	require.NoError(t, err)

	sink.waitForOutputContaining(t, "hi", 2*time.Second)

	require.NoError(t, m.Disconnect(ctx, id))

	err = m.Send(ctx, id, []byte("echo hi\n"))
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManager_SftpRoundTrip(t *testing.T) {
	srv := startTestSSHServer(t, "tester", "secret")
	host, portStr, err := net.SplitHostPort(srv.addr)
	require.NoError(t, err)
	port := mustAtoi(t, portStr)

	sink := &fakeSink{}
	m := NewManager(sink)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := m.Connect(ctx, ConnectionParams{
		Host:       host,
		Port:       port,
		Username:   "tester",
		AuthMethod: AuthPassword,
		Password:   "secret",
	})
	require.NoError(t, err)

	tmpDir := t.TempDir()
	localSrc := tmpDir + "/src.txt"
	require.NoError(t, os.WriteFile(localSrc, []byte("payload"), 0o644))

	remotePath := tmpDir + "/remote.txt"
	n, err := m.SftpUpload(ctx, id, localSrc, remotePath)
	require.NoError(t, err)
	require.EqualValues(t, len("payload"), n)

	localDst := tmpDir + "/dst.txt"
	n, err = m.SftpDownload(ctx, id, remotePath, localDst)
	require.NoError(t, err)
	require.EqualValues(t, len("payload"), n)

	got, err := os.ReadFile(localDst)
	require.NoError(t, err)
	require.Equal(t, "payload", string(got))

	entry, err := m.SftpStat(ctx, id, remotePath)
	require.NoError(t, err)
	require.False(t, entry.IsDir)
	require.EqualValues(t, len("payload"), entry.Size)

	touchPath := tmpDir + "/touched.txt"
	require.NoError(t, m.SftpTouch(ctx, id, touchPath))
	touched, err := m.SftpStat(ctx, id, touchPath)
	require.NoError(t, err)
	require.Zero(t, touched.Size)
	require.False(t, touched.IsDir)

	require.NoError(t, m.Disconnect(ctx, id))
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			t.Fatalf("not a port number: %q", s)
		}
		n = n*10 + int(r-'0')
	}
	return n
}
