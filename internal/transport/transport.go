// Package transport establishes the raw byte stream a Session's SSH handshake
// runs over — either a direct TCP connection or one tunneled through a jump
// host's direct-tcpip channel. It owns no SSH semantics beyond what dialing
// the jump host itself requires.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/time/rate"
)

// DialTimeout is the hard cap on establishing the raw TCP connection,
// matching spec.md §4.1.
const DialTimeout = 30 * time.Second

// Limiter throttles outbound connection attempts (direct or via jump host) so
// a runaway caller cannot hammer a remote host with repeated handshakes.
// Grounded on the teacher's tunnel.Server rate limiter (10 conns/sec default).
type Limiter struct {
	l *rate.Limiter
}

// NewLimiter returns a limiter allowing r connection attempts per second,
// with a burst of b.
func NewLimiter(r rate.Limit, b int) *Limiter {
	return &Limiter{l: rate.NewLimiter(r, b)}
}

// DefaultLimiter returns a new limiter allowing 10 connection attempts per
// second with a burst of 10. Each call returns its own limiter; NewManager
// calls it once per Manager.
func DefaultLimiter() *Limiter {
	return NewLimiter(10, 10)
}

// Wait blocks until a connection attempt token is available or ctx expires.
func (lm *Limiter) Wait(ctx context.Context) error {
	if lm == nil {
		return nil
	}
	return lm.l.Wait(ctx)
}

// Connect opens a direct TCP connection to host:port with DialTimeout,
// applying TCP_NODELAY once established.
//
// It deliberately sets no read/write deadline on the returned conn. This
// conn is handed straight to ssh.NewClientConn, which spawns its own
// goroutine multiplexing every channel (shell, SFTP subsystem, future
// direct-tcpip tunnels) over this one socket; a deadline set here would
// apply to that goroutine's reads and writes indiscriminately, not to any
// one channel's traffic, so an idle PTY would eventually time out the
// entire connection — including channels that are busy. There is no
// per-channel deadline to set instead: golang.org/x/crypto/ssh.Channel
// implements neither SetReadDeadline nor SetWriteDeadline. The reader pump
// (session.go) and PTY writes (internal/ptychan) are unblocked the same
// way regardless: closing the channel on session teardown, not a timer.
func Connect(ctx context.Context, host string, port int) (net.Conn, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	d := net.Dialer{Timeout: DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return conn, nil
}

// JumpParams carries the bastion's own connection + auth parameters.
type JumpParams struct {
	Host     string
	Port     int
	Username string
	Password string
}

// ConnectViaJump opens a TCP connection to the jump host, performs an SSH
// handshake and password auth on it, then opens a direct-tcpip channel to
// targetHost:targetPort. The returned net.Conn is backed by that channel —
// "bytes in, bytes out, closes cleanly" is the entire contract the outer SSH
// handshake needs from it. This is the tunneling variant spec.md §9 mandates;
// it never falls back to an interactive login through the bastion's shell.
func ConnectViaJump(ctx context.Context, jump JumpParams, targetHost string, targetPort int) (net.Conn, *ssh.Client, error) {
	jumpAddr := net.JoinHostPort(jump.Host, fmt.Sprintf("%d", jump.Port))

	rawConn, err := Connect(ctx, jump.Host, jump.Port)
	if err != nil {
		return nil, nil, fmt.Errorf("jump host: %w", err)
	}

	jumpCfg := &ssh.ClientConfig{
		User:            jump.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(jump.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // host-key policy is an open question, see spec.md §9
		Timeout:         DialTimeout,
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(rawConn, jumpAddr, jumpCfg)
	if err != nil {
		_ = rawConn.Close()
		return nil, nil, fmt.Errorf("jump host handshake: %w", err)
	}
	jumpClient := ssh.NewClient(sshConn, chans, reqs)

	targetAddr := net.JoinHostPort(targetHost, fmt.Sprintf("%d", targetPort))
	tunneled, err := jumpClient.Dial("tcp", targetAddr)
	if err != nil {
		jumpClient.Close()
		return nil, nil, fmt.Errorf("jump host: open direct-tcpip to %s: %w", targetAddr, err)
	}

	return tunneled, jumpClient, nil
}
