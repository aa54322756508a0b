// Package ptychan wraps the single PTY-backed shell channel a Session opens
// over its authenticated SSH connection. It is the Go substitution for the
// source's blocking/non-blocking mode flip, described in spec.md §9 and
// SPEC_FULL.md §4.3: golang.org/x/crypto/ssh gives every ssh.Session object
// a stdin/stdout pair that is already safe to Read and Write concurrently
// from different goroutines, so there is no session-wide blocking flag to
// toggle. What the spec actually requires — writes serialized and never torn,
// reads delivered in transport order — still holds; only the mechanism
// differs.
package ptychan

import (
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"
)

// PTY is a remote shell channel with a pseudo-terminal attached.
type PTY struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader

	// writeMu serializes Write and Resize — spec.md §3's "at most one
	// in-flight write per channel". Read does not take writeMu: the
	// underlying ssh.Channel already serializes its own read and write
	// paths internally and supports concurrent use from independent
	// goroutines, so forcing reads to queue behind writes here would only
	// add latency the source's native library required but Go's does not.
	writeMu sync.Mutex
}

// Open requests a PTY on a new session channel of client and starts an
// interactive shell, per spec.md §4.3.
func Open(client *ssh.Client, cols, rows int) (*PTY, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm-256color", rows, cols, modes); err != nil {
		sess.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	return &PTY{session: sess, stdin: stdin, stdout: stdout}, nil
}

// Write sends bytes to the remote PTY's stdin. Serialized against Resize.
//
// There is no write deadline: the underlying ssh.Channel exposes no
// SetWriteDeadline, and wrapping this call in an application-level timeout
// would require abandoning it mid-flight while still holding writeMu (or
// releasing writeMu with the abandoned write still in progress, letting a
// subsequent Write race it on the same channel) — either way the at-most-
// one-in-flight-write guarantee this mutex exists for would be the first
// casualty. A write stuck on a dead connection is unblocked the same way a
// stuck Read is: Shutdown closes the channel, which fails the pending
// stdin.Write with an error.
func (p *PTY) Write(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.stdin.Write(data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Resize issues a window-change request. Serialized against Write.
func (p *PTY) Resize(cols, rows int) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.session.WindowChange(rows, cols); err != nil {
		return fmt.Errorf("window-change: %w", err)
	}
	return nil
}

// Read reads raw bytes off the remote's stdout. Called only by the reader
// pump — spec.md §4.4's "sole consumer of channel reads" invariant is
// enforced by convention (one goroutine owns the PTY's Read calls), not by a
// lock, since Read never contends with Write/Resize in this implementation.
func (p *PTY) Read(buf []byte) (int, error) {
	return p.stdout.Read(buf)
}

// Shutdown is the best-effort teardown from spec.md §4.3: send EOF (by
// closing stdin), then close the channel. It does not wait for the remote to
// acknowledge the close. Every step may fail silently.
func (p *PTY) Shutdown() {
	_ = p.stdin.Close()
	_ = p.session.Close()
}
