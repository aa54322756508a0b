package sshmux

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/portcall/sshmux/internal/auth"
	"github.com/portcall/sshmux/internal/ptychan"
	"github.com/portcall/sshmux/internal/sftpops"
	"github.com/portcall/sshmux/internal/transport"
)

// session is the per-connection state a Manager tracks under a ChannelId.
// pty and conn are each reached through their own lock-free or internally
// locked types; session itself only guards alive and the lazily-created
// SFTP subsystem, per spec.md §5's "own mutex per shared resource" rule.
type session struct {
	id     ChannelId
	params ConnectionParams

	client  *ssh.Client
	jump    *ssh.Client // non-nil only when the connection tunneled through a jump host
	rawConn net.Conn
	pty     *ptychan.PTY

	mu        sync.Mutex
	aliveFlag bool
	sftp      *sftp.Client

	log zerolog.Logger
}

func (s *session) alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aliveFlag
}

func (s *session) setDead() {
	s.mu.Lock()
	s.aliveFlag = false
	s.mu.Unlock()
}

// sftpOps returns a sftpops.Ops backed by the session's SFTP subsystem,
// creating the subsystem on first use. Per spec.md §4.6 the subsystem is
// acquired on demand and never pre-warmed; once opened it is reused for
// the life of the session, since it is cheap to hold but not to recreate
// on every call.
func (s *session) sftpOps() (*sftpops.Ops, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.aliveFlag {
		return nil, ErrSessionNotFound
	}
	if s.sftp == nil {
		client, err := sftp.NewClient(s.client)
		if err != nil {
			return nil, channelError("open sftp subsystem", err)
		}
		s.sftp = client
	}
	return sftpops.New(s.sftp), nil
}

// connect implements spec.md §4.1-§4.3: dial (directly or via jump host),
// handshake, authenticate, and open a PTY-backed shell. It does not start the
// reader pump, and the returned session is not yet registered — the caller
// spawns the pump and inserts the session after this returns, per spec.md §4.5.
func connect(ctx context.Context, params ConnectionParams, limiter *transport.Limiter, log zerolog.Logger) (*session, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	if err := limiter.Wait(ctx); err != nil {
		return nil, connectionFailed("rate limited", err)
	}

	rawConn, jumpClient, err := dial(ctx, params)
	if err != nil {
		return nil, err
	}

	authMethod, err := auth.Method(auth.Params{
		AuthMethod:           string(params.AuthMethod),
		Password:             params.Password,
		PrivateKeyPath:       params.PrivateKeyPath,
		PrivateKeyPassphrase: params.PrivateKeyPassphrase,
	}, func(reason string, cause error) error { return authFailed(reason, cause) })
	if err != nil {
		_ = rawConn.Close()
		if jumpClient != nil {
			jumpClient.Close()
		}
		return nil, err
	}

	addr := net.JoinHostPort(params.Host, fmt.Sprintf("%d", params.Port))
	cfg := &ssh.ClientConfig{
		User:            params.Username,
		Auth:            []ssh.AuthMethod{authMethod},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // host-key policy is an open question, see spec.md §9
		Timeout:         transport.DialTimeout,
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(rawConn, addr, cfg)
	if err != nil {
		_ = rawConn.Close()
		if jumpClient != nil {
			jumpClient.Close()
		}
		return nil, authFailed("ssh handshake", err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	pty, err := ptychan.Open(client, params.cols(), params.rows())
	if err != nil {
		client.Close()
		if jumpClient != nil {
			jumpClient.Close()
		}
		return nil, channelError("open shell", err)
	}

	id := uuid.NewString()
	sess := &session{
		id:        id,
		params:    params,
		client:    client,
		jump:      jumpClient,
		rawConn:   rawConn,
		pty:       pty,
		aliveFlag: true,
		log:       log.With().Str("channelId", id).Logger(),
	}

	return sess, nil
}

// dial resolves ConnectionParams into a raw net.Conn: a direct TCP
// connection, or one tunneled through a jump host, per spec.md §4.1.
func dial(ctx context.Context, params ConnectionParams) (net.Conn, *ssh.Client, error) {
	if !params.usesJump() {
		conn, err := transport.Connect(ctx, params.Host, params.Port)
		if err != nil {
			return nil, nil, connectionFailed("tcp connect", err)
		}
		return conn, nil, nil
	}

	conn, jumpClient, err := transport.ConnectViaJump(ctx, transport.JumpParams{
		Host:     params.JumpHost,
		Port:     params.JumpPort,
		Username: params.JumpUsername,
		Password: params.JumpPassword,
	}, params.Host, params.Port)
	if err != nil {
		return nil, nil, connectionFailed("jump host connect", err)
	}
	return conn, jumpClient, nil
}

// write sends data to the remote shell's stdin, under the PTY's own write
// mutex. No session-level lock is needed: ptychan.PTY already serializes
// Write against Resize.
func (s *session) write(data []byte) error {
	if !s.alive() {
		return ErrSessionNotFound
	}
	s.log.Debug().Int("bytes", len(data)).Msg("send")
	if err := s.pty.Write(data); err != nil {
		return channelError("write", err)
	}
	return nil
}

func (s *session) resize(cols, rows int) error {
	if !s.alive() {
		return ErrSessionNotFound
	}
	s.log.Debug().Int("cols", cols).Int("rows", rows).Msg("resize")
	if err := s.pty.Resize(cols, rows); err != nil {
		return ptyError("resize", err)
	}
	return nil
}

// shutdown tears the session down per spec.md §4.3: best-effort, every step
// may fail silently.
func (s *session) shutdown() {
	s.setDead()
	s.pty.Shutdown()

	s.mu.Lock()
	sftpClient := s.sftp
	s.sftp = nil
	s.mu.Unlock()
	if sftpClient != nil {
		_ = sftpClient.Close()
	}

	_ = s.client.Close()
	if s.jump != nil {
		_ = s.jump.Close()
	}
}

// readerPump implements spec.md §4.4: the sole consumer of PTY reads,
// publishing pty_output/pty_closed to sink until the channel closes. It is
// launched once per session by Manager.Connect and runs until termination,
// at which point onDone removes the session from the registry.
//
// There is no read-timeout branch here: golang.org/x/crypto/ssh's channel
// Read blocks until data arrives, the channel is closed, or the underlying
// connection fails — it never returns a WouldBlock-style timeout error, so
// every non-nil error is terminal by construction. What bounds this loop on
// shutdown is session.shutdown() calling pty.Shutdown(), which closes the
// channel and unblocks the pending Read with an error, not a deadline.
func readerPump(s *session, sink EventSink, onDone func()) {
	buf := make([]byte, 8*1024)
	for {
		if !s.alive() {
			break
		}

		n, err := s.pty.Read(buf)
		if n > 0 {
			sink.Emit(TopicPtyOutput, PtyOutputPayload{
				ChannelId: s.id,
				Data:      utf8LossyString(buf[:n]),
			})
		}
		if err != nil {
			s.setDead()
			sink.Emit(TopicPtyClosed, s.id)
			s.log.Info().Err(err).Msg("reader pump: channel closed")
			break
		}
		if n == 0 {
			time.Sleep(10 * time.Millisecond)
		}
	}
	onDone()
}

// utf8LossyString returns b as a string with every byte that does not start a
// valid UTF-8 sequence replaced by U+FFFD. Unlike strings.ToValidUTF8, a run
// of invalid bytes yields one U+FFFD per byte, not one per run.
func utf8LossyString(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	out := make([]rune, 0, len(b))
	for i := 0; i < len(b); {
		r, size := utf8.DecodeRune(b[i:])
		out = append(out, r)
		i += size
	}
	return string(out)
}
