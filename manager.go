package sshmux

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/portcall/sshmux/internal/keepalive"
	"github.com/portcall/sshmux/internal/registry"
	"github.com/portcall/sshmux/internal/sessionlog"
	"github.com/portcall/sshmux/internal/transferqueue"
	"github.com/portcall/sshmux/internal/transport"
)

// Manager is the process-wide multiplexer described in SPEC_FULL.md §4.7: one
// instance per host process, exposing one method per verb. Every method
// looks a session up by ChannelId, performs the work under that session's own
// locks, and returns the result or an error — no cross-session ordering is
// implied or required.
type Manager struct {
	sessions *registry.Registry[*session]
	sink     EventSink
	limiter  *transport.Limiter
	log      zerolog.Logger

	// queue is nil unless EnableTransferQueue was called — sftp_upload and
	// sftp_download stay synchronous by default, per spec.md §4.6.
	queue *transferqueue.Queue

	// keepalive is nil unless EnableKeepalive was called.
	keepalive *keepalive.Scheduler

	// history is nil unless EnableSessionLog was called.
	history *sessionlog.Log

	// pumps tracks every reader pump goroutine spawned by Connect, so
	// Shutdown can wait for them to actually exit instead of only waiting
	// for sess.shutdown()'s synchronous close calls to return.
	pumps sync.WaitGroup
}

// NewManager constructs a Manager that publishes lifecycle and output events
// to sink. A nil sink panics on first emit, so callers must supply one even
// if it discards events.
func NewManager(sink EventSink) *Manager {
	return &Manager{
		sessions: registry.New[*session](),
		sink:     sink,
		limiter:  transport.DefaultLimiter(),
		log:      zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger(),
	}
}

// Connect implements spec.md §4.1-§4.5: dial, authenticate, open a shell,
// spawn its reader pump, and register the session before returning its id.
func (m *Manager) Connect(ctx context.Context, params ConnectionParams) (ChannelId, error) {
	sess, err := connect(ctx, params, m.limiter, m.log)
	if err != nil {
		m.log.Error().Err(err).Str("host", params.Host).Msg("connect failed")
		return "", err
	}

	m.pumps.Add(1)
	go func() {
		defer m.pumps.Done()
		readerPump(sess, m.sink, func() { m.sessions.Remove(sess.id) })
	}()
	m.sessions.Insert(sess.id, sess)
	// A pump that has already ended ran its Remove before this Insert; take
	// the dead entry back out so it does not linger in the registry.
	if !sess.alive() {
		m.sessions.Remove(sess.id)
	}

	if m.history != nil {
		if err := m.history.RecordConnect(ctx, sess.id, params.Host, params.Port, params.Username, time.Now()); err != nil {
			m.log.Warn().Err(err).Msg("session history: record connect")
		}
	}

	m.log.Info().Str("channelId", sess.id).Str("host", params.Host).Msg("connected")
	return sess.id, nil
}

func (m *Manager) lookup(id ChannelId) (*session, error) {
	sess, ok := m.sessions.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Send writes data to the session's PTY stdin.
func (m *Manager) Send(ctx context.Context, id ChannelId, data []byte) error {
	sess, err := m.lookup(id)
	if err != nil {
		return err
	}
	return sess.write(data)
}

// Resize issues a window-change request on the session's PTY.
func (m *Manager) Resize(ctx context.Context, id ChannelId, cols, rows int) error {
	sess, err := m.lookup(id)
	if err != nil {
		return err
	}
	return sess.resize(cols, rows)
}

// Disconnect tears the session down and removes it from the registry. It is
// idempotent: disconnecting an unknown id returns SessionNotFound.
func (m *Manager) Disconnect(ctx context.Context, id ChannelId) error {
	sess, ok := m.sessions.Remove(id)
	if !ok {
		return ErrSessionNotFound
	}
	sess.shutdown()

	if m.history != nil {
		if err := m.history.RecordDisconnect(ctx, id, time.Now()); err != nil {
			m.log.Warn().Err(err).Msg("session history: record disconnect")
		}
	}

	m.log.Info().Str("channelId", id).Msg("disconnected")
	return nil
}

// SftpListDir lists path on the session's remote host.
func (m *Manager) SftpListDir(ctx context.Context, id ChannelId, path string) (ListDirResult, error) {
	sess, err := m.lookup(id)
	if err != nil {
		return ListDirResult{}, err
	}
	ops, err := sess.sftpOps()
	if err != nil {
		return ListDirResult{}, err
	}
	res, err := ops.ListDir(path)
	if err != nil {
		return ListDirResult{}, channelError("list dir", err)
	}
	return toListDirResult(res), nil
}

// SftpDownload copies remote to local, returning bytes transferred.
func (m *Manager) SftpDownload(ctx context.Context, id ChannelId, remote, local string) (uint64, error) {
	return m.sftpDownload(ctx, id, remote, local, nil)
}

// SftpUpload copies local to remote, returning bytes transferred.
func (m *Manager) SftpUpload(ctx context.Context, id ChannelId, local, remote string) (uint64, error) {
	return m.sftpUpload(ctx, id, local, remote, nil)
}

// sftpDownload and sftpUpload back both the synchronous verbs above and the
// transfer queue's workers, the latter supplying progress so it can emit
// sftp_progress as the copy proceeds.
func (m *Manager) sftpDownload(ctx context.Context, id ChannelId, remote, local string, progress func(uint64)) (uint64, error) {
	sess, err := m.lookup(id)
	if err != nil {
		return 0, err
	}
	ops, err := sess.sftpOps()
	if err != nil {
		return 0, err
	}
	n, err := ops.Download(remote, local, progress)
	if err != nil {
		return n, ioError("download", err)
	}
	return n, nil
}

func (m *Manager) sftpUpload(ctx context.Context, id ChannelId, local, remote string, progress func(uint64)) (uint64, error) {
	sess, err := m.lookup(id)
	if err != nil {
		return 0, err
	}
	ops, err := sess.sftpOps()
	if err != nil {
		return 0, err
	}
	n, err := ops.Upload(local, remote, progress)
	if err != nil {
		return n, ioError("upload", err)
	}
	return n, nil
}

// SftpMkdir creates a directory at path.
func (m *Manager) SftpMkdir(ctx context.Context, id ChannelId, path string) error {
	sess, err := m.lookup(id)
	if err != nil {
		return err
	}
	ops, err := sess.sftpOps()
	if err != nil {
		return err
	}
	if err := ops.Mkdir(path); err != nil {
		return channelError("mkdir", err)
	}
	return nil
}

// SftpDelete removes path: rmdir if isDir, unlink otherwise.
func (m *Manager) SftpDelete(ctx context.Context, id ChannelId, path string, isDir bool) error {
	sess, err := m.lookup(id)
	if err != nil {
		return err
	}
	ops, err := sess.sftpOps()
	if err != nil {
		return err
	}
	if err := ops.Delete(path, isDir); err != nil {
		return channelError("delete", err)
	}
	return nil
}

// SftpRename moves oldPath to newPath.
func (m *Manager) SftpRename(ctx context.Context, id ChannelId, oldPath, newPath string) error {
	sess, err := m.lookup(id)
	if err != nil {
		return err
	}
	ops, err := sess.sftpOps()
	if err != nil {
		return err
	}
	if err := ops.Rename(oldPath, newPath); err != nil {
		return channelError("rename", err)
	}
	return nil
}

// SftpTouch creates path if absent or updates its mtime if present.
func (m *Manager) SftpTouch(ctx context.Context, id ChannelId, path string) error {
	sess, err := m.lookup(id)
	if err != nil {
		return err
	}
	ops, err := sess.sftpOps()
	if err != nil {
		return err
	}
	if err := ops.Touch(path); err != nil {
		return channelError("touch", err)
	}
	return nil
}

// SftpStat returns metadata for path.
func (m *Manager) SftpStat(ctx context.Context, id ChannelId, path string) (FileEntry, error) {
	sess, err := m.lookup(id)
	if err != nil {
		return FileEntry{}, err
	}
	ops, err := sess.sftpOps()
	if err != nil {
		return FileEntry{}, err
	}
	entry, err := ops.Stat(path)
	if err != nil {
		return FileEntry{}, channelError("stat", err)
	}
	return toFileEntry(entry), nil
}

// EnableTransferQueue backs sftp_queue_upload/sftp_queue_download with a
// background Asynq queue against redisAddr, additive to the always-available
// synchronous SftpUpload/SftpDownload, per SPEC_FULL.md §2.
func (m *Manager) EnableTransferQueue(redisAddr string) error {
	m.queue = transferqueue.New(transferqueue.Config{
		RedisAddr: redisAddr,
		Upload: func(ctx context.Context, id, local, remote string, onProgress func(uint64)) (uint64, error) {
			return m.sftpUpload(ctx, id, local, remote, onProgress)
		},
		Download: func(ctx context.Context, id, local, remote string, onProgress func(uint64)) (uint64, error) {
			return m.sftpDownload(ctx, id, remote, local, onProgress)
		},
		OnProgress: func(p transferqueue.TransferPayload, bytesSoFar uint64) {
			m.sink.Emit(TopicSftpProgress, SftpProgressPayload{
				ChannelId:  p.ChannelId,
				Local:      p.Local,
				Remote:     p.Remote,
				BytesSoFar: bytesSoFar,
			})
		},
		OnDone: func(p transferqueue.TransferPayload, bytes uint64, err error) {
			m.sink.Emit(TopicSftpQueueDone, SftpQueueDonePayload{
				ChannelId: p.ChannelId,
				Local:     p.Local,
				Remote:    p.Remote,
				Bytes:     bytes,
				Error:     errString(err),
			})
		},
	})
	return m.queue.Start()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// SftpQueueUpload queues a background upload, returning immediately. Requires
// EnableTransferQueue to have been called.
func (m *Manager) SftpQueueUpload(ctx context.Context, id ChannelId, local, remote string) error {
	if m.queue == nil {
		return channelError("transfer queue", errTransferQueueDisabled)
	}
	return m.queue.EnqueueUpload(ctx, id, local, remote)
}

// SftpQueueDownload queues a background download, returning immediately.
// Requires EnableTransferQueue to have been called.
func (m *Manager) SftpQueueDownload(ctx context.Context, id ChannelId, local, remote string) error {
	if m.queue == nil {
		return channelError("transfer queue", errTransferQueueDisabled)
	}
	return m.queue.EnqueueDownload(ctx, id, local, remote)
}

// EnableSessionLog opens (creating if absent) a SQLite-backed history of
// connect/disconnect events at path. No credentials are ever written to it.
func (m *Manager) EnableSessionLog(path string) error {
	log, err := sessionlog.Open(path)
	if err != nil {
		return err
	}
	m.history = log
	return nil
}

// EnableKeepalive starts a cron schedule (see internal/keepalive for the
// expression syntax) that pings every live session's SSH connection so idle
// bastions and firewalls don't drop it.
func (m *Manager) EnableKeepalive(spec string) error {
	sched, err := keepalive.New(spec, func() []*ssh.Client {
		sessions := m.sessions.All()
		clients := make([]*ssh.Client, len(sessions))
		for i, s := range sessions {
			clients[i] = s.client
		}
		return clients
	}, m.log)
	if err != nil {
		return err
	}
	m.keepalive = sched
	m.keepalive.Start()
	return nil
}

// Shutdown disconnects every live session concurrently (bounded by
// errgroup), then waits for every reader pump goroutine to exit or for ctx
// to expire, whichever comes first, per SPEC_FULL.md §4.7.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.queue != nil {
		m.queue.Shutdown()
	}
	if m.keepalive != nil {
		m.keepalive.Stop()
	}
	if m.history != nil {
		_ = m.history.Close()
	}

	sessions := m.sessions.All()

	g, _ := errgroup.WithContext(ctx)
	for _, sess := range sessions {
		sess := sess
		g.Go(func() error {
			sess.shutdown()
			m.sessions.Remove(sess.id)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	pumpsDone := make(chan struct{})
	go func() {
		m.pumps.Wait()
		close(pumpsDone)
	}()

	select {
	case <-pumpsDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
