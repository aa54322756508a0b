// Package transferqueue runs SFTP uploads and downloads as background Asynq
// tasks instead of blocking the calling goroutine, for callers that queue
// large transfers and poll or subscribe for completion rather than waiting
// synchronously on sftp_upload/sftp_download. Grounded on the teacher's
// worker.Worker: a shared asynq.Client for enqueuing, an asynq.Server
// consuming a ServeMux of typed handlers, Start/Shutdown symmetry.
package transferqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	TaskUpload   = "sftp:upload"
	TaskDownload = "sftp:download"
)

// TransferPayload is the task payload for both TaskUpload and TaskDownload.
type TransferPayload struct {
	ChannelId string `json:"channelId"`
	Local     string `json:"local"`
	Remote    string `json:"remote"`
}

// Transfer performs one upload or download against the session identified
// by payload.ChannelId, returning bytes moved. onProgress, if non-nil, is
// called with the cumulative byte count as the transfer proceeds — the
// implementation threads it down to internal/sftpops's chunked copy loop.
// Supplied by the caller at construction so this package never imports the
// session/registry types it operates on — the same ErrFunc-style decoupling
// used by internal/auth.
type Transfer func(ctx context.Context, channelId, local, remote string, onProgress func(bytesSoFar uint64)) (uint64, error)

// OnProgress is called zero or more times while a queued transfer is in
// flight, reporting the cumulative byte count, so the host process can
// forward it as an sftp_progress event.
type OnProgress func(payload TransferPayload, bytesSoFar uint64)

// OnDone is called exactly once per attempt, success or failure, once the
// transfer finishes, so the host process can forward it as an
// sftp_queue_done event. err is nil on success.
type OnDone func(payload TransferPayload, bytes uint64, err error)

// Queue wraps an Asynq server and client dedicated to SFTP transfers.
type Queue struct {
	server     *asynq.Server
	client     *asynq.Client
	upload     Transfer
	download   Transfer
	onProgress OnProgress
	onDone     OnDone
}

// Config configures New.
type Config struct {
	RedisAddr  string
	Upload     Transfer
	Download   Transfer
	OnProgress OnProgress
	OnDone     OnDone
}

// New constructs a Queue against redisAddr. Start must be called before
// enqueued tasks are processed.
func New(cfg Config) *Queue {
	opt := asynq.RedisClientOpt{Addr: cfg.RedisAddr}

	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: 4,
		Queues: map[string]int{
			"default": 1,
		},
	})

	return &Queue{
		server:     srv,
		client:     asynq.NewClient(opt),
		upload:     cfg.Upload,
		download:   cfg.Download,
		onProgress: cfg.OnProgress,
		onDone:     cfg.OnDone,
	}
}

// Start begins processing queued transfers in a background goroutine.
func (q *Queue) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskUpload, q.handle(TaskUpload, q.upload))
	mux.HandleFunc(TaskDownload, q.handle(TaskDownload, q.download))

	errCh := make(chan error, 1)
	go func() { errCh <- q.server.Run(mux) }()

	select {
	case err := <-errCh:
		return fmt.Errorf("transfer queue: %w", err)
	default:
		return nil
	}
}

func (q *Queue) handle(taskType string, transfer Transfer) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, t *asynq.Task) error {
		var p TransferPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("%s: unmarshal payload: %w", taskType, err)
		}

		n, err := transfer(ctx, p.ChannelId, p.Local, p.Remote, func(bytesSoFar uint64) {
			if q.onProgress != nil {
				q.onProgress(p, bytesSoFar)
			}
		})
		if q.onDone != nil {
			q.onDone(p, n, err)
		}
		return err
	}
}

// EnqueueUpload queues a background upload of local to remote over channelId.
func (q *Queue) EnqueueUpload(ctx context.Context, channelId, local, remote string) error {
	return q.enqueue(ctx, TaskUpload, TransferPayload{ChannelId: channelId, Local: local, Remote: remote})
}

// EnqueueDownload queues a background download of remote to local over channelId.
func (q *Queue) EnqueueDownload(ctx context.Context, channelId, local, remote string) error {
	return q.enqueue(ctx, TaskDownload, TransferPayload{ChannelId: channelId, Local: local, Remote: remote})
}

func (q *Queue) enqueue(ctx context.Context, taskType string, payload TransferPayload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if _, err := q.client.EnqueueContext(ctx, asynq.NewTask(taskType, raw)); err != nil {
		return fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	return nil
}

// Shutdown stops the server and closes the client connection.
func (q *Queue) Shutdown() {
	q.server.Shutdown()
	_ = q.client.Close()
}
