// Package sshmux is an SSH session multiplexer: it accepts connection
// requests from a host process (typically a desktop UI's backend), opens
// authenticated SSH sessions — optionally through a jump host — attaches a
// remote PTY and an on-demand SFTP subsystem to each, and relays bidirectional
// terminal traffic and file-system operations between caller and the remote
// host. Every active session is identified by an opaque ChannelId and lives
// for the lifetime of its transport.
//
// The package owns no UI, no RPC bridge to one, and no credential storage —
// those are the host process's job. It consumes ConnectionParams handed to it
// by the caller and pushes PTY output and lifecycle events through an
// injected EventSink.
package sshmux

// ChannelId identifies one active session. Opaque, globally unique,
// never reused. Callers should treat it as an opened-at-connect-time UUID.
type ChannelId = string

// AuthMethod selects how a session authenticates.
type AuthMethod string

const (
	AuthPassword AuthMethod = "password"
	AuthKey      AuthMethod = "key"
)

// ConnectionParams is an immutable description of the session to open. It is
// retained on the Session for the lifetime of the connection so that
// on-demand SFTP subsystems can be opened later without the caller resupplying
// credentials.
type ConnectionParams struct {
	Host     string
	Port     int
	Username string

	AuthMethod AuthMethod
	// Password authenticates AuthPassword, and is also tried as the key
	// passphrase fallback when PrivateKeyPassphrase is empty.
	Password string

	PrivateKeyPath       string
	PrivateKeyPassphrase string

	JumpHost     string
	JumpPort     int
	JumpUsername string
	JumpPassword string

	// Cols/Rows default to 80x24 when zero.
	Cols uint32
	Rows uint32
}

func (p ConnectionParams) cols() int {
	if p.Cols == 0 {
		return 80
	}
	return int(p.Cols)
}

func (p ConnectionParams) rows() int {
	if p.Rows == 0 {
		return 24
	}
	return int(p.Rows)
}

func (p ConnectionParams) usesJump() bool {
	return p.JumpHost != ""
}

// FileEntry describes one remote file or directory, as returned by
// sftp_list_dir and sftp_stat.
type FileEntry struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	IsDir       bool   `json:"isDir"`
	IsSymlink   bool   `json:"isSymlink"`
	Size        uint64 `json:"size"`
	Permissions string `json:"permissions"`
	// Modified is unix seconds; zero means unavailable.
	Modified int64 `json:"modified,omitempty"`
}

// ListDirResult is the result of sftp_list_dir.
type ListDirResult struct {
	CurrentPath string      `json:"currentPath"`
	ParentPath  string      `json:"parentPath,omitempty"`
	Entries     []FileEntry `json:"entries"`
}

// EventSink is the capability the host process hands to a Manager for
// pushing named, JSON-shaped events toward the UI. Implementations must be
// safe for concurrent use — the reader pump of every live session calls
// Emit from its own goroutine.
type EventSink interface {
	Emit(topic string, payload any)
}

// PtyOutputPayload is the payload of the "pty_output" topic.
type PtyOutputPayload struct {
	ChannelId ChannelId `json:"channelId"`
	Data      string    `json:"data"`
}

const (
	TopicPtyOutput = "pty_output"
	TopicPtyClosed = "pty_closed"
	// TopicSftpProgress is emitted zero or more times per queued transfer
	// while it is in flight, only when EnableTransferQueue is in use.
	TopicSftpProgress = "sftp_progress"
	// TopicSftpQueueDone is emitted once per queued transfer completion
	// (success or failure), only when EnableTransferQueue is in use.
	TopicSftpQueueDone = "sftp_queue_done"
)

// SftpProgressPayload is the payload of the "sftp_progress" topic.
type SftpProgressPayload struct {
	ChannelId  ChannelId `json:"channelId"`
	Local      string    `json:"local"`
	Remote     string    `json:"remote"`
	BytesSoFar uint64    `json:"bytesSoFar"`
}

// SftpQueueDonePayload is the payload of the "sftp_queue_done" topic.
type SftpQueueDonePayload struct {
	ChannelId ChannelId `json:"channelId"`
	Local     string    `json:"local"`
	Remote    string    `json:"remote"`
	Bytes     uint64    `json:"bytes"`
	// Error is empty on success.
	Error string `json:"error,omitempty"`
}
